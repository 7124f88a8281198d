package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/zwave-relay/internal/controller"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/config"
	"github.com/nerrad567/zwave-relay/internal/infrastructure/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestRun_InvalidConfig verifies run fails with an explicit config path that does not exist.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("ZWAVERELAY_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails validation with an empty database path.
func TestRun_MissingDatabasePath(t *testing.T) {
	t.Setenv("ZWAVERELAY_CONFIG", writeConfig(t, `
database:
  path: ""
logging:
  level: error
  format: text
`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestRun_StartupAndShutdown runs the relay with every optional service
// disabled and shuts it down through the context.
func TestRun_StartupAndShutdown(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ZWAVERELAY_CONFIG", writeConfig(t, `
database:
  path: "`+filepath.Join(dir, "relay.db")+`"
api:
  host: "127.0.0.1"
  port: 18931
zwave:
  server_url: "ws://127.0.0.1:1"
  auto_start: false
device_config:
  enabled: true
  path: "`+filepath.Join(dir, "device-config.json")+`"
  manufacturer: "Acme"
  manufacturer_id: 0x0371
  label: "AC-1"
  devices:
    - product_type: 1
      product_id: 2
logging:
  level: error
  format: text
`))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "device-config.json")); err != nil {
		t.Errorf("device config not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "relay.db")); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("ZWAVERELAY_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestGetConfigPath_MissingDefault verifies the default file is optional.
func TestGetConfigPath_MissingDefault(t *testing.T) {
	t.Setenv("ZWAVERELAY_CONFIG", "")
	t.Chdir(t.TempDir())

	if path := getConfigPath(); path != "" {
		t.Errorf("getConfigPath() = %q, want empty", path)
	}

	if err := os.MkdirAll(filepath.Dir(config.DefaultPath), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(config.DefaultPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if path := getConfigPath(); path != config.DefaultPath {
		t.Errorf("getConfigPath() = %q, want %q", path, config.DefaultPath)
	}
}

func TestStateIndex(t *testing.T) {
	tests := map[controller.State]int{
		controller.StateUninitialized: 0,
		controller.StateStarting:      1,
		controller.StateReady:         2,
		controller.StateStopped:       3,
	}
	for st, want := range tests {
		if got := stateIndex(st); got != want {
			t.Errorf("stateIndex(%s) = %d, want %d", st, got, want)
		}
	}
}

func TestDeviceConfigFallsBackToRelayManufacturer(t *testing.T) {
	cfg := &config.Config{
		ZWave: config.ZWaveConfig{ManufacturerID: 0x0371},
		DeviceConfig: config.DeviceFileConfig{
			Path:    "/tmp/x.json",
			Label:   "AC-1",
			Devices: []config.DeviceIDConfig{{ProductType: 1, ProductID: 2}, {ProductType: 1, ProductID: 3}},
		},
	}
	dc := deviceConfig(cfg)
	if dc.ManufacturerID != 0x0371 || len(dc.Devices) != 2 || dc.Devices[1].ProductID != 3 {
		t.Errorf("deviceConfig() = %+v", dc)
	}
}

type fakePublisher struct {
	mu   sync.Mutex
	sent map[string][]byte
	err  error
}

func (f *fakePublisher) PublishEvent(eventType string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]byte)
	}
	f.sent[eventType] = payload
	return f.err
}

func TestMirrorEvents(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	events := make(chan controller.Event, 4)
	pub := &fakePublisher{err: errors.New("broker gone")}

	events <- controller.Event{Type: controller.EventNodeAdded, Data: controller.NodeEventData{NodeID: 5}}
	events <- controller.Event{Type: controller.EventError, Message: "lost"}
	close(events)

	done := make(chan struct{})
	go func() {
		mirrorEvents(context.Background(), events, pub, log)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mirrorEvents did not return after the subscription closed")
	}

	// A failed publish does not stop the mirror.
	if len(pub.sent) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.sent))
	}

	var msg struct {
		Type string `json:"type"`
		Data struct {
			NodeID int `json:"nodeId"`
		} `json:"data"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(pub.sent[controller.EventNodeAdded], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != controller.EventNodeAdded || msg.Data.NodeID != 5 || msg.Timestamp == "" {
		t.Errorf("mirrored = %+v", msg)
	}
}

func TestMirrorEventsStopsOnCancel(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mirrorEvents(ctx, make(chan controller.Event), &fakePublisher{}, log)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mirrorEvents did not return after cancel")
	}
}
