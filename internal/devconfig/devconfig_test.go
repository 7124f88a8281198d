package devconfig

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testConfig(path string) Config {
	return Config{
		Path:           path,
		Manufacturer:   "Acme",
		ManufacturerID: 0x0371,
		Label:          "ZR-1",
		Description:    "Relay test device",
		Devices:        []Product{{ProductType: 0x0003, ProductID: 0x00a1}},
	}
}

func TestBuild(t *testing.T) {
	f := Build(testConfig("x.json"))

	if f.ManufacturerID != "0x0371" {
		t.Errorf("ManufacturerID = %q", f.ManufacturerID)
	}
	if len(f.Devices) != 1 || f.Devices[0].ProductType != "0x0003" || f.Devices[0].ProductID != "0x00a1" {
		t.Errorf("Devices = %+v", f.Devices)
	}
	if f.FirmwareVersion.Min != "0.0" || f.FirmwareVersion.Max != "255.255" {
		t.Errorf("FirmwareVersion = %+v", f.FirmwareVersion)
	}
	cc, ok := f.Compat.CommandClasses.Add["0x91"]
	if !ok || !cc.IsSupported || !cc.IsControlled {
		t.Errorf("compat 0x91 = %+v (present %v)", cc, ok)
	}
}

func TestEnsureFileWritesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "device.json")
	cfg := testConfig(path)

	written, err := EnsureFile(cfg, nil)
	if err != nil {
		t.Fatalf("EnsureFile() error = %v", err)
	}
	if !written {
		t.Fatal("EnsureFile() did not write a missing file")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("file is not JSON: %v", err)
	}
	for _, key := range []string{"manufacturer", "manufacturerId", "label", "description", "devices", "firmwareVersion", "compat"} {
		if _, ok := got[key]; !ok {
			t.Errorf("file missing %q", key)
		}
	}

	// A second call, even with different metadata, keeps the original.
	cfg.Label = "changed"
	written, err = EnsureFile(cfg, nil)
	if err != nil {
		t.Fatalf("second EnsureFile() error = %v", err)
	}
	if written {
		t.Error("EnsureFile() overwrote an existing file")
	}
	after, _ := os.ReadFile(path)
	if string(after) != string(raw) {
		t.Error("file contents changed")
	}
}

func TestEnsureFileKeepsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	written, err := EnsureFile(testConfig(path), nil)
	if err != nil || written {
		t.Fatalf("EnsureFile() = %v, %v", written, err)
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != "{}" {
		t.Errorf("contents = %q", raw)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no path", func(c *Config) { c.Path = "" }},
		{"no label", func(c *Config) { c.Label = "" }},
		{"manufacturer too large", func(c *Config) { c.ManufacturerID = 0x10000 }},
		{"no devices", func(c *Config) { c.Devices = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("x.json")
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if err := testConfig("x.json").Validate(); err != nil {
		t.Errorf("valid config error = %v", err)
	}
}
