package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nerrad567/zwave-relay/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "zwaverelay-test",
		},
		QoS:         1,
		TopicPrefix: "relay-test",
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name   string
		topics Topics
		got    func(Topics) string
		want   string
	}{
		{"event", Topics{Prefix: "zwaverelay"}, func(t Topics) string { return t.Event("NODE_ADDED") }, "zwaverelay/events/NODE_ADDED"},
		{"status", Topics{Prefix: "zwaverelay"}, Topics.SystemStatus, "zwaverelay/system/status"},
		{"all events", Topics{Prefix: "site/relay"}, Topics.AllEvents, "site/relay/events/+"},
		{"trailing slash trimmed", Topics{Prefix: "home/"}, Topics.SystemStatus, "home/system/status"},
		{"empty prefix uses default", Topics{}, func(t Topics) string { return t.Event("DRIVER_READY") }, "zwaverelay/events/DRIVER_READY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.got(tt.topics); got != tt.want {
				t.Errorf("topic = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusPayload(t *testing.T) {
	var msg StatusMessage
	if err := json.Unmarshal(statusPayload(StatusOffline, "relay-1", reasonShutdown), &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Status != StatusOffline || msg.ClientID != "relay-1" || msg.Reason != reasonShutdown {
		t.Errorf("payload = %+v", msg)
	}
	if msg.Timestamp == "" {
		t.Error("Timestamp is empty")
	}

	var online map[string]any
	if err := json.Unmarshal(statusPayload(StatusOnline, "relay-1", ""), &online); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := online["reason"]; ok {
		t.Error("online payload should omit reason")
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "relay"
	cfg.Auth.Password = "secret"
	cfg.Broker.TLS = true

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "zwaverelay-test" || opts.Username != "relay" {
		t.Errorf("ClientID = %q, Username = %q", opts.ClientID, opts.Username)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS config not applied")
	}

	configureLWT(opts, Topics{Prefix: cfg.TopicPrefix}, cfg.Broker.ClientID)
	if !opts.WillEnabled || opts.WillTopic != "relay-test/system/status" || !opts.WillRetained {
		t.Errorf("will = enabled %v, topic %q, retained %v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{cfg: testConfig(), topics: Topics{Prefix: "relay-test"}}

	tests := []struct {
		name    string
		publish func() error
		wantErr error
	}{
		{"empty topic", func() error { return client.Publish("", nil, 1, false) }, ErrInvalidTopic},
		{"invalid qos", func() error { return client.Publish("a/b", nil, 3, false) }, ErrInvalidQoS},
		{"oversized payload", func() error { return client.Publish("a/b", make([]byte, maxPayloadSize+1), 1, false) }, ErrPublishFailed},
		{"disconnected", func() error { return client.Publish("a/b", []byte("x"), 1, false) }, ErrNotConnected},
		{"empty event type", func() error { return client.PublishEvent("", nil) }, ErrInvalidTopic},
		{"event while disconnected", func() error { return client.PublishEvent("NODE_ADDED", []byte("{}")) }, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.publish(); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnconnectedClient(t *testing.T) {
	client := &Client{}

	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestDisconnectCallback(t *testing.T) {
	client := &Client{connected: true}
	var got error
	client.SetOnDisconnect(func(err error) { got = err })

	lost := errors.New("broker went away")
	client.handleDisconnect(lost)

	if got != lost {
		t.Errorf("callback error = %v, want %v", got, lost)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
}
