//go:build integration

package mqtt

import (
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Integration tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//
//	go test -tags=integration -v ./internal/infrastructure/mqtt/...

func TestIntegration_EventMirror(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "zwaverelay-int-mirror"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	// Separate subscriber watching the mirror.
	received := make(chan string, 1)
	subOpts := pahomqtt.NewClientOptions().AddBroker("tcp://127.0.0.1:1883").SetClientID("zwaverelay-int-sub")
	sub := pahomqtt.NewClient(subOpts)
	if token := sub.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("subscriber connect failed: %v", token.Error())
	}
	defer sub.Disconnect(100)

	token := sub.Subscribe(client.Topics().AllEvents(), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		received <- msg.Topic()
	})
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("subscribe failed: %v", token.Error())
	}

	if err := client.PublishEvent("NODE_ADDED", []byte(`{"type":"NODE_ADDED"}`)); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	select {
	case topic := <-received:
		if topic != "relay-test/events/NODE_ADDED" {
			t.Errorf("topic = %q", topic)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("mirrored event not received")
	}
}
