package mqtt

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tracewire/tracewire-core/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Broker-dependent tests require a running Mosquitto at 127.0.0.1:1883.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "tracewire-test",
			TLS:      false,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// skipIfNoBroker skips the test when no local broker is reachable.
func skipIfNoBroker(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 250*time.Millisecond)
	if err != nil {
		t.Skip("MQTT broker not available, skipping integration test")
	}
	conn.Close()
}

func TestPublish_Validation(t *testing.T) {
	// A zero-value client never reaches the network: validation runs
	// before the connection check.
	c := &Client{}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{name: "empty topic", topic: "", qos: 1, wantErr: ErrInvalidTopic},
		{name: "invalid qos", topic: "tracewire/gateway/g1/tx", qos: 3, wantErr: ErrInvalidQoS},
		{name: "oversized payload", topic: "tracewire/gateway/g1/tx", payload: make([]byte, maxPayloadSize+1), qos: 1, wantErr: ErrPublishFailed},
		{name: "not connected", topic: "tracewire/gateway/g1/tx", payload: []byte("x"), qos: 1, wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe() empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("tracewire/gateway/+/rx", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe() bad qos error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("tracewire/gateway/+/rx", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe() nil handler error = %v, want ErrSubscribeFailed", err)
	}
	if err := c.Subscribe("tracewire/gateway/+/rx", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() disconnected error = %v, want ErrNotConnected", err)
	}
}

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"gateway rx", topics.GatewayRx("bench-ttyusb0"), "tracewire/gateway/bench-ttyusb0/rx"},
		{"gateway tx", topics.GatewayTx("bench-ttyusb0"), "tracewire/gateway/bench-ttyusb0/tx"},
		{"gateway status", topics.GatewayStatus("bench-ttyusb0"), "tracewire/gateway/bench-ttyusb0/status"},
		{"system status", topics.SystemStatus(), "tracewire/system/status"},
		{"all gateway rx", topics.AllGatewayRx(), "tracewire/gateway/+/rx"},
		{"all gateway status", topics.AllGatewayStatus(), "tracewire/gateway/+/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("topic = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestConnect(t *testing.T) {
	skipIfNoBroker(t)
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
}

func TestConnect_InvalidBroker(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	_, err := Connect(cfg)
	if err == nil {
		t.Fatal("Connect() expected error for unreachable broker")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestPublishSubscribe_RoundTrip(t *testing.T) {
	skipIfNoBroker(t)
	cfg := testConfig()
	cfg.Broker.ClientID = "tracewire-test-roundtrip"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topic := Topics{}.GatewayRx("test-roundtrip")
	received := make(chan []byte, 1)
	var once sync.Once

	err = client.Subscribe(topic, 1, func(_ string, payload []byte) error {
		once.Do(func() { received <- payload })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02, 0xc4, 0x0b}
	if err := client.Publish(topic, want, 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(want) {
			t.Errorf("received payload = %x, want %x", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received within timeout")
	}
}

func TestSubscriptionTracking(t *testing.T) {
	skipIfNoBroker(t)
	cfg := testConfig()
	cfg.Broker.ClientID = "tracewire-test-subtrack"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	handler := func(string, []byte) error { return nil }
	topics := []string{
		Topics{}.GatewayRx("track-a"),
		Topics{}.GatewayRx("track-b"),
	}
	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%q) error = %v", topic, err)
		}
	}

	if got := client.SubscriptionCount(); got != 2 {
		t.Errorf("SubscriptionCount() = %d, want 2", got)
	}
	if !client.HasSubscription(topics[0]) {
		t.Errorf("HasSubscription(%q) = false, want true", topics[0])
	}

	if err := client.Unsubscribe(topics[0]); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topics[0]) {
		t.Errorf("HasSubscription(%q) = true after Unsubscribe", topics[0])
	}
	if got := client.SubscriptionCount(); got != 1 {
		t.Errorf("SubscriptionCount() after unsubscribe = %d, want 1", got)
	}
}
