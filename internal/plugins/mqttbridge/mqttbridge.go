// Package mqttbridge registers the remote-serial bridge plugin. A field
// gateway taps a physical serial port somewhere on the network and
// publishes both directions of the traffic over MQTT; the bridge turns
// those messages into session frames.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/infrastructure/config"
	"github.com/tracewire/tracewire-core/internal/infrastructure/mqtt"
	"github.com/tracewire/tracewire-core/internal/plugin"
	"github.com/tracewire/tracewire-core/internal/shm"
)

// Entry is the registry name of the bridge plugin.
const Entry = "mqtt-bridge"

// CapabilityID identifies the single capability the plugin offers.
const CapabilityID = "remote-serial"

const (
	defaultBrokerPort = 1883
	defaultQoS        = 1
)

func init() {
	plugin.Register(Entry, func() (plugin.Plugin, error) {
		return New(), nil
	})
}

// broker is the slice of the mqtt client the bridge uses. Production wires
// mqtt.Connect; tests substitute a fake.
type broker interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Close() error
}

// gatewayStatus is the payload remote gateways publish on their status
// topic, retained, with an offline LWT.
type gatewayStatus struct {
	Status string `json:"status"`
}

// Bridge relays one gateway's serial traffic into a session. One instance
// serves at most one session, matching the host's single session slot.
type Bridge struct {
	dial func(cfg config.MQTTConfig) (broker, error)

	mu         sync.Mutex
	sessionID  string
	gatewayID  string
	client     broker
	writer     *shm.SwitchableWriter
	level      hostproto.BackpressureLevel
	invalidate func(capabilityID, viewID, reason string)

	online   bool
	rxFrames uint64
	txFrames uint64
	dropped  uint64
}

// New creates an idle bridge dialing real brokers.
func New() *Bridge {
	return &Bridge{
		dial: func(cfg config.MQTTConfig) (broker, error) {
			return mqtt.Connect(cfg)
		},
		level: hostproto.LevelNone,
	}
}

// Capabilities implements plugin.Plugin.
func (b *Bridge) Capabilities() []hostproto.Capability {
	return []hostproto.Capability{
		{
			ID:          CapabilityID,
			Name:        "Remote Serial Gateway",
			Description: "Relays serial traffic tapped by an MQTT field gateway.",
			Params: []hostproto.ParamSpec{
				{Name: "gateway_id", Type: hostproto.ParamString, Required: true},
				{Name: "broker_host", Type: hostproto.ParamString, Required: true},
				{Name: "broker_port", Type: hostproto.ParamInt},
				{Name: "qos", Type: hostproto.ParamInt},
			},
			SharedMemory: &hostproto.SharedMemoryHints{
				MinBytes:       16 * 1024,
				PreferredBytes: 128 * 1024,
				MaxBytes:       1 << 20,
				GrowthStep:     128 * 1024,
				SupportsSwitch: true,
			},
		},
	}
}

// Connect implements plugin.Plugin. It dials the broker named in the
// params and subscribes to the gateway's rx, tx and status topics.
func (b *Bridge) Connect(_ context.Context, req plugin.ConnectRequest) (string, error) {
	gatewayID, _ := req.Params["gateway_id"].(string)
	brokerHost, _ := req.Params["broker_host"].(string)
	if gatewayID == "" || brokerHost == "" {
		return "", fmt.Errorf("mqttbridge: gateway_id and broker_host are required")
	}
	port := paramInt(req.Params, "broker_port")
	if port <= 0 {
		port = defaultBrokerPort
	}
	qos := paramInt(req.Params, "qos")
	if qos < 0 || qos > 2 {
		qos = defaultQoS
	}
	// #nosec G115 -- clamped to 0..2 above
	qosByte := byte(qos)

	cfg := config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     brokerHost,
			Port:     port,
			ClientID: "tracewire-bridge-" + req.SessionID,
		},
		QoS: qos,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     30,
		},
	}

	client, err := b.dial(cfg)
	if err != nil {
		return "", fmt.Errorf("mqttbridge: dialing broker %s:%d: %w", brokerHost, port, err)
	}

	topics := mqtt.Topics{}
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{topics.GatewayRx(gatewayID), func(_ string, payload []byte) error {
			b.handleTraffic(shm.DirRx, payload)
			return nil
		}},
		{topics.GatewayTx(gatewayID), func(_ string, payload []byte) error {
			b.handleTraffic(shm.DirTx, payload)
			return nil
		}},
		{topics.GatewayStatus(gatewayID), func(_ string, payload []byte) error {
			b.handleStatus(payload)
			return nil
		}},
	}
	for _, sub := range subs {
		if err := client.Subscribe(sub.topic, qosByte, sub.handler); err != nil {
			client.Close()
			return "", fmt.Errorf("mqttbridge: subscribing %s: %w", sub.topic, err)
		}
	}

	b.mu.Lock()
	b.sessionID = req.SessionID
	b.gatewayID = gatewayID
	b.client = client
	b.level = hostproto.LevelNone
	b.online = false
	b.rxFrames = 0
	b.txFrames = 0
	b.dropped = 0
	b.mu.Unlock()

	return req.SessionID, nil
}

// Disconnect implements plugin.Plugin.
func (b *Bridge) Disconnect(_ context.Context, _ string) error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.sessionID = ""
	b.writer = nil
	b.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// ApplySharedMemory implements plugin.SharedMemoryConsumer.
func (b *Bridge) ApplySharedMemory(_ context.Context, _ string, w *shm.SwitchableWriter) error {
	b.mu.Lock()
	b.writer = w
	b.mu.Unlock()
	return nil
}

// SetBackpressure implements plugin.BackpressureAware. A remote publisher
// cannot be slowed down, so high pressure sheds inbound traffic at the
// handler instead of letting it pile into a full ring.
func (b *Bridge) SetBackpressure(_ context.Context, _ string, level hostproto.BackpressureLevel) error {
	b.mu.Lock()
	b.level = level
	b.mu.Unlock()
	return nil
}

// UiState implements plugin.UiStater.
func (b *Bridge) UiState(_ context.Context, _ string, _ string) (json.RawMessage, error) {
	b.mu.Lock()
	state := struct {
		GatewayID string `json:"gatewayId"`
		Online    bool   `json:"online"`
		Level     string `json:"level"`
		RxFrames  uint64 `json:"rxFrames"`
		TxFrames  uint64 `json:"txFrames"`
		Dropped   uint64 `json:"dropped"`
	}{
		GatewayID: b.gatewayID,
		Online:    b.online,
		Level:     string(b.level),
		RxFrames:  b.rxFrames,
		TxFrames:  b.txFrames,
		Dropped:   b.dropped,
	}
	b.mu.Unlock()

	return json.Marshal(state)
}

// Notify implements plugin.Notifiable. The broker connection is closed
// early on workspace-closing so the gateway sees a clean disconnect.
func (b *Bridge) Notify(ctx context.Context, kind string, _ json.RawMessage) error {
	if kind == hostproto.NotificationWorkspaceClosing {
		return b.Disconnect(ctx, "")
	}
	return nil
}

// SetUiStateInvalidator implements plugin.UiStateNotifier.
func (b *Bridge) SetUiStateInvalidator(invalidate func(capabilityID, viewID, reason string)) {
	b.mu.Lock()
	b.invalidate = invalidate
	b.mu.Unlock()
}

// handleTraffic writes one tapped payload as a session frame.
func (b *Bridge) handleTraffic(dir shm.Direction, payload []byte) {
	b.mu.Lock()
	writer := b.writer
	level := b.level
	b.mu.Unlock()

	if writer == nil || level == hostproto.LevelHigh {
		b.countDrop()
		return
	}

	if _, ok := writer.TryWriteFrame(dir, payload); !ok {
		b.countDrop()
		return
	}

	b.mu.Lock()
	if dir == shm.DirTx {
		b.txFrames++
	} else {
		b.rxFrames++
	}
	b.mu.Unlock()
}

// handleStatus tracks the gateway's retained online/offline announcements.
func (b *Bridge) handleStatus(payload []byte) {
	var status gatewayStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return
	}

	online := status.Status == "online"

	b.mu.Lock()
	changed := b.online != online
	b.online = online
	invalidate := b.invalidate
	b.mu.Unlock()

	if changed && invalidate != nil {
		invalidate(CapabilityID, "status", "gateway-status")
	}
}

func (b *Bridge) countDrop() {
	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()
}

func paramInt(params map[string]any, name string) int {
	switch v := params[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
