package mqtt

import "fmt"

// Topic prefixes for the remote serial gateway scheme.
//
// A gateway is a small agent next to a physical serial port somewhere on
// the network. It publishes inbound device bytes to its rx topic and
// subscribes to its tx topic for bytes the workspace wants written out.
const (
	// TopicPrefixGateway is the base for all gateway topics.
	// Scheme: tracewire/gateway/{gateway_id}/{rx|tx|status}
	TopicPrefixGateway = "tracewire/gateway"

	// TopicPrefixSystem is the base for workspace status topics.
	TopicPrefixSystem = "tracewire/system"
)

// Topics provides builders for the workspace's MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	rx := topics.GatewayRx("bench-ttyusb0")
//	// Returns: "tracewire/gateway/bench-ttyusb0/rx"
type Topics struct{}

// GatewayRx returns the topic a gateway publishes inbound payloads to.
//
// Example: tracewire/gateway/bench-ttyusb0/rx
func (Topics) GatewayRx(gatewayID string) string {
	return fmt.Sprintf("%s/%s/rx", TopicPrefixGateway, gatewayID)
}

// GatewayTx returns the topic the workspace publishes outbound payloads to.
//
// Example: tracewire/gateway/bench-ttyusb0/tx
func (Topics) GatewayTx(gatewayID string) string {
	return fmt.Sprintf("%s/%s/tx", TopicPrefixGateway, gatewayID)
}

// GatewayStatus returns a gateway's own status topic (its LWT).
//
// Example: tracewire/gateway/bench-ttyusb0/status
func (Topics) GatewayStatus(gatewayID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixGateway, gatewayID)
}

// SystemStatus returns the workspace status topic.
//
// Example: tracewire/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllGatewayRx returns a pattern matching every gateway's rx topic.
//
// Pattern: tracewire/gateway/+/rx
func (Topics) AllGatewayRx() string {
	return fmt.Sprintf("%s/+/rx", TopicPrefixGateway)
}

// AllGatewayStatus returns a pattern matching every gateway's status topic.
//
// Pattern: tracewire/gateway/+/status
func (Topics) AllGatewayStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixGateway)
}
