// Package mqtt provides the workspace's MQTT broker connectivity.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The mqtt-bridge plugin uses this client to reach remote serial
// gateways: small agents sitting next to a physical port somewhere on the
// network. A gateway publishes inbound device bytes to its rx topic and
// subscribes to its tx topic for writes.
//
//	workspace core ↔ MQTT broker ↔ serial gateways
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{}
//	err = client.Subscribe(topics.GatewayRx("bench-ttyusb0"), 1,
//	    func(topic string, payload []byte) error {
//	        return bridge.handleInbound(payload)
//	    })
//
//	client.Publish(topics.GatewayTx("bench-ttyusb0"), frame, 1, false)
package mqtt
