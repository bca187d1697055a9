// Package mqtt provides MQTT client connectivity for AIoT Core.
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
// AIoT Core uses MQTT as the transport between field devices (behind
// gateways) and the bridge. The broker decouples the bridge from
// device-specific firmware.
//
//	Devices/Gateways ↔ MQTT Broker ↔ AIoT Core Bridge
//
// Devices publish on devices/{device_id}/{data,heartbeat,response,discovery}
// and listen on devices/{device_id}/commands. The bridge announces its own
// presence on system/bridge/status (retained, with LWT for crash detection).
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to telemetry from all devices
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceData(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a command
//	topic := mqtt.Topics{}.DeviceCommands("RELAY-001")
//	client.Publish(topic, []byte(`{"action":"set_state"}`), 1, false)
package mqtt
