// Package mqtt provides MQTT client connectivity for Quantix Connect.
//
// This package manages:
//   - Connection to a device's broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Connection health monitoring
//
// # Architecture
//
// Unlike a service with one central broker, the gateway treats each
// MQTT device as its own broker endpoint: a device's connection params
// name the broker it publishes on, and the gateway opens one client
// per device. Topics and payloads are dictated by the device's
// protocol template, not by this package.
//
//	Quantix Connect ↔ Device Broker ↔ Weight Sensor
//
// # Usage
//
//	client, err := mqtt.Connect(mqtt.Config{
//	    Host:     "192.168.1.50",
//	    ClientID: "quantix-a1b2c3d4",
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	// Subscribe to the sensor's weight topic
//	err = client.Subscribe("scale/weight", 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a command
//	client.Publish("scale/commands/tare", []byte(`{}`), 1, false)
package mqtt
