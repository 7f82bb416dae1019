// mqtt-sim publishes synthetic scale readings to an MQTT broker.
//
// Each message is the JSON shape the bundled MQTT scale template
// expects: {"device_id", "timestamp", "weight", "unit", "status"}.
// The weight performs a bounded random walk between -walk and +walk
// grams per tick so subscribed gateways show live movement.
//
// Usage:
//
//	mqtt-sim -broker 127.0.0.1:1883 -topic scales/line1/data -interval 1s
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/quantix-io/quantix-connect/internal/infrastructure/mqtt"
)

type reading struct {
	DeviceID  string  `json:"device_id"`
	Timestamp string  `json:"timestamp"`
	Weight    float64 `json:"weight"`
	Unit      string  `json:"unit"`
	Status    string  `json:"status"`
}

func main() {
	var (
		broker   = flag.String("broker", "127.0.0.1:1883", "broker host:port")
		topic    = flag.String("topic", "scales/line1/data", "publish topic")
		deviceID = flag.String("device", "SIM-01", "device_id field value")
		unit     = flag.String("unit", "kg", "unit field value")
		weight   = flag.Float64("weight", 12.5, "starting weight")
		walk     = flag.Float64("walk", 0.05, "maximum random step per tick (0 = static)")
		interval = flag.Duration("interval", time.Second, "publish period")
		username = flag.String("username", "", "broker username")
		password = flag.String("password", "", "broker password")
	)
	flag.Parse()

	host, portStr, err := net.SplitHostPort(*broker)
	if err != nil {
		log.Fatalf("invalid -broker %q: %v", *broker, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("invalid broker port %q: %v", portStr, err)
	}

	client, err := mqtt.Connect(mqtt.Config{
		Host:     host,
		Port:     port,
		Username: *username,
		Password: *password,
		ClientID: "quantix-sim-" + uuid.NewString()[:8],
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer client.Close() //nolint:errcheck // Exiting anyway

	log.Printf("publishing to %s on %s every %s", *topic, *broker, *interval)

	current := *weight
	for {
		if *walk > 0 {
			current += (rand.Float64()*2 - 1) * *walk
			if current < 0 {
				current = 0
			}
		}

		payload, err := json.Marshal(reading{
			DeviceID:  *deviceID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Weight:    current,
			Unit:      *unit,
			Status:    "ok",
		})
		if err != nil {
			log.Fatalf("marshal: %v", err)
		}

		if err := client.Publish(*topic, payload, 0, false); err != nil {
			log.Printf("publish failed: %v", err)
		} else {
			log.Printf("%s %.3f %s", *deviceID, current, *unit)
		}

		time.Sleep(*interval)
	}
}
