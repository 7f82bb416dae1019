// ws-monitor tails the gateway's WebSocket feed from a terminal.
//
// It connects to /ws with the given API key and prints each weight
// update on one line. Keepalive pings are hidden unless -pings is set;
// -raw prints frames verbatim for debugging template output shapes.
//
// Usage:
//
//	ws-monitor -url ws://127.0.0.1:8000/ws -key quantix-dev-key -device SCALE-01
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"

	"github.com/gorilla/websocket"
)

type frame struct {
	Type       string   `json:"type"`
	DeviceID   int64    `json:"device_id"`
	DeviceCode string   `json:"device_code"`
	DeviceName string   `json:"device_name"`
	Weight     *float64 `json:"weight"`
	Unit       string   `json:"unit"`
	Timestamp  *string  `json:"timestamp"`
	Status     string   `json:"status"`
	Error      *string  `json:"error"`
}

func main() {
	var (
		url    = flag.String("url", "ws://127.0.0.1:8000/ws", "WebSocket endpoint")
		key    = flag.String("key", "", "API key (X-API-Key header)")
		device = flag.String("device", "", "only show this device_code")
		raw    = flag.Bool("raw", false, "print frames verbatim")
		pings  = flag.Bool("pings", false, "show keepalive pings")
	)
	flag.Parse()

	header := http.Header{}
	if *key != "" {
		header.Set("X-API-Key", *key)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, header)
	if err != nil {
		log.Fatalf("dial %s: %v", *url, err)
	}
	defer conn.Close() //nolint:errcheck // Exiting anyway

	log.Printf("connected to %s", *url)

	// Close the socket on Ctrl+C so ReadMessage unblocks.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		conn.Close() //nolint:errcheck
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			log.Fatalf("read: %v", err)
		}

		if *raw {
			log.Printf("%s", data)
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("unparseable frame: %s", data)
			continue
		}

		switch f.Type {
		case "ping":
			if *pings {
				log.Printf("ping")
			}
		case "weight_update":
			if *device != "" && f.DeviceCode != *device {
				continue
			}
			printUpdate(f)
		default:
			log.Printf("%s: %s", f.Type, data)
		}
	}
}

func printUpdate(f frame) {
	weight := "---"
	if f.Weight != nil {
		weight = strconv.FormatFloat(*f.Weight, 'f', -1, 64)
	}
	line := fmt.Sprintf("%s %s %s [%s]", f.DeviceCode, weight, f.Unit, f.Status)
	if f.Error != nil {
		line += " error: " + *f.Error
	}
	log.Print(line)
}
