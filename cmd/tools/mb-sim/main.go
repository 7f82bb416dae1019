// mb-sim is a Modbus TCP slave that simulates an industrial scale.
//
// The current weight in grams is exposed as two input registers
// (high word at the base address, low word at base+1) and mirrored to
// the holding registers, matching the register layout of the bundled
// Modbus scale templates. The weight performs a bounded random walk so
// dashboards show live movement.
//
// Usage:
//
//	mb-sim -listen :1502 -weight 12500 -walk 50 -interval 500ms
package main

import (
	"flag"
	"log"
	"math/rand"
	"time"

	"github.com/tbrandon/mbserver"
)

func main() {
	var (
		listen   = flag.String("listen", ":1502", "TCP listen address")
		base     = flag.Int("base", 0, "base register address for the weight words")
		weight   = flag.Int("weight", 12500, "starting weight in grams")
		walk     = flag.Int("walk", 50, "maximum random step per update, grams (0 = static)")
		interval = flag.Duration("interval", 500*time.Millisecond, "update period")
	)
	flag.Parse()

	srv := mbserver.NewServer()
	if err := srv.ListenTCP(*listen); err != nil {
		log.Fatalf("ListenTCP: %v", err)
	}
	defer srv.Close()
	log.Printf("modbus scale simulator listening on %s (weight registers %d/%d)",
		*listen, *base, *base+1)

	grams := *weight
	for {
		if *walk > 0 {
			grams += rand.Intn(2*(*walk)+1) - *walk
			if grams < 0 {
				grams = 0
			}
		}

		hi := uint16(uint32(grams) >> 16)
		lo := uint16(uint32(grams) & 0xFFFF)
		srv.InputRegisters[*base] = hi
		srv.InputRegisters[*base+1] = lo
		srv.HoldingRegisters[*base] = hi
		srv.HoldingRegisters[*base+1] = lo

		time.Sleep(*interval)
	}
}
