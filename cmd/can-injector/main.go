// Command can-injector sends HP BOARD command frames onto a CAN bus for
// bench testing: preset video commands, a countdown timer sequence, or a
// single custom frame.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"hpboard-controller/internal/canbus"
	"hpboard-controller/internal/models"
)

func main() {
	channel := flag.String("channel", "can0", "CAN interface name")
	id := flag.Uint("id", 0x0DA, "Arbitration id for injected frames")
	countdown := flag.Int("countdown", 0, "Send a countdown from the given number of seconds and exit")
	flag.Parse()

	bus, err := canbus.DialSocketCAN(*channel, nil)
	if err != nil {
		log.Fatalf("Failed to open CAN bus on %s: %v", *channel, err)
	}
	defer bus.Close()

	if *countdown > 0 {
		runCountdown(bus, uint32(*id), *countdown)
		return
	}
	runInteractive(bus, uint32(*id))
}

// runCountdown emits one timer frame per second: [0x0C, 0x01, hi, lo, 0...].
func runCountdown(bus canbus.Bus, id uint32, total int) {
	for remaining := total; remaining >= 0; remaining-- {
		data := [8]byte{0x0C, 0x01, byte(remaining >> 8), byte(remaining)}
		if err := send(bus, id, data); err != nil {
			log.Printf("Failed to send countdown frame: %v", err)
		} else {
			log.Printf("Sent countdown frame: ID=0x%X remaining=%ds", id, remaining)
		}
		time.Sleep(1 * time.Second)
	}
	log.Println("Countdown completed.")
}

// runInteractive maps keys 1-4 to preset video command frames and accepts
// raw hex payloads.
func runInteractive(bus canbus.Bus, id uint32) {
	presets := map[string][8]byte{
		"1": {0x04, 0x01, 0x01},
		"2": {0x04, 0x01, 0x02},
		"3": {0x04, 0x01, 0x03},
		"4": {0x04, 0x01, 0x04},
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("Press 1-4 to send video commands, 8 hex bytes for a custom frame, or 'q' to quit: ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())

		switch {
		case input == "q":
			return
		case presets[input] != [8]byte{}:
			if err := send(bus, id, presets[input]); err != nil {
				log.Printf("Failed to send frame: %v", err)
			}
		default:
			data, err := parsePayload(input)
			if err != nil {
				log.Printf("Invalid input: %v", err)
				continue
			}
			if err := send(bus, id, data); err != nil {
				log.Printf("Failed to send frame: %v", err)
			}
		}
	}
}

func send(bus canbus.Bus, id uint32, data [8]byte) error {
	frame := models.Frame{ID: id, Len: 8, Data: data, Timestamp: time.Now().UTC()}
	if err := bus.Send(frame); err != nil {
		return err
	}
	log.Printf("Sent CAN frame: ID=0x%X Data=%v", id, data)
	return nil
}

func parsePayload(input string) ([8]byte, error) {
	var data [8]byte
	fields := strings.Fields(input)
	if len(fields) != 8 {
		return data, fmt.Errorf("want 8 bytes, got %d", len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 0, 8)
		if err != nil {
			return data, fmt.Errorf("byte %d: %w", i, err)
		}
		data[i] = byte(v)
	}
	return data, nil
}
