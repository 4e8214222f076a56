package canbus

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	bringUpRetries  = 3
	bringUpCooldown = 2 * time.Second
	resetCooldown   = 5 * time.Second
)

// EnsureUp checks the CAN interface state and brings it up with the
// configured bitrate when it is down. When the kernel error counters are
// nonzero the interface is reset first. Best effort: failures other than a
// missing device are reported to the caller, who decides whether to
// proceed.
func EnsureUp(log *slog.Logger, ifname string, bitrate int) error {
	out, err := exec.Command("ip", "link", "show", ifname).CombinedOutput()
	if err != nil {
		return fmt.Errorf("interface %s not found: %w (output: %s)", ifname, err, strings.TrimSpace(string(out)))
	}

	rxErrs, txErrs := readErrorCounters(ifname)
	if rxErrs > 0 || txErrs > 0 {
		log.Warn("CAN bus errors detected, resetting interface",
			"interface", ifname, "rx_errors", rxErrs, "tx_errors", txErrs)
		if err := setLink(ifname, "down"); err != nil {
			log.Warn("failed to bring interface down", "interface", ifname, "error", err)
		}
		time.Sleep(resetCooldown)
		return bringUp(log, ifname, bitrate)
	}

	if strings.Contains(string(out), "state UP") {
		log.Debug("CAN interface already up", "interface", ifname)
		return nil
	}
	return bringUp(log, ifname, bitrate)
}

// bringUp sets the bitrate and raises the interface, with retries.
func bringUp(log *slog.Logger, ifname string, bitrate int) error {
	var lastErr error
	for attempt := 1; attempt <= bringUpRetries; attempt++ {
		cmd := exec.Command("ip", "link", "set", ifname, "type", "can", "bitrate", strconv.Itoa(bitrate))
		if out, err := cmd.CombinedOutput(); err != nil {
			lastErr = fmt.Errorf("failed to set bitrate: %w (output: %s)", err, strings.TrimSpace(string(out)))
		} else if err := setLink(ifname, "up"); err != nil {
			lastErr = err
		} else {
			log.Info("CAN interface brought up", "interface", ifname, "bitrate", bitrate)
			return nil
		}
		log.Warn("failed to bring up CAN interface",
			"interface", ifname, "attempt", attempt, "retries", bringUpRetries, "error", lastErr)
		if attempt < bringUpRetries {
			time.Sleep(bringUpCooldown)
		}
	}
	return fmt.Errorf("failed to bring up %s after %d attempts: %w", ifname, bringUpRetries, lastErr)
}

func setLink(ifname, state string) error {
	out, err := exec.Command("ip", "link", "set", ifname, state).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to set %s %s: %w (output: %s)", ifname, state, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// readErrorCounters reads rx/tx error counts from sysfs. Missing files
// (e.g. on vcan) read as zero.
func readErrorCounters(ifname string) (rx, tx uint64) {
	rx = readCounter(filepath.Join("/sys/class/net", ifname, "statistics", "rx_errors"))
	tx = readCounter(filepath.Join("/sys/class/net", ifname, "statistics", "tx_errors"))
	return rx, tx
}

func readCounter(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	return n
}
