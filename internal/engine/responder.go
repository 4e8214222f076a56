package engine

import (
	"log/slog"
	"sync"
	"time"

	"hpboard-controller/internal/canbus"
	"hpboard-controller/internal/metrics"
	"hpboard-controller/internal/models"
)

// Schedule governs when the responder first fires and how often
// thereafter.
type Schedule struct {
	InitialDelay     time.Duration
	PeriodicInterval time.Duration
}

// StatusFunc produces the 8-byte status payload for the next transmission.
// Called on the responder goroutine; must be fast and safe for concurrent
// use with the rest of the application.
type StatusFunc func() [8]byte

// Responder transmits status frames on its own schedule, independent of
// the listener's polling cadence. A transmit failure never aborts the
// schedule; the next tick is attempted as planned, with no catch-up of
// missed sends.
type Responder struct {
	bus       canbus.Bus
	deviceID  uint32
	schedule  Schedule
	status    StatusFunc
	immediate chan struct{}
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewResponder creates a responder loop that sends frames with the given
// device id.
func NewResponder(log *slog.Logger, bus canbus.Bus, deviceID uint32,
	schedule Schedule, status StatusFunc, m *metrics.Metrics) *Responder {

	return &Responder{
		bus:       bus,
		deviceID:  deviceID,
		schedule:  schedule,
		status:    status,
		immediate: make(chan struct{}, 1),
		log:       log.With("component", "responder"),
		metrics:   m,
	}
}

// TriggerImmediate requests a status transmission outside the schedule.
// The periodic deadline restarts from the immediate send. Coalesces when a
// trigger is already pending.
func (r *Responder) TriggerImmediate() {
	select {
	case r.immediate <- struct{}{}:
	default:
	}
}

// run transmits until the stop channel closes.
func (r *Responder) run(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	timer := time.NewTimer(r.schedule.InitialDelay)
	defer timer.Stop()

	r.log.Info("responder started",
		"initial_delay", r.schedule.InitialDelay,
		"periodic_interval", r.schedule.PeriodicInterval)
	for {
		select {
		case <-stop:
			r.log.Info("responder stopped")
			return
		case <-r.immediate:
			r.transmit()
			resetTimer(timer, r.schedule.PeriodicInterval)
		case <-timer.C:
			r.transmit()
			timer.Reset(r.schedule.PeriodicInterval)
		}
	}
}

// transmit sends one status frame. Failures are reported and counted; the
// schedule is unaffected.
func (r *Responder) transmit() {
	frame := models.Frame{
		ID:        r.deviceID,
		Len:       8,
		Data:      r.status(),
		Timestamp: time.Now().UTC(),
	}
	if err := r.bus.Send(frame); err != nil {
		r.metrics.TransmitErrors.Inc()
		r.log.Warn("failed to send status frame", "error", err)
		return
	}
	r.metrics.ResponderBeats.Inc()
	r.log.Debug("sent status frame", "id", frame.ID, "data", frame.Data)
}

// resetTimer restarts a timer that may not have fired yet.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
