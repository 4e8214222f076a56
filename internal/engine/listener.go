package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"hpboard-controller/internal/canbus"
	"hpboard-controller/internal/filter"
	"hpboard-controller/internal/metrics"
	"hpboard-controller/internal/models"
)

// Listener polls the bus at a fixed interval, classifies pending frames
// against the rule set and dispatches every match. Transient adapter
// errors are counted and polling continues.
type Listener struct {
	bus        canbus.Bus
	rules      *filter.RuleSet
	dispatcher *Dispatcher
	interval   time.Duration
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// NewListener creates a listener loop. The rule set is shared by
// reference and must not change after start.
func NewListener(log *slog.Logger, bus canbus.Bus, rules *filter.RuleSet,
	dispatcher *Dispatcher, interval time.Duration, m *metrics.Metrics) *Listener {

	return &Listener{
		bus:        bus,
		rules:      rules,
		dispatcher: dispatcher,
		interval:   interval,
		log:        log.With("component", "listener"),
		metrics:    m,
	}
}

// run polls until the stop channel closes. Frames read before the stop
// signal is observed are fully dispatched, never dropped.
func (l *Listener) run(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.log.Info("listener started", "poll_interval", l.interval)
	for {
		select {
		case <-stop:
			l.log.Info("listener stopped")
			return
		case <-ticker.C:
			l.poll()
		}
	}
}

// poll drains all pending frames without blocking past the poll interval.
func (l *Listener) poll() {
	deadline := time.Now().Add(l.interval)
	for time.Now().Before(deadline) {
		frame, err := l.bus.Receive(0)
		switch {
		case err == nil:
			l.metrics.FramesReceived.Inc()
			for _, name := range l.rules.Match(frame) {
				l.metrics.FramesMatched.WithLabelValues(name).Inc()
				l.dispatcher.Dispatch(models.DispatchEvent{RuleName: name, Frame: frame})
			}
		case errors.Is(err, canbus.ErrRxTimeout):
			// Drained.
			return
		case errors.Is(err, canbus.ErrMalformedFrame):
			l.metrics.FramesDropped.Inc()
			l.log.Warn("dropped malformed frame", "error", err)
		case errors.Is(err, canbus.ErrClosed):
			return
		default:
			l.metrics.AdapterErrors.Inc()
			l.log.Warn("bus read error", "error", err)
			return
		}
	}
}
