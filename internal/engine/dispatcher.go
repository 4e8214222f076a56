// Package engine contains the CAN frame filtering and dispatch engine: a
// listener loop that classifies bus frames against the rule set and routes
// matches to registered actions, and an independent responder loop that
// emits periodic status frames.
package engine

import (
	"fmt"
	"log/slog"

	"hpboard-controller/internal/actions"
	"hpboard-controller/internal/audit"
	"hpboard-controller/internal/filter"
	"hpboard-controller/internal/metrics"
	"hpboard-controller/internal/models"
)

// Dispatcher routes dispatch events to the handler registered for the
// matched rule name. Handlers run on the action queue so dispatch returns
// immediately.
type Dispatcher struct {
	registry *actions.Registry
	queue    *actions.Queue
	audit    audit.Writer
	ifname   string
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher validates that every rule name in the rule set has a
// registered handler and returns a dispatcher. A rule without a handler is
// a configuration error and refuses startup.
func NewDispatcher(log *slog.Logger, reg *actions.Registry, queue *actions.Queue,
	rules *filter.RuleSet, auditW audit.Writer, ifname string, m *metrics.Metrics) (*Dispatcher, error) {

	for _, name := range rules.Names() {
		if _, ok := reg.Lookup(name); !ok {
			return nil, fmt.Errorf("software filter %q has no registered handler (known: %v)", name, reg.Names())
		}
	}
	if auditW == nil {
		auditW = audit.Nop{}
	}
	return &Dispatcher{
		registry: reg,
		queue:    queue,
		audit:    auditW,
		ifname:   ifname,
		log:      log.With("component", "dispatcher"),
		metrics:  m,
	}, nil
}

// Dispatch hands the event's frame to the handler bound to its rule name.
// An unregistered name is reported and counted, never fatal.
func (d *Dispatcher) Dispatch(ev models.DispatchEvent) {
	handler, ok := d.registry.Lookup(ev.RuleName)
	if !ok {
		d.metrics.DispatchErrors.Inc()
		d.log.Error("no handler registered for matched rule", "rule", ev.RuleName)
		return
	}

	frame := ev.Frame
	d.queue.Enqueue(func() { handler(frame) })

	d.audit.Write(models.AuditRecord{
		Timestamp: frame.Timestamp,
		Interface: d.ifname,
		RuleName:  ev.RuleName,
		CANID:     frame.ID,
		Data:      frame.Data,
	})
}
