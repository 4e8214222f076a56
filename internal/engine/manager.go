package engine

import (
	"log/slog"
	"sync"
	"time"

	"hpboard-controller/internal/canbus"
)

// Manager owns the bus handle and the two engine loops. Start launches
// listener and responder as independent goroutines; Stop signals both,
// joins them and closes the bus. Stop is idempotent.
type Manager struct {
	bus       canbus.Bus
	listener  *Listener
	responder *Responder
	log       *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
	stopped bool
}

// NewManager composes the engine around an open bus handle.
func NewManager(log *slog.Logger, bus canbus.Bus, listener *Listener, responder *Responder) *Manager {
	return &Manager{
		bus:       bus,
		listener:  listener,
		responder: responder,
		log:       log.With("component", "can-manager"),
	}
}

// Start launches both loops. Starting a running manager is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.stopped {
		return
	}
	m.running = true
	m.stop = make(chan struct{})

	m.wg.Add(2)
	go m.listener.run(m.stop, &m.wg)
	go m.responder.run(m.stop, &m.wg)
	m.listener.metrics.EngineStatus.Set(1)
	m.log.Info("engine started")
}

// TriggerStatusResponse asks the responder for an out-of-schedule status
// transmission.
func (m *Manager) TriggerStatusResponse() {
	m.responder.TriggerImmediate()
}

// Stop signals both loops, waits for them to exit and closes the bus.
// Both loops observe the signal within one poll interval. Idempotent.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	start := time.Now()
	m.wg.Wait()
	err := m.bus.Close()
	m.listener.metrics.EngineStatus.Set(0)
	m.log.Info("engine stopped", "shutdown_latency", time.Since(start))
	return err
}
