package engine

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hpboard-controller/internal/actions"
	"hpboard-controller/internal/canbus"
	"hpboard-controller/internal/filter"
	"hpboard-controller/internal/metrics"
	"hpboard-controller/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wildcards() [filter.PayloadLen]filter.ByteCond {
	var conds [filter.PayloadLen]filter.ByteCond
	for i := range conds {
		conds[i] = filter.ByteCond{Wildcard: true}
	}
	return conds
}

type rig struct {
	bus     *canbus.Loopback
	mgr     *Manager
	queue   *actions.Queue
	metrics *metrics.Metrics
	events  chan models.DispatchEvent
}

// newRig assembles an engine on a loopback bus with one handler per rule,
// funneling every handled frame into rig.events.
func newRig(t *testing.T, rules []filter.SoftwareFilter, schedule Schedule, status StatusFunc) *rig {
	t.Helper()

	log := testLogger()
	rs, err := filter.NewRuleSet(rules)
	require.NoError(t, err)

	r := &rig{
		bus:     canbus.NewLoopback(),
		metrics: metrics.New(),
		events:  make(chan models.DispatchEvent, 64),
	}

	reg := actions.NewRegistry()
	for _, rule := range rules {
		name := rule.Name
		require.NoError(t, reg.Register(name, func(f models.Frame) {
			r.events <- models.DispatchEvent{RuleName: name, Frame: f}
		}))
	}

	r.queue = actions.NewQueue(log, 64)
	r.queue.Start()
	t.Cleanup(r.queue.Stop)

	dispatcher, err := NewDispatcher(log, reg, r.queue, rs, nil, "loop0", r.metrics)
	require.NoError(t, err)

	if status == nil {
		status = func() [8]byte { return [8]byte{0x03} }
	}
	listener := NewListener(log, r.bus, rs, dispatcher, 10*time.Millisecond, r.metrics)
	responder := NewResponder(log, r.bus, 0x0DA, schedule, status, r.metrics)
	r.mgr = NewManager(log, r.bus, listener, responder)
	t.Cleanup(func() { _ = r.mgr.Stop() })
	return r
}

// flakyBus wraps a loopback and serves queued read errors ahead of frames.
type flakyBus struct {
	*canbus.Loopback
	errs chan error
}

func newFlakyBus() *flakyBus {
	return &flakyBus{Loopback: canbus.NewLoopback(), errs: make(chan error, 8)}
}

func (b *flakyBus) failNext(err error) { b.errs <- err }

func (b *flakyBus) Receive(timeout time.Duration) (models.Frame, error) {
	select {
	case err := <-b.errs:
		return models.Frame{}, err
	default:
		return b.Loopback.Receive(timeout)
	}
}

func restartRules() []filter.SoftwareFilter {
	var exact [filter.PayloadLen]filter.ByteCond
	return []filter.SoftwareFilter{{
		Name:       "restart",
		IDLow:      0xDA,
		IDHigh:     0xDA,
		Conditions: exact,
	}}
}

func slowSchedule() Schedule {
	return Schedule{InitialDelay: time.Hour, PeriodicInterval: time.Hour}
}

func TestEndToEndDispatch(t *testing.T) {
	r := newRig(t, restartRules(), slowSchedule(), nil)
	r.mgr.Start()

	r.bus.Inject(models.Frame{ID: 0xDA, Len: 8})

	select {
	case ev := <-r.events:
		assert.Equal(t, "restart", ev.RuleName)
		assert.Equal(t, uint32(0xDA), ev.Frame.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dispatch event for the matching frame")
	}

	// A frame off by one byte must not dispatch.
	r.bus.Inject(models.Frame{ID: 0xDA, Len: 8, Data: [8]byte{1}})
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected dispatch event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.FramesMatched.WithLabelValues("restart")))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.metrics.FramesReceived))
}

func TestMalformedFrameDroppedAndCounted(t *testing.T) {
	r := newRig(t, restartRules(), slowSchedule(), nil)
	r.mgr.Start()

	r.bus.Inject(models.Frame{ID: 0xDA, Len: 9})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r.metrics.FramesDropped) == 1
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case ev := <-r.events:
		t.Fatalf("malformed frame must not dispatch, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResponderSchedule(t *testing.T) {
	r := newRig(t, restartRules(), Schedule{
		InitialDelay:     150 * time.Millisecond,
		PeriodicInterval: 100 * time.Millisecond,
	}, func() [8]byte { return [8]byte{0x03, 0x01, 0x02, 0x04} })
	r.mgr.Start()
	start := time.Now()

	// No beat before the initial delay.
	select {
	case f := <-r.bus.Sent():
		t.Fatalf("status frame sent after %v, before initial delay: %+v", time.Since(start), f)
	case <-time.After(100 * time.Millisecond):
	}

	first := awaitFrame(t, r.bus.Sent(), 2*time.Second)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, uint32(0x0DA), first.ID)
	assert.Equal(t, [8]byte{0x03, 0x01, 0x02, 0x04}, first.Data)

	// Subsequent beats keep coming on the periodic interval.
	awaitFrame(t, r.bus.Sent(), 2*time.Second)
	awaitFrame(t, r.bus.Sent(), 2*time.Second)
	assert.GreaterOrEqual(t, testutil.ToFloat64(r.metrics.ResponderBeats), float64(3))
}

func TestImmediateResponseResetsSchedule(t *testing.T) {
	r := newRig(t, restartRules(), Schedule{
		InitialDelay:     time.Hour,
		PeriodicInterval: time.Hour,
	}, nil)
	r.mgr.Start()

	r.mgr.TriggerStatusResponse()
	f := awaitFrame(t, r.bus.Sent(), 2*time.Second)
	assert.Equal(t, byte(0x03), f.Data[0])
}

func TestStopTerminatesBothLoops(t *testing.T) {
	r := newRig(t, restartRules(), Schedule{
		InitialDelay:     5 * time.Millisecond,
		PeriodicInterval: 5 * time.Millisecond,
	}, nil)
	r.mgr.Start()

	// Let both loops run at least one cycle.
	awaitFrame(t, r.bus.Sent(), 2*time.Second)

	done := make(chan error, 1)
	go func() { done <- r.mgr.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop did not return within a second")
	}

	// Stop is idempotent.
	require.NoError(t, r.mgr.Stop())

	// Nothing read after the stop signal reaches a handler.
	r.bus.Inject(models.Frame{ID: 0xDA, Len: 8})
	select {
	case ev := <-r.events:
		t.Fatalf("dispatch after stop: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransmitErrorDoesNotAbortSchedule(t *testing.T) {
	r := newRig(t, restartRules(), Schedule{
		InitialDelay:     5 * time.Millisecond,
		PeriodicInterval: 20 * time.Millisecond,
	}, nil)

	// Closing the bus before start makes every Send fail.
	require.NoError(t, r.bus.Close())
	r.mgr.Start()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r.metrics.TransmitErrors) >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAdapterErrorDoesNotStopPolling(t *testing.T) {
	log := testLogger()
	rs, err := filter.NewRuleSet(restartRules())
	require.NoError(t, err)

	bus := newFlakyBus()
	m := metrics.New()
	events := make(chan models.DispatchEvent, 8)

	reg := actions.NewRegistry()
	require.NoError(t, reg.Register("restart", func(f models.Frame) {
		events <- models.DispatchEvent{RuleName: "restart", Frame: f}
	}))

	queue := actions.NewQueue(log, 8)
	queue.Start()
	t.Cleanup(queue.Stop)

	dispatcher, err := NewDispatcher(log, reg, queue, rs, nil, "loop0", m)
	require.NoError(t, err)

	listener := NewListener(log, bus, rs, dispatcher, 10*time.Millisecond, m)
	responder := NewResponder(log, bus, 0x0DA, slowSchedule(),
		func() [8]byte { return [8]byte{0x03} }, m)
	mgr := NewManager(log, bus, listener, responder)
	t.Cleanup(func() { _ = mgr.Stop() })

	bus.failNext(errors.New("transceiver fault"))
	mgr.Start()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.AdapterErrors) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The loop keeps polling after the error and still dispatches.
	bus.Inject(models.Frame{ID: 0xDA, Len: 8})
	select {
	case ev := <-events:
		assert.Equal(t, "restart", ev.RuleName)
	case <-time.After(2 * time.Second):
		t.Fatal("expected dispatch to resume after an adapter error")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AdapterErrors))
}

func TestDispatcherRejectsUnhandledRule(t *testing.T) {
	log := testLogger()
	rs, err := filter.NewRuleSet([]filter.SoftwareFilter{{
		Name: "orphan", IDLow: 0, IDHigh: 1, Conditions: wildcards(),
	}})
	require.NoError(t, err)

	queue := actions.NewQueue(log, 8)
	queue.Start()
	defer queue.Stop()

	_, err = NewDispatcher(log, actions.NewRegistry(), queue, rs, nil, "loop0", metrics.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orphan")
}

func TestDispatchUnknownNameIsReportedNotFatal(t *testing.T) {
	log := testLogger()
	rs, err := filter.NewRuleSet(nil)
	require.NoError(t, err)

	queue := actions.NewQueue(log, 8)
	queue.Start()
	defer queue.Stop()

	m := metrics.New()
	d, err := NewDispatcher(log, actions.NewRegistry(), queue, rs, nil, "loop0", m)
	require.NoError(t, err)

	d.Dispatch(models.DispatchEvent{RuleName: "ghost"})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DispatchErrors))
}

func awaitFrame(t *testing.T, ch <-chan models.Frame, timeout time.Duration) models.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a frame")
		return models.Frame{}
	}
}
