package canbus

import (
	"sync"
	"time"

	"hpboard-controller/internal/models"
)

// Loopback is an in-memory Bus for tests and bench rigs. Frames injected
// with Inject become receivable; frames passed to Send are captured on the
// Sent channel. No live interface required.
type Loopback struct {
	rx chan models.Frame
	tx chan models.Frame

	mu     sync.Mutex
	closed bool
}

// NewLoopback creates a loopback bus with buffered queues in both
// directions.
func NewLoopback() *Loopback {
	return &Loopback{
		rx: make(chan models.Frame, 64),
		tx: make(chan models.Frame, 64),
	}
}

// Inject queues a frame for delivery to the next Receive call, stamping it
// like the socket adapter would. Malformed frames (DLC > 8) are queued as-is
// so error paths can be exercised.
func (l *Loopback) Inject(f models.Frame) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	l.rx <- f
}

// Sent exposes frames transmitted through Send.
func (l *Loopback) Sent() <-chan models.Frame { return l.tx }

// Receive returns the next injected frame, waiting up to timeout.
func (l *Loopback) Receive(timeout time.Duration) (models.Frame, error) {
	if l.isClosed() {
		return models.Frame{}, ErrClosed
	}
	if timeout <= 0 {
		select {
		case f := <-l.rx:
			return checkFrame(f)
		default:
			return models.Frame{}, ErrRxTimeout
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-l.rx:
		return checkFrame(f)
	case <-timer.C:
		return models.Frame{}, ErrRxTimeout
	}
}

func checkFrame(f models.Frame) (models.Frame, error) {
	if f.Len > 8 {
		return models.Frame{}, ErrMalformedFrame
	}
	return f, nil
}

// Send captures the frame on the Sent channel. Drops when the capture
// buffer is full so a passive test never blocks the responder.
func (l *Loopback) Send(f models.Frame) error {
	if l.isClosed() {
		return ErrClosed
	}
	if _, err := marshalFrame(f); err != nil {
		return err
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	select {
	case l.tx <- f:
	default:
	}
	return nil
}

// Close marks the bus closed. Idempotent.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *Loopback) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
