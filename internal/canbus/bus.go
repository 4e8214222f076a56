package canbus

import (
	"errors"
	"time"

	"hpboard-controller/internal/models"
)

// Bus is the adapter boundary to the CAN transport. Hardware filters are
// applied when the bus is opened; everything received here has already
// passed them.
type Bus interface {
	// Receive reads the next pending frame. A zero timeout returns
	// immediately with ErrRxTimeout when nothing is pending.
	Receive(timeout time.Duration) (models.Frame, error)

	// Send transmits one frame.
	Send(frame models.Frame) error

	// Close releases the bus handle. Safe to call more than once.
	Close() error
}

var (
	// ErrRxTimeout reports that no frame arrived within the receive timeout.
	ErrRxTimeout = errors.New("canbus: receive timed out")

	// ErrClosed reports use of a closed bus handle.
	ErrClosed = errors.New("canbus: bus closed")

	// ErrMalformedFrame reports a frame whose declared payload length
	// exceeds the classic CAN bound of 8 bytes.
	ErrMalformedFrame = errors.New("canbus: malformed frame")
)
