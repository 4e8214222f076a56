// Package audit persists an optional trail of dispatched frames to a
// time-series backend. Disabled by default; the engine works identically
// with the nop writer.
package audit

import "hpboard-controller/internal/models"

// Writer is the audit sink boundary.
type Writer interface {
	// Start begins the background write loop.
	Start()

	// Write queues one record. Never blocks the caller; records are
	// dropped when the queue is full.
	Write(rec models.AuditRecord)

	// Close flushes pending records and releases the connection.
	Close() error
}

// Nop is the disabled audit sink.
type Nop struct{}

// Start implements Writer.
func (Nop) Start() {}

// Write implements Writer.
func (Nop) Write(models.AuditRecord) {}

// Close implements Writer.
func (Nop) Close() error { return nil }
