package models

import "time"

// Frame represents a classic CAN 2.0 frame as read from the bus.
// Immutable once produced by the adapter.
type Frame struct {
	ID        uint32
	Len       uint8
	Data      [8]byte
	Extended  bool
	Timestamp time.Time
}

// DispatchEvent pairs a matched rule name with the frame that matched it.
type DispatchEvent struct {
	RuleName string
	Frame    Frame
}

// AuditRecord is one row of the optional frame audit trail.
type AuditRecord struct {
	Timestamp time.Time
	Interface string
	RuleName  string
	CANID     uint32
	Data      [8]byte
}
