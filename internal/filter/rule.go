package filter

import (
	"fmt"
	"strconv"
)

const (
	// StandardIDMask covers 11-bit standard identifiers.
	StandardIDMask = 0x7FF
	// ExtendedIDMask covers 29-bit extended identifiers.
	ExtendedIDMask = 0x1FFFFFFF

	// PayloadLen is the classic CAN maximum payload length; every software
	// filter carries exactly this many byte conditions.
	PayloadLen = 8
)

// HardwareFilter is an id/mask pair applied at the bus adapter, before any
// frame reaches the software matcher.
type HardwareFilter struct {
	ID       uint32
	Mask     uint32
	Extended bool
}

// Validate checks that id and mask fit the identifier width.
func (h HardwareFilter) Validate() error {
	width := uint32(StandardIDMask)
	if h.Extended {
		width = ExtendedIDMask
	}
	if h.ID&^width != 0 {
		return fmt.Errorf("hardware filter id 0x%X exceeds identifier width", h.ID)
	}
	if h.Mask&^width != 0 {
		return fmt.Errorf("hardware filter mask 0x%X exceeds identifier width", h.Mask)
	}
	return nil
}

// ByteCond is one payload byte condition: an exact value or a wildcard that
// matches any byte.
type ByteCond struct {
	Value    byte
	Wildcard bool
}

// ParseByteCond parses a configuration payload condition. "*" is the
// wildcard; anything else must be an integer literal ("0x04", "4").
func ParseByteCond(s string) (ByteCond, error) {
	if s == "*" {
		return ByteCond{Wildcard: true}, nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return ByteCond{}, fmt.Errorf("invalid payload condition %q: %w", s, err)
	}
	return ByteCond{Value: byte(v)}, nil
}

// SoftwareFilter is a named classification rule: an inclusive identifier
// range plus one condition per payload byte position.
type SoftwareFilter struct {
	Name       string
	IDLow      uint32
	IDHigh     uint32
	Conditions [PayloadLen]ByteCond
}

// Validate checks the rule's internal invariants.
func (f SoftwareFilter) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("software filter has no name")
	}
	if f.IDLow > f.IDHigh {
		return fmt.Errorf("software filter %q: id range low 0x%X above high 0x%X", f.Name, f.IDLow, f.IDHigh)
	}
	return nil
}
