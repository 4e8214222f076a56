package canbus

import (
	"encoding/binary"
	"fmt"
	"time"

	"hpboard-controller/internal/models"
)

// Linux can_frame wire constants, kept local so the codec builds on any
// platform (the loopback bus reuses it in tests).
const (
	frameSize  = 16
	canEFFFlag = 0x80000000
	canEFFMask = 0x1FFFFFFF
	canSFFMask = 0x7FF
)

// marshalFrame encodes a frame into the Linux can_frame binary layout:
// 4 bytes little-endian id (with EFF flag for extended ids), 1 byte DLC,
// 3 bytes padding, 8 bytes data.
func marshalFrame(f models.Frame) ([]byte, error) {
	if f.Len > 8 {
		return nil, fmt.Errorf("%w: dlc %d", ErrMalformedFrame, f.Len)
	}
	id := f.ID
	if f.Extended {
		id = (id & canEFFMask) | canEFFFlag
	} else {
		id &= canSFFMask
	}
	buf := make([]byte, frameSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:], f.Data[:])
	return buf, nil
}

// unmarshalFrame decodes a received can_frame and stamps it with the
// receive time.
func unmarshalFrame(buf []byte) (models.Frame, error) {
	if len(buf) < frameSize {
		return models.Frame{}, fmt.Errorf("%w: short read of %d bytes", ErrMalformedFrame, len(buf))
	}
	raw := binary.LittleEndian.Uint32(buf[0:4])
	f := models.Frame{
		Len:       buf[4],
		Extended:  raw&canEFFFlag != 0,
		Timestamp: time.Now().UTC(),
	}
	if f.Extended {
		f.ID = raw & canEFFMask
	} else {
		f.ID = raw & canSFFMask
	}
	if f.Len > 8 {
		return models.Frame{}, fmt.Errorf("%w: dlc %d", ErrMalformedFrame, f.Len)
	}
	copy(f.Data[:], buf[8:16])
	return f, nil
}
