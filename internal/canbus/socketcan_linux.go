package canbus

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"hpboard-controller/internal/filter"
	"hpboard-controller/internal/models"
)

// SocketCAN implements Bus over a raw Linux CAN socket.
type SocketCAN struct {
	socket int
	ifname string

	mu     sync.Mutex
	closed bool
}

// DialSocketCAN opens a raw CAN socket bound to the given interface name
// (e.g. "can0") and applies the hardware filters in the kernel, so frames
// outside the filter set never reach userspace.
func DialSocketCAN(ifname string, hwFilters []filter.HardwareFilter) (*SocketCAN, error) {
	socket, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket: %w", err)
	}

	ifreq, err := unix.NewIfreq(ifname)
	if err != nil {
		unix.Close(socket)
		return nil, fmt.Errorf("failed to create ifreq: %w", err)
	}
	if err := unix.IoctlIfreq(socket, unix.SIOCGIFINDEX, ifreq); err != nil {
		unix.Close(socket)
		return nil, fmt.Errorf("failed to get interface index for %s: %w", ifname, err)
	}

	addr := &unix.SockaddrCAN{Ifindex: int(ifreq.Uint32())}
	if err := unix.Bind(socket, addr); err != nil {
		unix.Close(socket)
		return nil, fmt.Errorf("failed to bind socket to %s: %w", ifname, err)
	}

	s := &SocketCAN{socket: socket, ifname: ifname}
	if err := s.setFilters(hwFilters); err != nil {
		unix.Close(socket)
		return nil, err
	}
	return s, nil
}

// setFilters installs id/mask filters via CAN_RAW_FILTER.
func (s *SocketCAN) setFilters(hwFilters []filter.HardwareFilter) error {
	if len(hwFilters) == 0 {
		return nil
	}
	raw := make([]unix.CanFilter, len(hwFilters))
	for i, f := range hwFilters {
		id, mask := f.ID, f.Mask
		if f.Extended {
			id |= unix.CAN_EFF_FLAG
			mask |= unix.CAN_EFF_FLAG
		}
		raw[i] = unix.CanFilter{Id: id, Mask: mask}
	}
	err := unix.SetsockoptCanRawFilter(s.socket, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, raw)
	if err != nil {
		return fmt.Errorf("failed to set hardware filters: %w", err)
	}
	return nil
}

// Receive waits up to timeout for the next frame. A zero timeout polls
// without blocking.
func (s *SocketCAN) Receive(timeout time.Duration) (models.Frame, error) {
	if s.isClosed() {
		return models.Frame{}, ErrClosed
	}

	fds := []unix.PollFd{{Fd: int32(s.socket), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err == unix.EINTR {
		return models.Frame{}, ErrRxTimeout
	}
	if err != nil {
		return models.Frame{}, fmt.Errorf("poll failed on %s: %w", s.ifname, err)
	}
	if n == 0 {
		return models.Frame{}, ErrRxTimeout
	}

	buf := make([]byte, frameSize)
	n, err = unix.Read(s.socket, buf)
	if err != nil {
		return models.Frame{}, fmt.Errorf("read failed on %s: %w", s.ifname, err)
	}
	if n < frameSize {
		return models.Frame{}, fmt.Errorf("%w: incomplete frame of %d bytes", ErrMalformedFrame, n)
	}
	return unmarshalFrame(buf)
}

// Send transmits one frame. Concurrent with Receive; SocketCAN allows
// simultaneous read and write on one socket.
func (s *SocketCAN) Send(f models.Frame) error {
	if s.isClosed() {
		return ErrClosed
	}
	buf, err := marshalFrame(f)
	if err != nil {
		return err
	}
	n, err := unix.Write(s.socket, buf)
	if err != nil {
		return fmt.Errorf("write failed on %s: %w", s.ifname, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write on %s: %d of %d bytes", s.ifname, n, len(buf))
	}
	return nil
}

// Close releases the socket. Idempotent.
func (s *SocketCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.socket)
}

func (s *SocketCAN) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
