//go:build linux

package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// bridge turns a stop request into readiness on a descriptor, so a
// goroutine blocked in EpollWait can be woken from any other goroutine.
type bridge struct {
	fd int

	mu       sync.Mutex
	signaled bool
	closed   bool
}

func newBridge() (*bridge, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("session: eventfd: %w", err)
	}
	return &bridge{fd: fd}, nil
}

// Fd returns the descriptor to register for readability.
func (b *bridge) Fd() int { return b.fd }

// Signal makes the descriptor readable. Only the first call writes.
func (b *bridge) Signal() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBridgeClosed
	}
	if b.signaled {
		return nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(b.fd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("session: signal bridge: %w", err)
		}
		break
	}
	b.signaled = true
	return nil
}

// Close releases the descriptor. It is safe to call more than once.
func (b *bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return unix.Close(b.fd)
}

var errBridgeClosed = errors.New("session: bridge closed")
