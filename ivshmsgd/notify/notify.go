// Package notify wraps the kernel eventfd object used to wake peers across
// process boundaries. A single descriptor serves both roles: it is what the
// owner registers for readability and what gets passed to other peers so
// they can signal the owner. Counter semantics mean any number of signals
// coalesce into one readable event.
package notify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned by Signal when the counter is saturated
	// and the write would block.
	ErrWouldBlock = errors.New("eventfd counter saturated")

	// ErrEmpty is returned by Drain when no signal is pending.
	ErrEmpty = errors.New("eventfd empty")

	// ErrClosed is returned when operating on a closed notifier.
	ErrClosed = errors.New("notifier closed")
)

// Notifier is a counting wake-up primitive backed by one eventfd. Num is the
// logical source id within a vector: signalling vector[k] means "peer k is
// poking the vector's owner".
type Notifier struct {
	fd  int
	Num int
}

// New creates a non-blocking, close-on-exec eventfd.
func New() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("Failed to create eventfd: %w", err)
	}

	return &Notifier{fd: fd}, nil
}

// NewVector creates count notifiers with Num set to their index. On any
// failure the partial vector is closed before the error is returned.
func NewVector(count int) ([]*Notifier, error) {
	vector := make([]*Notifier, 0, count)
	for i := range count {
		n, err := New()
		if err != nil {
			CloseVector(vector)
			return nil, err
		}

		n.Num = i
		vector = append(vector, n)
	}

	return vector, nil
}

// Signal increments the counter by delta, waking the read side. Returns
// ErrWouldBlock if the counter would overflow. Retries on EINTR.
func (n *Notifier) Signal(delta uint64) error {
	if n.fd < 0 {
		return ErrClosed
	}

	if delta == 0 {
		return errors.New("delta must be positive")
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], delta)

	for {
		_, err := unix.Write(n.fd, buf[:])
		if err == nil {
			return nil
		}

		if errors.Is(err, unix.EINTR) {
			continue
		}

		if errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}

		return fmt.Errorf("Failed to signal eventfd %d: %w", n.fd, err)
	}
}

// Drain reads and resets the counter, returning the accumulated value.
// Returns ErrEmpty when no signal is pending. Retries on EINTR.
func (n *Notifier) Drain() (uint64, error) {
	if n.fd < 0 {
		return 0, ErrClosed
	}

	var buf [8]byte
	for {
		nr, err := unix.Read(n.fd, buf[:])
		if err == nil {
			if nr != 8 {
				return 0, fmt.Errorf("Short eventfd read: %d bytes", nr)
			}

			return binary.LittleEndian.Uint64(buf[:]), nil
		}

		if errors.Is(err, unix.EINTR) {
			continue
		}

		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrEmpty
		}

		return 0, fmt.Errorf("Failed to drain eventfd %d: %w", n.fd, err)
	}
}

// ReadFD is the descriptor to register with the I/O loop.
func (n *Notifier) ReadFD() int {
	return n.fd
}

// TransmitFD is the descriptor to pass to other peers. Both roles are served
// by the same eventfd, so this equals ReadFD.
func (n *Notifier) TransmitFD() int {
	return n.fd
}

// File duplicates the descriptor and wraps it in an os.File registered with
// the runtime poller, so a goroutine can block in Read until the notifier
// fires. The dup shares the eventfd object, so draining through the file
// resets the counter for the original fd too. Closing the file does not
// close the notifier.
func (n *Notifier) File() (*os.File, error) {
	if n.fd < 0 {
		return nil, ErrClosed
	}

	dup, err := unix.Dup(n.fd)
	if err != nil {
		return nil, fmt.Errorf("Failed to dup eventfd %d: %w", n.fd, err)
	}

	unix.CloseOnExec(dup)
	return os.NewFile(uintptr(dup), fmt.Sprintf("eventfd-%d", n.Num)), nil
}

// Close releases the descriptor. Idempotent.
func (n *Notifier) Close() {
	if n.fd < 0 {
		return
	}

	_ = unix.Close(n.fd)
	n.fd = -1
}

// CloseVector closes every notifier in the vector.
func CloseVector(vector []*Notifier) {
	for _, n := range vector {
		n.Close()
	}
}
