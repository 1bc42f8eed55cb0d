// Package endpoints owns the UNIX listen socket. The socket is created
// world-writable (filesystem permissions are the only admission gate) with a
// companion <path>.lock file holding the owning pid, so a crashed server's
// leftovers can be distinguished from a live one.
package endpoints

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	tomb "gopkg.in/tomb.v2"

	"github.com/famez/ivshmsg/shared/logger"
)

// Endpoint is a listening UNIX stream socket feeding accepted connections
// to the engine through a channel.
type Endpoint struct {
	path     string
	lockPath string
	listener *net.UnixListener
	conns    chan *net.UnixConn
	tomb     tomb.Tomb
}

// Listen binds the socket at path with mode 0666 and starts the accept
// loop. A lockfile naming a live pid, this process included, is a fatal
// error.
func Listen(path string) (*Endpoint, error) {
	e := &Endpoint{
		path:     path,
		lockPath: path + ".lock",
		conns:    make(chan *net.UnixConn),
	}

	err := e.acquireLock()
	if err != nil {
		return nil, err
	}

	// A stale socket left by a dead owner is safe to remove: the lock
	// acquisition above has already ruled out a live one.
	err = os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = os.Remove(e.lockPath)
		return nil, fmt.Errorf("Failed to remove stale socket %q: %w", path, err)
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		_ = os.Remove(e.lockPath)
		return nil, err
	}

	e.listener, err = net.ListenUnix("unix", addr)
	if err != nil {
		_ = os.Remove(e.lockPath)
		return nil, fmt.Errorf("Failed to listen on %q: %w", path, err)
	}

	err = os.Chmod(path, 0o666)
	if err != nil {
		_ = e.listener.Close()
		_ = os.Remove(e.lockPath)
		return nil, fmt.Errorf("Failed to chmod %q: %w", path, err)
	}

	e.tomb.Go(e.acceptLoop)

	return e, nil
}

func (e *Endpoint) acquireLock() error {
	contents, err := os.ReadFile(e.lockPath)
	if err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(contents)))
		if convErr == nil && pidAlive(pid) {
			return fmt.Errorf("Socket %q is locked by running pid %d", e.path, pid)
		}

		logger.Warn("Removing stale lockfile", logger.Ctx{"path": e.lockPath})
		_ = os.Remove(e.lockPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("Failed to read lockfile %q: %w", e.lockPath, err)
	}

	f, err := os.OpenFile(e.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("Failed to create lockfile %q: %w", e.lockPath, err)
	}

	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Close()
	if err != nil {
		_ = os.Remove(e.lockPath)
		return fmt.Errorf("Failed to write lockfile %q: %w", e.lockPath, err)
	}

	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (e *Endpoint) acceptLoop() error {
	for {
		conn, err := e.listener.AcceptUnix()
		if err != nil {
			select {
			case <-e.tomb.Dying():
				return nil
			default:
			}

			// Client errors must never stop the listener.
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			logger.Warn("Accept failed", logger.Ctx{"err": err})
			continue
		}

		select {
		case e.conns <- conn:
		case <-e.tomb.Dying():
			_ = conn.Close()
			return nil
		}
	}
}

// Conns delivers accepted connections until the endpoint closes.
func (e *Endpoint) Conns() <-chan *net.UnixConn {
	return e.conns
}

// Path is the socket's filesystem path.
func (e *Endpoint) Path() string {
	return e.path
}

// Close stops accepting, removes the socket and lockfile, and waits for the
// accept loop to finish.
func (e *Endpoint) Close() error {
	e.tomb.Kill(nil)
	err := e.listener.Close()
	_ = e.tomb.Wait()

	_ = os.Remove(e.path)
	_ = os.Remove(e.lockPath)

	return err
}
