// Package ivmsg implements the IVSHMSG frame: exactly 8 bytes of payload
// (int64, little-endian) plus at most one file descriptor carried as
// SCM_RIGHTS ancillary data on a UNIX stream socket. The kernel delivers
// payload and descriptor atomically as one message, and because every frame
// is exactly 8 bytes, reading 8 bytes at a time preserves frame boundaries
// on the stream.
package ivmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// FrameSize is the exact payload length of every frame.
const FrameSize = 8

// AbortValue is the payload of the two -1 conventions: with an attached fd
// it carries an unbound descriptor, without one it tells the client to
// disconnect (deliberate protocol-version mismatch).
const AbortValue = -1

// NoFD marks the absence of a descriptor on both Send and Recv.
const NoFD = -1

// ErrShortFrame reports a frame whose payload was not exactly 8 bytes.
var ErrShortFrame = errors.New("frame payload not 8 bytes")

// Send writes one frame. Pass NoFD to send payload only.
func Send(conn *net.UnixConn, value int64, fd int) error {
	var payload [FrameSize]byte
	binary.LittleEndian.PutUint64(payload[:], uint64(value))

	var oob []byte
	if fd != NoFD {
		oob = unix.UnixRights(fd)
	}

	n, _, err := conn.WriteMsgUnix(payload[:], oob, nil)
	if err != nil {
		return fmt.Errorf("Failed to send frame: %w", err)
	}

	if n != FrameSize {
		return fmt.Errorf("%w: wrote %d", ErrShortFrame, n)
	}

	return nil
}

// SendAbort sends the -1/no-fd frame that forces a client to disconnect.
func SendAbort(conn *net.UnixConn) error {
	return Send(conn, AbortValue, NoFD)
}

// Recv reads one frame, returning the payload value and the received
// descriptor, or NoFD when none was attached. The receiver owns any
// returned descriptor and must close it.
func Recv(conn *net.UnixConn) (int64, int, error) {
	var payload [FrameSize]byte
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(payload[:], oob)
	if err != nil {
		return 0, NoFD, fmt.Errorf("Failed to receive frame: %w", err)
	}

	if n != FrameSize {
		return 0, NoFD, fmt.Errorf("%w: read %d", ErrShortFrame, n)
	}

	value := int64(binary.LittleEndian.Uint64(payload[:]))

	fd := NoFD
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return value, NoFD, fmt.Errorf("Failed to parse control message: %w", err)
		}

		for _, cmsg := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}

			if len(fds) > 0 {
				fd = fds[0]
				break
			}
		}
	}

	return value, fd, nil
}
