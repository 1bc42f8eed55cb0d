package ivmsg_test

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/famez/ivshmsg/ivshmsgd/ivmsg"
	"github.com/famez/ivshmsg/ivshmsgd/notify"
)

// connPair dials a throwaway UNIX socket and returns both ends.
func connPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pair.sock")
	addr, err := net.ResolveUnixAddr("unix", path)
	require.NoError(t, err)

	listener, err := net.ListenUnix("unix", addr)
	require.NoError(t, err)
	defer listener.Close()

	acceptedCh := make(chan *net.UnixConn, 1)
	go func() {
		conn, err := listener.AcceptUnix()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	client, err := net.DialUnix("unix", nil, addr)
	require.NoError(t, err)

	server := <-acceptedCh
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	return server, client
}

func TestSendRecvNoFD(t *testing.T) {
	server, client := connPair(t)

	require.NoError(t, ivmsg.Send(server, 42, ivmsg.NoFD))

	value, fd, err := ivmsg.Recv(client)
	require.NoError(t, err)
	assert.Equal(t, int64(42), value)
	assert.Equal(t, ivmsg.NoFD, fd)
}

func TestSendRecvNegativeValue(t *testing.T) {
	server, client := connPair(t)

	require.NoError(t, ivmsg.SendAbort(server))

	value, fd, err := ivmsg.Recv(client)
	require.NoError(t, err)
	assert.Equal(t, int64(ivmsg.AbortValue), value)
	assert.Equal(t, ivmsg.NoFD, fd)
}

func TestSendRecvWithFD(t *testing.T) {
	server, client := connPair(t)

	n, err := notify.New()
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, ivmsg.Send(server, ivmsg.AbortValue, n.TransmitFD()))

	value, fd, err := ivmsg.Recv(client)
	require.NoError(t, err)
	require.NotEqual(t, ivmsg.NoFD, fd)
	assert.Equal(t, int64(ivmsg.AbortValue), value)

	defer unix.Close(fd)

	// The received descriptor refers to the same eventfd: writing
	// through the copy makes the original drainable.
	var buf [8]byte
	buf[0] = 1
	_, err = unix.Write(fd, buf[:])
	require.NoError(t, err)

	count, err := n.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestFrameBoundariesPreserved(t *testing.T) {
	server, client := connPair(t)

	n, err := notify.New()
	require.NoError(t, err)
	defer n.Close()

	// Back-to-back frames with and without descriptors must come out
	// one at a time, values intact, fds attached to the right frames.
	require.NoError(t, ivmsg.Send(server, 1, ivmsg.NoFD))
	require.NoError(t, ivmsg.Send(server, 2, n.TransmitFD()))
	require.NoError(t, ivmsg.Send(server, 3, ivmsg.NoFD))

	value, fd, err := ivmsg.Recv(client)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)
	assert.Equal(t, ivmsg.NoFD, fd)

	value, fd, err = ivmsg.Recv(client)
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)
	require.NotEqual(t, ivmsg.NoFD, fd)
	_ = unix.Close(fd)

	value, fd, err = ivmsg.Recv(client)
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)
	assert.Equal(t, ivmsg.NoFD, fd)
}
