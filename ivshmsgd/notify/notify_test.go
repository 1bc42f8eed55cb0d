package notify_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famez/ivshmsg/ivshmsgd/notify"
)

func TestSignalDrainRoundTrip(t *testing.T) {
	n, err := notify.New()
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Signal(1))
	require.NoError(t, n.Signal(1))
	require.NoError(t, n.Signal(3))

	// Counter semantics: many signals coalesce into one readable value.
	value, err := n.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), value)

	// A second drain without an intervening signal finds nothing.
	_, err = n.Drain()
	assert.ErrorIs(t, err, notify.ErrEmpty)
}

func TestSignalZeroDelta(t *testing.T) {
	n, err := notify.New()
	require.NoError(t, err)
	defer n.Close()

	assert.Error(t, n.Signal(0))
}

func TestSignalWouldBlock(t *testing.T) {
	n, err := notify.New()
	require.NoError(t, err)
	defer n.Close()

	// The eventfd counter saturates at 2^64-2; one more would block.
	require.NoError(t, n.Signal(math.MaxUint64-1))
	assert.ErrorIs(t, n.Signal(1), notify.ErrWouldBlock)

	value, err := n.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64-1), value)
}

func TestTransmitFDEqualsReadFD(t *testing.T) {
	n, err := notify.New()
	require.NoError(t, err)
	defer n.Close()

	// One kernel object serves both roles.
	assert.Equal(t, n.ReadFD(), n.TransmitFD())
}

func TestCloseIdempotent(t *testing.T) {
	n, err := notify.New()
	require.NoError(t, err)

	n.Close()
	n.Close()

	assert.ErrorIs(t, n.Signal(1), notify.ErrClosed)
	_, err = n.Drain()
	assert.ErrorIs(t, err, notify.ErrClosed)
}

func TestNewVector(t *testing.T) {
	vector, err := notify.NewVector(4)
	require.NoError(t, err)
	defer notify.CloseVector(vector)

	require.Len(t, vector, 4)
	for i, n := range vector {
		assert.Equal(t, i, n.Num)
	}
}

func TestFileSharesEventfd(t *testing.T) {
	n, err := notify.New()
	require.NoError(t, err)
	defer n.Close()

	f, err := n.File()
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, n.Signal(7))

	// Reading through the dup drains the shared counter.
	buf := make([]byte, 8)
	nr, err := f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 8, nr)

	_, err = n.Drain()
	assert.ErrorIs(t, err, notify.ErrEmpty)
}
