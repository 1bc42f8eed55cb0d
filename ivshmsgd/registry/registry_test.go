package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famez/ivshmsg/ivshmsgd/registry"
)

type fakePeer struct {
	id int
}

func (p *fakePeer) PeerID() int {
	return p.id
}

func TestAllocateIDMonotone(t *testing.T) {
	r := registry.New[*fakePeer](3)

	assert.Equal(t, 4, r.ServerID())

	// Sequential allocations without releases climb through the client
	// range, skipping 0 and the server id.
	var ids []int
	for range 3 {
		id, err := r.AllocateID()
		require.NoError(t, err)
		r.Insert(&fakePeer{id: id})
		ids = append(ids, id)
	}

	assert.Equal(t, []int{1, 2, 3}, ids)

	_, err := r.AllocateID()
	assert.ErrorIs(t, err, registry.ErrOverflow)
}

func TestLowestFreeAfterRemove(t *testing.T) {
	r := registry.New[*fakePeer](3)

	var peers []*fakePeer
	for range 3 {
		id, err := r.AllocateID()
		require.NoError(t, err)
		p := &fakePeer{id: id}
		r.Insert(p)
		peers = append(peers, p)
	}

	r.Remove(peers[1])

	id, err := r.AllocateID()
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestInsertionOrderEnumeration(t *testing.T) {
	r := registry.New[*fakePeer](4)

	a := &fakePeer{id: 1}
	b := &fakePeer{id: 2}
	c := &fakePeer{id: 3}
	for _, p := range []*fakePeer{a, b, c} {
		_, err := r.AllocateID()
		require.NoError(t, err)
		r.Insert(p)
	}

	r.Remove(b)

	all := r.All()
	require.Len(t, all, 2)
	assert.Same(t, a, all[0])
	assert.Same(t, c, all[1])
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	r := registry.New[*fakePeer](2)

	r.Remove(&fakePeer{id: 1})
	assert.Equal(t, 0, r.Len())
}

func TestReleaseMidHandshake(t *testing.T) {
	r := registry.New[*fakePeer](2)

	id, err := r.AllocateID()
	require.NoError(t, err)
	require.Equal(t, 1, id)

	// The connection died before insertion; its id goes back.
	r.Release(id)

	id, err = r.AllocateID()
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestRecycleReclaim(t *testing.T) {
	r := registry.New[*fakePeer](2)

	id, err := r.AllocateID()
	require.NoError(t, err)
	p := &fakePeer{id: id}
	r.Insert(p)

	r.Remove(p)
	r.Recycle(p)
	assert.True(t, r.Recycled(id))

	// A parked id does not count against capacity and stays the lowest
	// free id, so a reconnect is handed it back and finds the record.
	got, err := r.AllocateID()
	require.NoError(t, err)
	require.Equal(t, id, got)

	reclaimed, ok := r.Reclaim(id)
	require.True(t, ok)
	assert.Same(t, p, reclaimed)
	assert.False(t, r.Recycled(id))

	_, ok = r.Reclaim(id)
	assert.False(t, ok)
}

func TestFind(t *testing.T) {
	r := registry.New[*fakePeer](2)

	id, err := r.AllocateID()
	require.NoError(t, err)
	p := &fakePeer{id: id}
	r.Insert(p)

	got, ok := r.Find(id)
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = r.Find(99)
	assert.False(t, ok)
}
