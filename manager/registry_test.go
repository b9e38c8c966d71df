package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/store"
)

func newTestRegistry() (*Registry, *store.DeviceStore) {
	st := store.NewDeviceStore()
	return NewRegistry(testConfig(), st, nil), st
}

func TestRegisterWhitelistedNode(t *testing.T) {
	r, _ := newTestRegistry()

	n, err := r.Register("c1", "10.0.1.1")
	require.NoError(t, err)
	assert.Equal(t, "c1", n.ID)
	assert.Equal(t, "edge1-01", n.Name)
	assert.Equal(t, node.Edge1, n.Group)
	assert.Equal(t, "ubuntu", n.OS)
	assert.Equal(t, 50.0, n.Distance)
	assert.True(t, n.Connected)
	assert.True(t, r.IsRegistered("c1"))
}

func TestRegisterRejectsUnknownAndDisabled(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.Register("c1", "172.16.0.9")
	assert.ErrorIs(t, err, ErrUnauthorizedNode)

	_, err = r.Register("c2", "10.0.1.2")
	assert.ErrorIs(t, err, ErrUnauthorizedNode, "disabled entries are not admitted")
	assert.Zero(t, r.Count())
}

func TestRegisterTwiceKeepsFirst(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Register("c1", "10.0.1.1")
	require.NoError(t, err)

	n, err := r.Register("c1", "10.0.0.1")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Equal(t, "edge1-01", n.Name)
	assert.Equal(t, 1, r.Count())
}

func TestRemovePurgesState(t *testing.T) {
	r, st := newTestRegistry()
	_, err := r.Register("c1", "10.0.1.1")
	require.NoError(t, err)
	require.NoError(t, r.UpdateState("c1", gpuState(30)))
	assert.Equal(t, 1, st.Count())

	n, ok := r.Remove("c1")
	require.True(t, ok)
	assert.False(t, n.Connected)
	assert.Zero(t, st.Count())
	assert.ErrorIs(t, r.UpdateState("c1", gpuState(30)), ErrUnknownNode)

	_, ok = r.Remove("c1")
	assert.False(t, ok)
}

func TestUpdateStateUnknownNode(t *testing.T) {
	r, st := newTestRegistry()
	assert.ErrorIs(t, r.UpdateState("ghost", gpuState(10)), ErrUnknownNode)
	assert.Zero(t, st.Count())
}

func TestSnapshotsInRegistrationOrder(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Register("b", "10.0.2.1")
	require.NoError(t, err)
	_, err = r.Register("a", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, r.UpdateState("a", gpuState(25)))

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "b", snaps[0].Node.ID)
	assert.Nil(t, snaps[0].State)
	assert.Equal(t, "a", snaps[1].Node.ID)
	require.NotNil(t, snaps[1].State)
	assert.Equal(t, 25.0, snaps[1].State.GPUUsage())
	assert.False(t, snaps[1].State.LastUpdate.IsZero())

	statuses := r.Statuses()
	assert.Equal(t, "edge2-01", statuses["b"].Name)
	assert.Equal(t, node.Cloud, statuses["a"].Type)
}
