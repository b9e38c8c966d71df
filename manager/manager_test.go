package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/notify"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/protocol"
)

func TestRegisterPushesConfigThenReady(t *testing.T) {
	bus := &recordingBus{}
	m := New(testConfig(), bus, nil)
	conn := newFakeConn("c1", "10.9.9.9")

	require.NoError(t, register(m, conn, "10.0.1.1"))

	env, ok := conn.last(protocol.ServerConfig)
	require.True(t, ok)
	var push protocol.ConfigPush
	require.NoError(t, env.Payload(&push))
	assert.Equal(t, "edge1-01", push.Name)
	assert.Equal(t, node.Edge1, push.Type)
	assert.Equal(t, "ubuntu", push.OS)
	assert.Equal(t, 50.0, push.Distance)
	assert.Equal(t, int64(5000), push.CollectionInterval)

	require.Eventually(t, func() bool { return conn.count(protocol.ConfigReady) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []protocol.Event{protocol.ServerConfig, protocol.ConfigReady}, conn.events())

	registered := bus.ofType(notify.NodeRegistered)
	require.Len(t, registered, 1)
	assert.Equal(t, "edge1-01", registered[0].Data.(node.WorkerNode).Name)
}

func TestRegisterFallsBackToRemoteAddr(t *testing.T) {
	m := New(testConfig(), nil, nil)
	conn := newFakeConn("c1", "10.0.2.1")

	require.NoError(t, register(m, conn, ""))
	n, ok := m.Registry.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "edge2-01", n.Name)
	assert.Equal(t, node.Edge2, n.Group)
}

func TestUnauthorizedNodeIsDisconnected(t *testing.T) {
	bus := &recordingBus{}
	m := New(testConfig(), bus, nil)
	conn := newFakeConn("c1", "")

	err := register(m, conn, "172.16.0.9")
	assert.ErrorIs(t, err, ErrUnauthorizedNode)
	assert.False(t, conn.Connected())
	assert.Empty(t, conn.events())
	assert.Empty(t, bus.ofType(notify.NodeRegistered))
}

func TestDuplicateRegistrationKeepsConnection(t *testing.T) {
	m := New(testConfig(), nil, nil)
	conn := newFakeConn("c1", "")
	require.NoError(t, register(m, conn, "10.0.0.1"))

	err := m.Handle("c1", message(protocol.Register, protocol.RegisterRequest{IP: "10.0.0.1"}))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.True(t, conn.Connected())
	assert.Equal(t, 1, conn.count(protocol.ServerConfig))
	assert.Equal(t, 1, m.Registry.Count())
}

func TestDeviceInfoUpdatesStore(t *testing.T) {
	bus := &recordingBus{}
	m := New(testConfig(), bus, nil)
	conn := newFakeConn("c1", "")
	require.NoError(t, register(m, conn, "10.0.0.1"))

	require.NoError(t, m.Handle("c1", message(protocol.DeviceInfo, gpuState(35))))
	e, err := m.Store.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, 35.0, e.State.GPUUsage())

	updates := bus.ofType(notify.NodeStatusUpdate)
	require.NotEmpty(t, updates)
	statuses := updates[len(updates)-1].Data.(map[string]node.NodeStatus)
	assert.Equal(t, 35.0, statuses["c1"].Metrics.GPU.TotalUsage)
}

func TestDeviceInfoFromUnregisteredConnDropped(t *testing.T) {
	m := New(testConfig(), nil, nil)
	m.Attach(newFakeConn("c1", ""))

	assert.NoError(t, m.Handle("c1", message(protocol.DeviceInfo, gpuState(35))))
	assert.Zero(t, m.Store.Count())
}

func TestDetachPurgesAndNotifies(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.RegisterGrace = 50 * time.Millisecond
	bus := &recordingBus{}
	m := New(cfg, bus, nil)
	conn := newFakeConn("c1", "")
	require.NoError(t, register(m, conn, "10.0.0.1"))
	require.NoError(t, m.Handle("c1", message(protocol.DeviceInfo, gpuState(10))))

	m.Detach("c1")
	assert.Zero(t, m.Registry.Count())
	assert.Zero(t, m.Store.Count())
	_, ok := m.Conn("c1")
	assert.False(t, ok)

	gone := bus.ofType(notify.NodeDisconnected)
	require.Len(t, gone, 1)
	assert.Equal(t, protocol.Disconnected{NodeID: "c1", Name: "cloud-01"}, gone[0].Data)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, conn.count(protocol.ConfigReady), "pending config push is cancelled")

	m.Detach("c1")
	assert.Len(t, bus.ofType(notify.NodeDisconnected), 1)
}

func TestDetachUnregisteredConnIsSilent(t *testing.T) {
	bus := &recordingBus{}
	m := New(testConfig(), bus, nil)
	m.Attach(newFakeConn("c1", ""))
	m.Detach("c1")
	assert.Empty(t, bus.ofType(notify.NodeDisconnected))
}

func TestUnsolicitedHeartbeatIsEchoed(t *testing.T) {
	m := New(testConfig(), nil, nil)
	conn := newFakeConn("c1", "")
	require.NoError(t, register(m, conn, "10.0.0.1"))

	require.NoError(t, m.Handle("c1", message(protocol.Heartbeat, nil)))
	assert.Equal(t, 1, conn.count(protocol.Heartbeat))

	pending := newFakeConn("c2", "")
	m.Attach(pending)
	require.NoError(t, m.Handle("c2", message(protocol.Heartbeat, nil)))
	assert.Equal(t, 1, pending.count(protocol.Heartbeat))
}

func TestNodeHeartbeatEchoedBetweenProbes(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat = config.HeartbeatConfig{Interval: 100 * time.Millisecond, Timeout: 50 * time.Millisecond, MaxMissed: 3}
	m := New(cfg, nil, nil)
	defer m.Shutdown()
	conn := newFakeConn("c1", "")
	require.NoError(t, register(m, conn, "10.0.0.1"))

	require.Eventually(t, func() bool { return conn.count(protocol.Heartbeat) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Handle("c1", message(protocol.Heartbeat, nil)))
	assert.Equal(t, 1, conn.count(protocol.Heartbeat), "reply to the probe is not echoed")

	m.mu.Lock()
	mon := m.sessions["c1"].monitor
	m.mu.Unlock()
	require.Eventually(t, func() bool { return !mon.pending.Load() }, time.Second, time.Millisecond)

	require.NoError(t, m.Handle("c1", message(protocol.Heartbeat, nil)))
	assert.Equal(t, 2, conn.count(protocol.Heartbeat), "node-initiated heartbeat is echoed")
}

func TestHandleRejectsBadInput(t *testing.T) {
	m := New(testConfig(), nil, nil)
	assert.Error(t, m.Handle("nobody", message(protocol.Heartbeat, nil)))

	m.Attach(newFakeConn("c1", ""))
	assert.Error(t, m.Handle("c1", []byte("not json")))
	assert.Error(t, m.Handle("c1", []byte(`{"event":"task:run","data":{}}`)))
	assert.Error(t, m.Handle("c1", message(protocol.ServerConfig, protocol.ConfigPush{})), "server-only event")
}

func TestShutdownClosesEverything(t *testing.T) {
	m := New(testConfig(), nil, nil)
	c1 := newFakeConn("c1", "")
	c2 := newFakeConn("c2", "")
	require.NoError(t, register(m, c1, "10.0.0.1"))
	require.NoError(t, register(m, c2, "10.0.1.1"))

	m.Shutdown()
	assert.False(t, c1.Connected())
	assert.False(t, c2.Connected())
	assert.Zero(t, m.Registry.Count())
}
