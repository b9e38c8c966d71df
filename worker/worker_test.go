package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/protocol"
)

type fixedCollector struct {
	calls atomic.Int32
	err   error
}

func (f *fixedCollector) Sample() (node.DeviceState, error) {
	f.calls.Add(1)
	if f.err != nil {
		return node.DeviceState{}, f.err
	}
	return node.DeviceState{
		CPU:    node.CPUInfo{Model: "test", Usage: 12.5},
		Memory: node.MemoryInfo{Total: 16, Used: 4, Usage: 25},
		GPU:    &node.GPUInfo{Count: 1, Devices: []node.GPUDevice{{Model: "RTX", Usage: 40}}},
	}, nil
}

// coordinator is a scripted server side of the node link.
type coordinator struct {
	t     *testing.T
	conns chan *websocket.Conn
	srv   *httptest.Server
}

func newCoordinator(t *testing.T) *coordinator {
	c := &coordinator{t: t, conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.conns <- ws
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *coordinator) url() string {
	return "ws" + strings.TrimPrefix(c.srv.URL, "http") + "/socket"
}

func (c *coordinator) accept() *websocket.Conn {
	select {
	case ws := <-c.conns:
		c.t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(3 * time.Second):
		c.t.Fatal("agent did not connect")
		return nil
	}
}

func sendEvent(t *testing.T, ws *websocket.Conn, ev protocol.Event, payload any) {
	t.Helper()
	msg, err := protocol.Encode(ev, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, msg))
}

// expect reads until ev arrives, skipping periodic device:info pushes.
func expect(t *testing.T, ws *websocket.Conn, ev protocol.Event) protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", ev)
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		if env.Event == ev {
			return env
		}
	}
}

func startAgent(t *testing.T, server string, col Collector) (*Agent, func()) {
	a := NewAgent(config.AgentConfig{Server: server, IP: "192.168.2.10", ReconnectMax: time.Second}, col, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return a, func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("agent did not stop")
		}
	}
}

func TestAgentSessionLifecycle(t *testing.T) {
	coord := newCoordinator(t)
	col := &fixedCollector{}
	a, stop := startAgent(t, coord.url(), col)
	defer stop()

	ws := coord.accept()
	var reg protocol.RegisterRequest
	require.NoError(t, expect(t, ws, protocol.Register).Payload(&reg))
	assert.Equal(t, "192.168.2.10", reg.IP)

	sendEvent(t, ws, protocol.ServerConfig, protocol.ConfigPush{
		Name: "edge1-01", Type: node.Edge1, OS: "ubuntu", Distance: 50,
		CollectionInterval: 3_600_000, HeartbeatInterval: 30_000,
	})
	assert.Eventually(t, func() bool {
		s := a.Status()
		return s.Assigned != nil && s.Assigned.Name == "edge1-01"
	}, time.Second, 10*time.Millisecond)
	assert.False(t, a.Status().Collecting)

	sendEvent(t, ws, protocol.ConfigReady, protocol.StartCollecting{CollectionInterval: 3_600_000})
	var st node.DeviceState
	require.NoError(t, expect(t, ws, protocol.DeviceInfo).Payload(&st))
	assert.Equal(t, 12.5, st.CPU.Usage)
	assert.Equal(t, 40.0, st.GPUUsage())

	sendEvent(t, ws, protocol.DeviceInfoRequest, nil)
	require.NoError(t, expect(t, ws, protocol.DeviceInfoResponse).Payload(&st))
	assert.Equal(t, 25.0, st.Memory.Usage)

	sendEvent(t, ws, protocol.Heartbeat, nil)
	expect(t, ws, protocol.Heartbeat)

	s := a.Status()
	assert.True(t, s.Connected)
	assert.True(t, s.Collecting)
	assert.GreaterOrEqual(t, s.Pushes, uint64(2))
	require.NotNil(t, s.LastSample)
}

func TestAgentPushesOnInterval(t *testing.T) {
	coord := newCoordinator(t)
	_, stop := startAgent(t, coord.url(), &fixedCollector{})
	defer stop()

	ws := coord.accept()
	expect(t, ws, protocol.Register)
	sendEvent(t, ws, protocol.ConfigReady, protocol.StartCollecting{CollectionInterval: 20})
	for i := 0; i < 3; i++ {
		expect(t, ws, protocol.DeviceInfo)
	}
}

func TestAgentSkipsFailedSamples(t *testing.T) {
	coord := newCoordinator(t)
	col := &fixedCollector{err: errors.New("procfs unavailable")}
	a, stop := startAgent(t, coord.url(), col)
	defer stop()

	ws := coord.accept()
	expect(t, ws, protocol.Register)
	sendEvent(t, ws, protocol.DeviceInfoRequest, nil)
	assert.Eventually(t, func() bool { return col.calls.Load() == 1 }, time.Second, 10*time.Millisecond)

	// the link survives a failed sample
	sendEvent(t, ws, protocol.Heartbeat, nil)
	expect(t, ws, protocol.Heartbeat)
	assert.Zero(t, a.Status().Pushes)
}

func TestAgentReconnects(t *testing.T) {
	coord := newCoordinator(t)
	a, stop := startAgent(t, coord.url(), &fixedCollector{})
	defer stop()

	first := coord.accept()
	expect(t, first, protocol.Register)
	sendEvent(t, first, protocol.ServerConfig, protocol.ConfigPush{Name: "edge1-01", Type: node.Edge1})
	require.Eventually(t, func() bool { return a.Status().Assigned != nil }, time.Second, 10*time.Millisecond)
	first.Close()

	second := coord.accept()
	expect(t, second, protocol.Register)
	assert.Nil(t, a.Status().Assigned, "assignment is per session")
}

func TestAgentStopsWhileDisconnected(t *testing.T) {
	_, stop := startAgent(t, "ws://127.0.0.1:1/socket", &fixedCollector{})
	time.Sleep(50 * time.Millisecond)
	stop()
}
