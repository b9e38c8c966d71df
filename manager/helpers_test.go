package manager

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/notify"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/protocol"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Nodes.CloudNodes = []config.NodeEntry{
		{Name: "cloud-01", IP: "10.0.0.1", OS: "ubuntu", Enabled: true},
	}
	cfg.Nodes.Edge1Nodes = []config.NodeEntry{
		{Name: "edge1-01", IP: "10.0.1.1", OS: "ubuntu", Enabled: true},
		{Name: "edge1-off", IP: "10.0.1.2", OS: "windows", Enabled: false},
	}
	cfg.Nodes.Edge2Nodes = []config.NodeEntry{
		{Name: "edge2-01", IP: "10.0.2.1", OS: "windows", Enabled: true},
	}
	cfg.Nodes.Distances = map[string]float64{"cloud": 800, "edge1": 50, "edge2": 120}
	cfg.Heartbeat = config.HeartbeatConfig{Interval: time.Hour, Timeout: time.Second, MaxMissed: 3}
	cfg.Sync.Timeout = 200 * time.Millisecond
	cfg.Sync.RegisterGrace = 10 * time.Millisecond
	return cfg
}

// fakeConn records what the coordinator sends. onSend, when set, runs after each send.
type fakeConn struct {
	id     string
	remote string
	onSend func(ev protocol.Event)

	mu     sync.Mutex
	sent   []protocol.Envelope
	closed atomic.Bool
}

func newFakeConn(id, remote string) *fakeConn {
	return &fakeConn{id: id, remote: remote}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return c.remote }
func (c *fakeConn) Connected() bool    { return !c.closed.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) Send(ev protocol.Event, payload any) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	raw, err := protocol.Encode(ev, payload)
	if err != nil {
		return err
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(ev)
	}
	return nil
}

func (c *fakeConn) events() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Event, 0, len(c.sent))
	for _, env := range c.sent {
		out = append(out, env.Event)
	}
	return out
}

func (c *fakeConn) count(ev protocol.Event) int {
	n := 0
	for _, e := range c.events() {
		if e == ev {
			n++
		}
	}
	return n
}

func (c *fakeConn) last(ev protocol.Event) (protocol.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Event == ev {
			return c.sent[i], true
		}
	}
	return protocol.Envelope{}, false
}

type recordingBus struct {
	mu     sync.Mutex
	events []notify.Event
}

func (b *recordingBus) Publish(ev notify.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) ofType(k notify.Kind) []notify.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []notify.Event
	for _, ev := range b.events {
		if ev.Type == k {
			out = append(out, ev)
		}
	}
	return out
}

func message(ev protocol.Event, payload any) []byte {
	raw, err := protocol.Encode(ev, payload)
	if err != nil {
		panic(err)
	}
	return raw
}

func gpuState(usage float64) node.DeviceState {
	return node.DeviceState{
		CPU: node.CPUInfo{Model: "test", Usage: 5},
		GPU: &node.GPUInfo{Count: 1, Devices: []node.GPUDevice{{Model: "rtx", Usage: usage}}},
	}
}

// register attaches conn and registers it under ip.
func register(m *Manager, conn *fakeConn, ip string) error {
	m.Attach(conn)
	return m.Handle(conn.ID(), message(protocol.Register, protocol.RegisterRequest{IP: ip}))
}
