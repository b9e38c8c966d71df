package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/notify"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/protocol"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/store"
)

// session is the per-connection state the coordinator keeps besides the registry entry.
type session struct {
	conn    Conn
	monitor *Monitor
	ready   *time.Timer //pending config:ready push
}

type handlerFunc func(s *session, env protocol.Envelope) error

// Manager is the coordinator: it owns the node connections, the registry and the
// state synchronizer, and dispatches inbound node messages.
type Manager struct {
	Registry *Registry
	Sync     *Synchronizer
	Store    *store.DeviceStore

	cfg      *config.Config
	bus      notify.Publisher
	log      *zap.Logger
	mu       sync.Mutex
	sessions map[string]*session
	handlers map[protocol.Event]handlerFunc
}

func New(cfg *config.Config, bus notify.Publisher, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	st := store.NewDeviceStore()
	m := &Manager{
		Store:    st,
		cfg:      cfg,
		bus:      bus,
		log:      log,
		sessions: make(map[string]*session),
	}
	m.Registry = NewRegistry(cfg, st, log.Named("registry"))
	m.Sync = NewSynchronizer(m.Registry, m, cfg.Sync.Timeout, log.Named("sync"))
	m.handlers = map[protocol.Event]handlerFunc{
		protocol.Register:           m.handleRegister,
		protocol.DeviceInfo:         m.handleDeviceInfo,
		protocol.DeviceInfoResponse: m.handleDeviceInfoResponse,
		protocol.Heartbeat:          m.handleHeartbeat,
	}
	return m
}

// Attach starts tracking a freshly accepted connection. It is not a node until it registers.
func (m *Manager) Attach(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[conn.ID()] = &session{conn: conn}
	m.log.Debug("connection attached", zap.String("conn", conn.ID()), zap.String("remote", conn.RemoteAddr()))
}

// Conn returns the connection with the given id.
func (m *Manager) Conn(id string) (Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.conn, true
}

// Handle decodes one inbound message from connID and dispatches it.
func (m *Manager) Handle(connID string, raw []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[connID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection %s is not attached", connID)
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	h, ok := m.handlers[env.Event]
	if !ok {
		return fmt.Errorf("unexpected %s from node", env.Event)
	}
	return h(s, env)
}

// Detach forgets connID: the heartbeat and pending config push stop, and the node and its
// state are purged. Observers are told when a registered node goes away.
func (m *Manager) Detach(connID string) {
	m.mu.Lock()
	s, ok := m.sessions[connID]
	delete(m.sessions, connID)
	m.mu.Unlock()
	if ok {
		m.stopSession(s)
	}

	n, removed := m.Registry.Remove(connID)
	if !removed {
		return
	}
	m.log.Info("node disconnected", zap.String("node", n.ID), zap.String("name", n.Name))
	m.publish(notify.Event{
		Type: notify.NodeDisconnected,
		Data: protocol.Disconnected{NodeID: n.ID, Name: n.Name},
	})
	m.publish(notify.Event{Type: notify.NodeStatusUpdate, Data: m.Registry.Statuses()})
}

// Shutdown closes every node connection and purges the registry.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		ids = append(ids, id)
		s.conn.Close()
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Detach(id)
	}
	m.log.Info("coordinator connections closed", zap.Int("connections", len(ids)))
}

// RefreshAll pulls fresh device state from every registered node.
func (m *Manager) RefreshAll(ctx context.Context) node.RefreshResult {
	return m.Sync.RefreshAll(ctx)
}

func (m *Manager) stopSession(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.ready != nil {
		s.ready.Stop()
	}
}

func (m *Manager) handleRegister(s *session, env protocol.Envelope) error {
	var req protocol.RegisterRequest
	if err := env.Payload(&req); err != nil {
		return err
	}
	ip := req.IP
	if ip == "" {
		ip = s.conn.RemoteAddr()
	}
	id := s.conn.ID()

	n, err := m.Registry.Register(id, ip)
	switch {
	case errors.Is(err, ErrUnauthorizedNode):
		m.log.Warn("unauthorized node rejected", zap.String("conn", id), zap.String("ip", ip))
		s.conn.Close()
		return err
	case errors.Is(err, ErrAlreadyRegistered):
		m.log.Warn("duplicate registration ignored", zap.String("node", id), zap.String("name", n.Name))
		return err
	case err != nil:
		return err
	}

	push := protocol.ConfigPush{
		Name:               n.Name,
		Type:               n.Group,
		OS:                 n.OS,
		Distance:           n.Distance,
		CollectionInterval: m.cfg.Nodes.Connection.CollectionInterval.Milliseconds(),
		HeartbeatInterval:  m.cfg.Nodes.Connection.HeartbeatInterval.Milliseconds(),
	}
	if err := s.conn.Send(protocol.ServerConfig, push); err != nil {
		return fmt.Errorf("send server config: %w", err)
	}

	mon := NewMonitor(s.conn, m.cfg.Heartbeat, m.log.Named("heartbeat"))
	ready := time.AfterFunc(m.cfg.Sync.RegisterGrace, func() {
		if !s.conn.Connected() || !m.Registry.IsRegistered(id) {
			return
		}
		start := protocol.StartCollecting{CollectionInterval: push.CollectionInterval}
		if err := s.conn.Send(protocol.ConfigReady, start); err != nil {
			m.log.Warn("config ready push failed", zap.String("node", id), zap.Error(err))
		}
	})
	m.mu.Lock()
	_, live := m.sessions[id]
	s.monitor = mon
	s.ready = ready
	m.mu.Unlock()
	if !live {
		ready.Stop()
		return nil
	}
	mon.Start()

	m.publish(notify.Event{Type: notify.NodeRegistered, Data: n})
	return nil
}

func (m *Manager) handleDeviceInfo(s *session, env protocol.Envelope) error {
	var st node.DeviceState
	if err := env.Payload(&st); err != nil {
		return err
	}
	if err := m.Registry.UpdateState(s.conn.ID(), st); err != nil {
		m.log.Debug("device info from unregistered connection dropped", zap.String("conn", s.conn.ID()))
		return nil
	}
	m.publish(notify.Event{Type: notify.NodeStatusUpdate, Data: m.Registry.Statuses()})
	return nil
}

func (m *Manager) handleDeviceInfoResponse(s *session, env protocol.Envelope) error {
	var st node.DeviceState
	if err := env.Payload(&st); err != nil {
		return err
	}
	if !m.Sync.Deliver(s.conn.ID(), st) {
		m.log.Debug("late device info response dropped", zap.String("conn", s.conn.ID()))
	}
	return nil
}

func (m *Manager) handleHeartbeat(s *session, _ protocol.Envelope) error {
	m.mu.Lock()
	mon := s.monitor
	m.mu.Unlock()
	if mon != nil && mon.Ack() {
		return nil
	}
	return s.conn.Send(protocol.Heartbeat, nil)
}

func (m *Manager) publish(ev notify.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}
