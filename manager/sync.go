package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/protocol"
)

var ErrRefreshTimeout = errors.New("device info request timed out")

type connLookup interface {
	Conn(id string) (Conn, bool)
}

// Synchronizer asks every registered node for its current device state and
// waits, per node, until it answers or its deadline passes.
type Synchronizer struct {
	registry *Registry
	conns    connLookup
	timeout  time.Duration

	mu      sync.Mutex
	waiters map[string][]chan node.DeviceState
	log     *zap.Logger
}

func NewSynchronizer(registry *Registry, conns connLookup, timeout time.Duration, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		registry: registry,
		conns:    conns,
		timeout:  timeout,
		waiters:  make(map[string][]chan node.DeviceState),
		log:      log,
	}
}

// RefreshAll fans a device:info:request out to every registered node and joins on all of them.
// A slow or failing node never fails the refresh; it lands in Failures instead.
func (s *Synchronizer) RefreshAll(ctx context.Context) node.RefreshResult {
	targets := s.registry.List()
	states := make([]*node.DeviceState, len(targets))
	errs := make([]error, len(targets))

	var g errgroup.Group
	for i, n := range targets {
		g.Go(func() error {
			states[i], errs[i] = s.request(ctx, n.ID)
			return nil
		})
	}
	_ = g.Wait()

	res := node.RefreshResult{
		Snapshots: make(map[string]node.Snapshot, len(targets)),
		Failures:  make(map[string]string),
	}
	fresh := make(map[string]*node.DeviceState)
	for i, n := range targets {
		if errs[i] != nil {
			res.Failures[n.ID] = errs[i].Error()
			s.log.Warn("device info refresh failed", zap.String("node", n.ID), zap.String("name", n.Name), zap.Error(errs[i]))
			continue
		}
		if err := s.registry.UpdateState(n.ID, *states[i]); err != nil {
			res.Failures[n.ID] = "removed during refresh"
			continue
		}
		fresh[n.ID] = states[i]
	}

	for _, snap := range s.registry.Snapshots() {
		if st, ok := fresh[snap.Node.ID]; ok {
			snap.State = st
			res.Successful = append(res.Successful, snap.Node.ID)
		}
		res.Snapshots[snap.Node.ID] = snap
	}
	for id := range fresh {
		if _, ok := res.Snapshots[id]; !ok {
			res.Failures[id] = "removed during refresh"
		}
	}
	s.log.Debug("device info refresh done",
		zap.Int("nodes", len(targets)),
		zap.Int("successful", len(res.Successful)),
		zap.Int("failed", len(res.Failures)))
	return res
}

func (s *Synchronizer) request(ctx context.Context, connID string) (*node.DeviceState, error) {
	conn, ok := s.conns.Conn(connID)
	if !ok || !conn.Connected() {
		return nil, ErrUnknownNode
	}

	ch := make(chan node.DeviceState, 1)
	s.addWaiter(connID, ch)
	defer s.removeWaiter(connID, ch)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := conn.Send(protocol.DeviceInfoRequest, nil); err != nil {
		return nil, fmt.Errorf("send device info request: %w", err)
	}

	select {
	case st := <-ch:
		return &st, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrRefreshTimeout
		}
		return nil, ctx.Err()
	}
}

// Deliver hands a device:info:response to every refresh waiting on connID.
// It reports false when nobody is waiting; such late responses are dropped.
func (s *Synchronizer) Deliver(connID string, st node.DeviceState) bool {
	s.mu.Lock()
	ws := s.waiters[connID]
	delete(s.waiters, connID)
	s.mu.Unlock()

	for _, ch := range ws {
		select {
		case ch <- st:
		default:
		}
	}
	return len(ws) > 0
}

func (s *Synchronizer) addWaiter(connID string, ch chan node.DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[connID] = append(s.waiters[connID], ch)
}

func (s *Synchronizer) removeWaiter(connID string, ch chan node.DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[connID]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(s.waiters, connID)
		return
	}
	s.waiters[connID] = ws
}
