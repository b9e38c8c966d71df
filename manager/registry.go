package manager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/store"
)

var (
	ErrUnauthorizedNode  = errors.New("node ip is not in the whitelist")
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrUnknownNode       = errors.New("connection is not a registered node")
)

// Registry tracks the authorized node connections and owns their device state.
// Node removal and state purge happen under the same write lock, so a state write
// can never resurrect a removed node.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*node.WorkerNode
	order  []string //registration order
	states *store.DeviceStore
	cfg    *config.Config
	log    *zap.Logger
}

func NewRegistry(cfg *config.Config, states *store.DeviceStore, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		nodes:  make(map[string]*node.WorkerNode),
		states: states,
		cfg:    cfg,
		log:    log,
	}
}

// lookup walks the whitelist groups in fixed order; the first enabled entry with a matching ip wins.
func (r *Registry) lookup(ip string) (config.NodeEntry, node.Group, bool) {
	for _, g := range node.Groups {
		for _, e := range r.cfg.Nodes.Entries(g) {
			if e.Enabled && e.IP == ip {
				return e, g, true
			}
		}
	}
	return config.NodeEntry{}, "", false
}

// Register admits connID if ip is whitelisted.
func (r *Registry) Register(connID, ip string) (node.WorkerNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.nodes[connID]; ok {
		return *existing, ErrAlreadyRegistered
	}
	entry, group, ok := r.lookup(ip)
	if !ok {
		return node.WorkerNode{}, fmt.Errorf("%w: %s", ErrUnauthorizedNode, ip)
	}
	n := &node.WorkerNode{
		ID:         connID,
		Name:       entry.Name,
		Group:      group,
		IP:         ip,
		OS:         entry.OS,
		Distance:   r.cfg.Distance(group),
		Connected:  true,
		LastUpdate: time.Now(),
	}
	r.nodes[connID] = n
	r.order = append(r.order, connID)
	r.log.Info("node registered",
		zap.String("node", connID),
		zap.String("name", n.Name),
		zap.String("group", string(group)),
		zap.String("ip", ip))
	return *n, nil
}

// Remove drops the node and its device state. It reports false if connID was not registered.
func (r *Registry) Remove(connID string) (node.WorkerNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[connID]
	if !ok {
		return node.WorkerNode{}, false
	}
	n.Connected = false
	delete(r.nodes, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.states.Delete(connID)
	r.log.Info("node removed", zap.String("node", connID), zap.String("name", n.Name))
	return *n, true
}

func (r *Registry) Get(connID string) (node.WorkerNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[connID]
	if !ok {
		return node.WorkerNode{}, false
	}
	return *n, true
}

func (r *Registry) IsRegistered(connID string) bool {
	_, ok := r.Get(connID)
	return ok
}

// List returns copies of the registered nodes in registration order.
func (r *Registry) List() []node.WorkerNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]node.WorkerNode, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.nodes[id])
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// UpdateState stores s for connID. Writes for unknown connections are rejected.
func (r *Registry) UpdateState(connID string, s node.DeviceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[connID]
	if !ok {
		return ErrUnknownNode
	}
	now := time.Now()
	if s.LastUpdate.IsZero() {
		s.LastUpdate = now
	}
	n.LastUpdate = now
	return r.states.Put(connID, &store.Entry{Node: *n, State: s})
}

// Snapshots pairs every registered node with its cached state, in registration order.
func (r *Registry) Snapshots() []node.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]node.Snapshot, 0, len(r.order))
	for _, id := range r.order {
		snap := node.Snapshot{Node: *r.nodes[id]}
		if e, err := r.states.Get(id); err == nil {
			st := e.State
			snap.State = &st
		}
		out = append(out, snap)
	}
	return out
}

// Statuses is the dashboard view keyed by connection id.
func (r *Registry) Statuses() map[string]node.NodeStatus {
	snaps := r.Snapshots()
	out := make(map[string]node.NodeStatus, len(snaps))
	for _, s := range snaps {
		out[s.Node.ID] = node.Status(s.Node, s.State)
	}
	return out
}
