// Package counter keeps the monotonic scheduling counters: requests per task kind and
// successful placements per (group, kind). Values are mirrored into Prometheus counters.
package counter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/task"
)

// KindCounts is keyed by task kind: {"ai": n, "render": n, "simulation": n}.
type KindCounts map[task.Kind]uint64

// Counts is a point-in-time copy of all counters.
type Counts struct {
	Total  KindCounts                `json:"total"`
	Groups map[node.Group]KindCounts `json:"groups"`
}

type Counters struct {
	mu       sync.Mutex
	total    map[task.Kind]uint64
	perGroup map[node.Group]map[task.Kind]uint64

	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	placements *prometheus.CounterVec
}

func New() *Counters {
	c := &Counters{
		total:    make(map[task.Kind]uint64),
		perGroup: make(map[node.Group]map[task.Kind]uint64),
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "selfalloc",
				Name:      "schedule_requests_total",
				Help:      "Scheduling requests received per task kind",
			},
			[]string{"kind"},
		),
		placements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "selfalloc",
				Name:      "schedule_placements_total",
				Help:      "Successful placements per deployment group and task kind",
			},
			[]string{"group", "kind"},
		),
	}
	for _, g := range node.Groups {
		c.perGroup[g] = make(map[task.Kind]uint64)
	}
	c.registry.MustRegister(c.requests, c.placements)
	return c
}

// NextRequest counts a new request of the given kind and returns its sequence number.
func (c *Counters) NextRequest(kind task.Kind) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total[kind]++
	c.requests.WithLabelValues(string(kind)).Inc()
	return c.total[kind]
}

// RecordPlacement counts a successful placement. Unknown groups are ignored.
func (c *Counters) RecordPlacement(group node.Group, kind task.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byKind, ok := c.perGroup[group]
	if !ok {
		return
	}
	byKind[kind]++
	c.placements.WithLabelValues(string(group), string(kind)).Inc()
}

func (c *Counters) Snapshot() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Counts{
		Total:  make(KindCounts, len(task.Kinds)),
		Groups: make(map[node.Group]KindCounts, len(node.Groups)),
	}
	for _, k := range task.Kinds {
		out.Total[k] = c.total[k]
	}
	for _, g := range node.Groups {
		kc := make(KindCounts, len(task.Kinds))
		for _, k := range task.Kinds {
			kc[k] = c.perGroup[g][k]
		}
		out.Groups[g] = kc
	}
	return out
}

// Registry is the Prometheus registry the counters are exported on.
func (c *Counters) Registry() *prometheus.Registry {
	return c.registry
}
