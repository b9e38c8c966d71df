package scheduler

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
)

// DistanceProvider measures how far the requesting user is from each deployment group, in km.
type DistanceProvider interface {
	Distances(groups []node.Group) map[node.Group]float64
}

const (
	minRandomDistance = 10
	maxRandomDistance = 1000
)

// RandomDistance draws a whole number of km in [10, 1000] per group and request.
// It stands in for a real proximity measurement.
type RandomDistance struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomDistance(seed int64) *RandomDistance {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomDistance{rng: rand.New(rand.NewSource(seed))}
}

func (r *RandomDistance) Distances(groups []node.Group) map[node.Group]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[node.Group]float64, len(groups))
	for _, g := range groups {
		out[g] = float64(minRandomDistance + r.rng.Intn(maxRandomDistance-minRandomDistance+1))
	}
	return out
}

// StaticDistance returns fixed per-group distances, typically nodes.distances from config.
// Groups without a value are placed last.
type StaticDistance map[node.Group]float64

func (s StaticDistance) Distances(groups []node.Group) map[node.Group]float64 {
	out := make(map[node.Group]float64, len(groups))
	for _, g := range groups {
		d, ok := s[g]
		if !ok {
			d = math.MaxFloat64
		}
		out[g] = d
	}
	return out
}
