package node

import (
	"fmt"
	"strings"
	"time"
)

// Group is the deployment group a worker node belongs to.
type Group string

const (
	Cloud Group = "cloud"
	Edge1 Group = "edge1"
	Edge2 Group = "edge2"
)

// Groups is the fixed iteration order used everywhere a tie has to be broken.
var Groups = []Group{Cloud, Edge1, Edge2}

func ParseGroup(s string) (Group, error) {
	for _, g := range Groups {
		if string(g) == strings.ToLower(strings.TrimSpace(s)) {
			return g, nil
		}
	}
	return "", fmt.Errorf("unknown deployment group %q", s)
}

// Index returns the position of g in Groups, or len(Groups) for an unknown group.
func (g Group) Index() int {
	for i, known := range Groups {
		if known == g {
			return i
		}
	}
	return len(Groups)
}

// WorkerNode represents one live, authorized node connection. Exactly one exists per connection id.
type WorkerNode struct {
	ID         string    `json:"socketId"` //connection id assigned by the coordinator
	Name       string    `json:"name"`
	Group      Group     `json:"type"`
	IP         string    `json:"ip"`
	OS         string    `json:"os"`
	Distance   float64   `json:"distance"` //static distance from config, km
	Connected  bool      `json:"connected"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// HasOS reports whether the node's operating system tag contains want, case-insensitively.
func (n *WorkerNode) HasOS(want string) bool {
	if want == "" {
		return true
	}
	return strings.Contains(strings.ToLower(n.OS), strings.ToLower(want))
}

// Snapshot pairs a node with the latest device state known for it. State is nil until the node reports.
type Snapshot struct {
	Node  WorkerNode
	State *DeviceState
}

// RefreshResult is the outcome of one fan-out state refresh.
type RefreshResult struct {
	Successful []string            //node ids that answered in time, in registration order
	Snapshots  map[string]Snapshot //every registered node, fresh or cached
	Failures   map[string]string   //node id -> reason for nodes that did not answer
}

// Fresh returns the snapshots of the nodes that answered, in the order of Successful.
func (r *RefreshResult) Fresh() []Snapshot {
	out := make([]Snapshot, 0, len(r.Successful))
	for _, id := range r.Successful {
		if s, ok := r.Snapshots[id]; ok {
			out = append(out, s)
		}
	}
	return out
}
