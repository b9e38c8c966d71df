package scheduler

import (
	"sync"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/task"
)

// Policy places one task kind on a node in three steps.
type Policy interface {
	SelectCandidateNodes(fresh []node.Snapshot) (candidates []node.Snapshot, preferred bool) //filter the nodes that answered
	Score(candidates []node.Snapshot) []GroupAggregate                                       //rank the candidate groups
	Pick(groups []GroupAggregate) (GroupAggregate, Member, error)                            //pick the winning group and node
}

// Member is one candidate node inside a group aggregate.
type Member struct {
	NodeID   string  `json:"nodeId"`
	GPUUsage float64 `json:"gpuUsage"`
}

// GroupAggregate is derived per decision; groups without candidates are never built.
type GroupAggregate struct {
	Group    node.Group `json:"group"`
	Members  []Member   `json:"members"`
	AvgUsage float64    `json:"avgUsage"`
}

// GPUPolicy places AI and simulation tasks on the least GPU-loaded node of the
// least GPU-loaded group.
type GPUPolicy struct {
	Kind        task.Kind
	PreferredOS string
	AvoidRepeat bool //skip the last OS-preferred node when another one is available

	placing sync.Mutex //held from SelectCandidateNodes through Remember
	mu      sync.Mutex
	last    string
}

func NewGPUPolicy(kind task.Kind) *GPUPolicy {
	switch kind {
	case task.AI:
		return &GPUPolicy{Kind: kind, PreferredOS: "ubuntu", AvoidRepeat: true}
	case task.Simulation:
		return &GPUPolicy{Kind: kind, PreferredOS: "windows"}
	}
	return &GPUPolicy{Kind: kind}
}

// SelectCandidateNodes keeps the OS-preferred nodes, falling back to every fresh node
// when none match. preferred reports whether the OS filter held.
func (p *GPUPolicy) SelectCandidateNodes(fresh []node.Snapshot) ([]node.Snapshot, bool) {
	var matched []node.Snapshot
	for _, s := range fresh {
		if s.Node.HasOS(p.PreferredOS) {
			matched = append(matched, s)
		}
	}
	if len(matched) == 0 {
		return fresh, false
	}

	if p.AvoidRepeat && len(matched) > 1 {
		last := p.lastUsed()
		if last != "" {
			others := make([]node.Snapshot, 0, len(matched))
			for _, s := range matched {
				if s.Node.ID != last {
					others = append(others, s)
				}
			}
			if len(others) > 0 {
				matched = others
			}
		}
	}
	return matched, true
}

// Score groups the candidates in fixed group order and averages their GPU usage.
func (p *GPUPolicy) Score(candidates []node.Snapshot) []GroupAggregate {
	var out []GroupAggregate
	for _, g := range node.Groups {
		agg := GroupAggregate{Group: g}
		var total float64
		for _, s := range candidates {
			if s.Node.Group != g {
				continue
			}
			usage := s.State.GPUUsage()
			agg.Members = append(agg.Members, Member{NodeID: s.Node.ID, GPUUsage: usage})
			total += usage
		}
		if len(agg.Members) == 0 {
			continue
		}
		agg.AvgUsage = total / float64(len(agg.Members))
		out = append(out, agg)
	}
	return out
}

// Pick takes the first group with the lowest mean, then the first node with the lowest usage in it.
func (p *GPUPolicy) Pick(groups []GroupAggregate) (GroupAggregate, Member, error) {
	if len(groups) == 0 {
		return GroupAggregate{}, Member{}, &Error{Kind: NoSuitableGroup, Message: "no candidate group has members"}
	}
	best := groups[0]
	for _, g := range groups[1:] {
		if g.AvgUsage < best.AvgUsage {
			best = g
		}
	}
	chosen := best.Members[0]
	for _, m := range best.Members[1:] {
		if m.GPUUsage < chosen.GPUUsage {
			chosen = m
		}
	}
	return best, chosen, nil
}

// Remember records the placed node for anti-repetition, only if it is OS-preferred.
func (p *GPUPolicy) Remember(n node.WorkerNode) {
	if !p.AvoidRepeat || !n.HasOS(p.PreferredOS) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = n.ID
}

func (p *GPUPolicy) lastUsed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
