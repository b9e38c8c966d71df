package scheduler

import (
	"context"
	"sync"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/notify"
)

func gpuSnap(id string, g node.Group, os string, usages ...float64) node.Snapshot {
	st := &node.DeviceState{CPU: node.CPUInfo{Model: "test", Usage: 10}}
	if len(usages) > 0 {
		st.GPU = &node.GPUInfo{Count: len(usages)}
		for _, u := range usages {
			st.GPU.Devices = append(st.GPU.Devices, node.GPUDevice{Model: "rtx", Usage: u})
		}
	}
	return node.Snapshot{
		Node:  node.WorkerNode{ID: id, Name: id, Group: g, OS: os, IP: "10.0.0." + id, Connected: true},
		State: st,
	}
}

// fakeRefresher answers every refresh with the same nodes.
type fakeRefresher struct {
	mu    sync.Mutex
	snaps []node.Snapshot
	calls int
}

func (f *fakeRefresher) RefreshAll(context.Context) node.RefreshResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	res := node.RefreshResult{
		Snapshots: make(map[string]node.Snapshot),
		Failures:  make(map[string]string),
	}
	for _, s := range f.snaps {
		res.Successful = append(res.Successful, s.Node.ID)
		res.Snapshots[s.Node.ID] = s
	}
	return res
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

// scriptedAllocator replies per group id and records the call order.
type scriptedAllocator struct {
	mu      sync.Mutex
	replies map[string]func() (string, error)
	calls   []string
}

func (a *scriptedAllocator) Allocate(_ context.Context, _ string, groupID string) (string, error) {
	a.mu.Lock()
	a.calls = append(a.calls, groupID)
	reply := a.replies[groupID]
	a.mu.Unlock()
	return reply()
}
