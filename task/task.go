package task

import (
	"fmt"
	"time"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
)

// Kind is the type of compute task a caller asks a placement for.
type Kind string

const (
	AI         Kind = "ai"
	Render     Kind = "render"
	Simulation Kind = "simulation"
)

// Kinds is the fixed order kinds are reported in.
var Kinds = []Kind{AI, Render, Simulation}

// Label is the human name used in progress notifications.
func (k Kind) Label() string {
	switch k {
	case AI:
		return "AI inference"
	case Render:
		return "cloud rendering"
	case Simulation:
		return "simulation"
	}
	return string(k)
}

// Outcome records one scheduling decision.
type Outcome struct {
	Kind      Kind          `json:"taskType"`
	RequestID uint64        `json:"requestId"`
	NodeID    string        `json:"nodeId,omitempty"`
	Group     node.Group    `json:"group,omitempty"`
	Trail     []string      `json:"trail"`
	Started   time.Time     `json:"-"`
	Duration  time.Duration `json:"-"`
	Status    Status        `json:"status"`
}

func NewOutcome(kind Kind, requestID uint64) *Outcome {
	return &Outcome{
		Kind:      kind,
		RequestID: requestID,
		Started:   time.Now(),
		Status:    Pending,
	}
}

// Note appends a step to the decision trail.
func (o *Outcome) Note(format string, args ...any) {
	o.Trail = append(o.Trail, fmt.Sprintf(format, args...))
}

// Finish moves the outcome to a terminal status and fixes its duration.
func (o *Outcome) Finish(status Status) error {
	if !ValidStateTransition(o.Status, status) {
		return fmt.Errorf("outcome %s-%d: invalid transition %s -> %s", o.Kind, o.RequestID, o.Status, status)
	}
	o.Status = status
	o.Duration = time.Since(o.Started)
	return nil
}

func (o *Outcome) DurationMs() int64 {
	return o.Duration.Milliseconds()
}
