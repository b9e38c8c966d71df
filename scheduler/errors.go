package scheduler

import (
	"errors"
	"fmt"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/task"
)

// ErrorKind classifies why a scheduling request failed.
type ErrorKind int

const (
	NodesOffline ErrorKind = iota + 1
	NoSuitableGroup
	ResourceInsufficient
	UpstreamError
	InvalidRequest
	Config
)

var (
	ErrNodesOffline         = errors.New("nodes offline")
	ErrNoSuitableGroup      = errors.New("no suitable group")
	ErrResourceInsufficient = errors.New("resource insufficient")
	ErrUpstream             = errors.New("upstream error")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrConfig               = errors.New("scheduler configuration error")
)

var kindInfo = map[ErrorKind]struct {
	name     string
	sentinel error
	status   task.Status
}{
	NodesOffline:         {"NodesOffline", ErrNodesOffline, task.NodesOffline},
	NoSuitableGroup:      {"NoSuitableGroup", ErrNoSuitableGroup, task.NoSuitableGroup},
	ResourceInsufficient: {"ResourceInsufficient", ErrResourceInsufficient, task.ResourceInsufficient},
	UpstreamError:        {"UpstreamError", ErrUpstream, task.UpstreamError},
	InvalidRequest:       {"InvalidRequest", ErrInvalidRequest, task.UpstreamError},
	Config:               {"Config", ErrConfig, task.UpstreamError},
}

func (k ErrorKind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Status is the terminal outcome status recorded for a failure of this kind.
func (k ErrorKind) Status() task.Status {
	return kindInfo[k].status
}

// Error is a failed scheduling decision. Attempts is only set for render requests.
type Error struct {
	Kind     ErrorKind
	Message  string
	Attempts []Attempt
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind, so errors.Is(err, ErrNodesOffline) works.
func (e *Error) Is(target error) bool {
	info, ok := kindInfo[e.Kind]
	return ok && target == info.sentinel
}
