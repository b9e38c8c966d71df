// Package notify broadcasts registry and scheduling progress to observers such as the dashboard.
// Publishing never blocks: a subscriber that falls behind loses events.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind is the closed set of observer event types.
type Kind string

const (
	ScheduleProcess  Kind = "schedule_process"
	ScheduleRequest  Kind = "schedule_request"
	ScheduleResult   Kind = "schedule_result"
	ScheduleCount    Kind = "schedule_count"
	NodeStatusUpdate Kind = "node:status:update"
	NodeRegistered   Kind = "node:register"
	NodeDisconnected Kind = "node:disconnect"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type Event struct {
	Type      Kind   `json:"type"`
	Message   string `json:"message,omitempty"`
	Status    string `json:"status,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"` //unix ms
}

// Publisher is what the registry and scheduler depend on.
type Publisher interface {
	Publish(ev Event)
}

func Process(format string, args ...any) Event {
	return Event{Type: ScheduleProcess, Message: fmt.Sprintf(format, args...)}
}

func Failure(format string, args ...any) Event {
	return Event{Type: ScheduleProcess, Message: fmt.Sprintf(format, args...), Status: StatusError}
}

type Subscription struct {
	ID string
	C  <-chan Event

	ch   chan Event
	bus  *Bus
	once sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.ID)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

type Bus struct {
	mu          sync.Mutex
	subs        map[string]*Subscription
	backlog     *queue.Queue
	backlogSize int
	dropped     uint64
	log         *zap.Logger
}

// NewBus keeps the last backlogSize events and replays them to every new subscriber.
func NewBus(backlogSize int, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subs:        make(map[string]*Subscription),
		backlog:     queue.New(),
		backlogSize: backlogSize,
		log:         log,
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.backlogSize > 0 {
		b.backlog.Enqueue(ev)
		for b.backlog.Len() > b.backlogSize {
			b.backlog.Dequeue()
		}
	}
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.dropped++
			b.log.Debug("observer lagging, event dropped", zap.String("observer", s.ID), zap.String("type", string(ev.Type)))
		}
	}
}

// Subscribe registers an observer. The channel buffer is at least the backlog size so the replay fits.
func (b *Bus) Subscribe(buffer int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buffer < b.backlog.Len() {
		buffer = b.backlog.Len()
	}
	s := &Subscription{
		ID:  uuid.NewString(),
		ch:  make(chan Event, buffer),
		bus: b,
	}
	s.C = s.ch

	// collections/queue has no iterator; rotate it once to replay in order.
	for i, n := 0, b.backlog.Len(); i < n; i++ {
		ev := b.backlog.Dequeue().(Event)
		s.ch <- ev
		b.backlog.Enqueue(ev)
	}
	b.subs[s.ID] = s
	return s
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close detaches every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
