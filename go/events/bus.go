// Package events is the process-local publish/subscribe dispatcher for task
// lifecycle events. Subscribers observe events in exact emission order; late
// subscribers see nothing (resubscription is snapshot + new subscription,
// handled by the caller).
package events

import (
	"sync"

	"github.com/attestry/proofgate/go/agent"
)

// Type tags an event variant.
type Type string

const (
	StatusUpdate   Type = "status-update"
	ArtifactUpdate Type = "artifact-update"
	TaskComplete   Type = "task-complete"
)

// Event is one task lifecycle notification.
type Event struct {
	Type   Type   `json:"type"`
	TaskID string `json:"taskId"`

	// StatusUpdate fields.
	State   agent.State    `json:"state,omitempty"`
	Message *agent.Message `json:"message,omitempty"`
	Final   bool           `json:"final,omitempty"`

	// ArtifactUpdate fields.
	Artifact  *agent.Artifact `json:"artifact,omitempty"`
	LastChunk bool            `json:"lastChunk,omitempty"`

	// TaskComplete fields.
	Task *agent.Task `json:"task,omitempty"`
}

// Bus dispatches events per task id.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

// NewBus builds an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscribe attaches a new subscriber for |taskID|. The subscriber receives
// every event emitted after this call, in emission order, on C(). The caller
// must Close the subscription to release it.
func (b *Bus) Subscribe(taskID string) *Subscription {
	var sub = &Subscription{
		bus:    b,
		taskID: taskID,
		ch:     make(chan Event, 16),
		done:   make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], sub)
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Emit delivers |event| to every current subscriber of its task id.
// Delivery never blocks the producer: each subscriber holds an unbounded
// queue drained by its own pump, which preserves per-subscriber ordering.
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	var subs = b.subs[event.TaskID]
	b.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(event)
	}
}

func (b *Bus) remove(taskID string, target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var kept = b.subs[taskID][:0]
	for _, sub := range b.subs[taskID] {
		if sub != target {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, taskID)
	} else {
		b.subs[taskID] = kept
	}
}

// Subscription is one attached subscriber.
type Subscription struct {
	bus    *Bus
	taskID string
	ch     chan Event
	done   chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

// C is the ordered event channel. It is closed when the subscription is.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscriber and closes C().
func (s *Subscription) Close() {
	s.bus.remove(s.taskID, s)

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

func (s *Subscription) enqueue(event Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, event)
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		var next = s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		// A closed subscription releases a pump blocked on a slow consumer.
		select {
		case s.ch <- next:
		case <-s.done:
			return
		}
	}
}
