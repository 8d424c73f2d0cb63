// Package events fans ledger, queue and scheduler activity out to in-process
// subscribers such as the admin API's SSE stream.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types. The prefix before the dot is the topic subscribers filter on.
const (
	TypeEventReceived    = "webhook.received"
	TypeEventProcessing  = "webhook.processing"
	TypeEventCompleted   = "webhook.completed"
	TypeEventRetrying    = "webhook.retrying"
	TypeEventFailed      = "webhook.failed"
	TypeEventReaped      = "webhook.reaped"
	TypeJobEnqueued      = "job.enqueued"
	TypeJobFailed        = "job.failed"
	TypeSchedulerTick    = "scheduler.tick"
	TypeSchedulerRetried = "scheduler.retried"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Transition is the payload published for ledger status changes.
type Transition struct {
	ID         string `json:"id"`
	Provider   string `json:"provider"`
	EventID    string `json:"event_id"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Publisher is the write side of the hub.
type Publisher interface {
	Publish(eventType string, data any)
}

// Filter selects events by exact type ("webhook.failed") or by topic
// ("webhook"). An empty filter matches everything.
type Filter []string

// ParseFilter splits a comma separated list, dropping blanks.
func ParseFilter(s string) Filter {
	var f Filter
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			f = append(f, part)
		}
	}
	return f
}

func (f Filter) Match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	topic, _, _ := strings.Cut(eventType, ".")
	for _, want := range f {
		if want == eventType || want == topic {
			return true
		}
	}
	return false
}

// Subscription receives matching events on C until Close is called.
type Subscription struct {
	C <-chan Event

	hub     *Hub
	id      int
	ch      chan Event
	filter  Filter
	dropped atomic.Int64
	once    sync.Once
}

// Dropped is the number of events skipped because C was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

// Hub is an in-memory pub/sub that keeps the newest events for replay.
// A nil *Hub discards everything.
type Hub struct {
	nextID  atomic.Int64
	backlog int

	mu      sync.Mutex
	recent  []Event
	subs    map[int]*Subscription
	nextSub int
}

// NewHub keeps up to backlog events for late subscribers.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = 100
	}
	return &Hub{
		backlog: backlog,
		recent:  make([]Event, 0, backlog),
		subs:    make(map[int]*Subscription),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{ID: h.nextID.Add(1), Type: eventType, At: time.Now().UTC(), Data: payload}
	if len(h.recent) == h.backlog {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:len(h.recent)-1]
	}
	h.recent = append(h.recent, ev)

	for _, sub := range h.subs {
		if !sub.filter.Match(eventType) {
			continue
		}
		// A slow reader loses events rather than stalling the ledger.
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscription for events matching filter.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 128)
	sub := &Subscription{C: ch, hub: h, id: h.nextSub, ch: ch, filter: filter}
	h.subs[sub.id] = sub
	h.nextSub++
	return sub
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns retained events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	return h.Replay(lastID, nil)
}

// Replay is SnapshotSince restricted to events matching filter.
func (h *Hub) Replay(lastID int64, filter Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.recent))
	for _, ev := range h.recent {
		if ev.ID > lastID && filter.Match(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}
