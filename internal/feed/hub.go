package feed

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

// Event is one job-update notification. Subscribers deduplicate on
// (FileStem, UpdatedAt); per-job UpdatedAt values are strictly increasing.
type Event struct {
	FileStem  string      `json:"file_stem"`
	Stage     types.Stage `json:"stage"`
	Status    string      `json:"status"`
	Progress  int         `json:"progress"`
	UpdatedAt time.Time   `json:"updated_at"`
	Job       *types.Job  `json:"job,omitempty"`
}

func EventFromJob(j *types.Job) Event {
	return Event{
		FileStem:  j.FileStem,
		Stage:     j.Stage,
		Status:    j.Status,
		Progress:  j.Progress,
		UpdatedAt: j.UpdatedAt,
		Job:       j,
	}
}

// coalesceThreshold is the per-subscriber backlog size past which older
// events for the same job are replaced in place (latest wins) instead of
// queued. Per-job ordering survives; only intermediate states are dropped.
const coalesceThreshold = 64

type Subscriber struct {
	ID uuid.UUID

	mu     sync.Mutex
	queue  []Event
	byStem map[string]int
	closed bool

	notify chan struct{}
	done   chan struct{}
	out    chan Event
}

// Events is the subscriber's read side. Closed on Unsubscribe.
func (s *Subscriber) Events() <-chan Event { return s.out }

func (s *Subscriber) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= coalesceThreshold {
		if idx, ok := s.byStem[ev.FileStem]; ok {
			s.queue[idx] = ev
			s.signal()
			return
		}
	}
	s.byStem[ev.FileStem] = len(s.queue)
	s.queue = append(s.queue, ev)
	s.signal()
}

func (s *Subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.byStem, ev.FileStem)
	// Reindex the shifted tail.
	for i, e := range s.queue {
		if _, ok := s.byStem[e.FileStem]; ok {
			s.byStem[e.FileStem] = i
		}
	}
	return ev, true
}

func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		ev, ok := s.pop()
		if !ok {
			select {
			case <-s.done:
				return
			case <-s.notify:
				continue
			}
		}
		select {
		case <-s.done:
			return
		case s.out <- ev:
		}
	}
}

// Hub fans job-update events out to subscribers. Delivery is at-least-once
// with per-job ordering equal to store write order; a slow subscriber gets
// coalesced rather than unbounded buffering.
type Hub struct {
	mu   sync.RWMutex
	log  *logger.Logger
	subs map[uuid.UUID]*Subscriber
}

func NewHub(baseLog *logger.Logger) *Hub {
	return &Hub{
		log:  baseLog.With("component", "ChangeFeed"),
		subs: map[uuid.UUID]*Subscriber{},
	}
}

func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:     uuid.New(),
		byStem: map[string]int{},
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event, 8),
	}
	go sub.pump()
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	h.log.Debug("change feed subscriber added", "subscriber_id", sub.ID)
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs, sub.ID)
	h.mu.Unlock()

	sub.mu.Lock()
	alreadyClosed := sub.closed
	sub.closed = true
	sub.mu.Unlock()
	if !alreadyClosed {
		close(sub.done)
	}
	h.log.Debug("change feed subscriber removed", "subscriber_id", sub.ID)
}

// Publish delivers a job update to every subscriber. Wired to Store.OnChange.
func (h *Hub) Publish(job *types.Job) {
	ev := EventFromJob(job)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.push(ev)
	}
}

// PublishEvent delivers a pre-built event, e.g. one forwarded from the
// cross-process bus.
func (h *Hub) PublishEvent(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.push(ev)
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
