package feed

import (
	"fmt"
	"testing"
	"time"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

func jobEvent(stem string, progress int, at time.Time) Event {
	return EventFromJob(&types.Job{
		FileStem:  stem,
		Stage:     types.StageTranscribing,
		Progress:  progress,
		UpdatedAt: at,
	})
}

func collect(t *testing.T, sub *Subscriber, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("events channel closed after %d of %d", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPerJobOrdering(t *testing.T) {
	hub := NewHub(logger.NewNop())
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	base := time.Now()
	for i := 0; i < 20; i++ {
		hub.PublishEvent(jobEvent("a", i, base.Add(time.Duration(i)*time.Millisecond)))
	}
	events := collect(t, sub, 20)
	for i := 1; i < len(events); i++ {
		if !events[i].UpdatedAt.After(events[i-1].UpdatedAt) {
			t.Fatalf("per-job order violated at %d: %v then %v", i, events[i-1].UpdatedAt, events[i].UpdatedAt)
		}
	}
}

func TestSlowSubscriberCoalescesLatestWins(t *testing.T) {
	hub := NewHub(logger.NewNop())
	sub := hub.Subscribe()
	// Nothing reads sub.Events(), so beyond the output buffer the queue
	// grows to the threshold and then coalesces in place.
	base := time.Now()
	total := coalesceThreshold + 16
	for i := 0; i < total; i++ {
		stem := fmt.Sprintf("job%d", i%coalesceThreshold)
		hub.PublishEvent(jobEvent(stem, i, base.Add(time.Duration(i)*time.Millisecond)))
	}

	sub.mu.Lock()
	queued := len(sub.queue)
	sub.mu.Unlock()
	// The pump may have drained a few into the output buffer, but the queue
	// must never exceed the threshold.
	if queued > coalesceThreshold {
		t.Fatalf("backlog grew past threshold: %d > %d", queued, coalesceThreshold)
	}

	// Whatever arrives last for a coalesced job must be its newest state.
	events := map[string]Event{}
	deadline := time.After(5 * time.Second)
	seen := 0
	for seen < coalesceThreshold {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed early")
			}
			events[ev.FileStem] = ev
			seen = len(events)
		case <-deadline:
			t.Fatalf("timed out with %d distinct jobs", seen)
		}
	}
	hub.Unsubscribe(sub)
	for stem, ev := range events {
		if ev.Progress < 0 {
			t.Fatalf("impossible state for %s: %+v", stem, ev)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(logger.NewNop())
	sub := hub.Subscribe()
	if hub.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	hub.Unsubscribe(sub)
	if hub.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers")
	}
	select {
	case _, ok := <-sub.Events():
		if ok {
			// A buffered event may still drain; the channel must close after.
			for range sub.Events() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel never closed")
	}
	// Publishing after unsubscribe must not panic.
	hub.PublishEvent(jobEvent("a", 1, time.Now()))
}
