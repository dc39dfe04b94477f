package events

import (
	"sync"
	"testing"
	"time"
)

func TestHubRingBufferKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeSessionUpdated, "s1", map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0, "")
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snap))
	}
	if snap[0].ID != 3 || snap[2].ID != 5 {
		t.Fatalf("unexpected ids: %d..%d", snap[0].ID, snap[2].ID)
	}
	if got := h.SnapshotSince(4, ""); len(got) != 1 || got[0].ID != 5 {
		t.Fatalf("SnapshotSince(4) = %+v", got)
	}
}

func TestHubSessionFilter(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe("s2")
	defer cancel()

	h.Publish(TypeSessionUpdated, "s1", nil)
	h.Publish(TypeSessionUpdated, "s2", nil)

	select {
	case ev := <-ch:
		if ev.SessionID != "s2" {
			t.Fatalf("got event for %q", ev.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}

	if got := h.SnapshotSince(0, "s1"); len(got) != 1 {
		t.Fatalf("filtered snapshot len = %d, want 1", len(got))
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("")
	if h.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", h.Subscribers())
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d after cancel", h.Subscribers())
	}
	// Publishing with no subscribers must not block.
	h.Publish(TypeSessionZombieSuspect, "s1", nil)
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(8)
	_, cancel := h.Subscribe("")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(TypeSessionUpdated, "s1", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHubConcurrentPublishKeepsIDOrder(t *testing.T) {
	const publishers, perPublisher = 8, 8
	h := NewHub(128)
	ch, cancel := h.Subscribe("")
	defer cancel()

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				h.Publish(TypeSessionUpdated, "s1", nil)
			}
		}()
	}
	wg.Wait()

	var last int64
	for i := 0; i < publishers*perPublisher; i++ {
		select {
		case ev := <-ch:
			if ev.ID <= last {
				t.Fatalf("event %d arrived after %d", ev.ID, last)
			}
			last = ev.ID
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", i)
		}
	}

	snap := h.SnapshotSince(0, "")
	if len(snap) != publishers*perPublisher {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].ID <= snap[i-1].ID {
			t.Fatalf("ring out of order at %d: %d after %d", i, snap[i].ID, snap[i-1].ID)
		}
	}
}
