package events

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBusPublishReachesSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(Event{Kind: KindSnapshotQueued, Volume: "alpha_home", Snapshot: "alpha_home_full_20260101000000"})

	select {
	case ev := <-ch:
		if ev.Kind != KindSnapshotQueued || ev.Volume != "alpha_home" {
			t.Fatalf("got %+v, want a snapshot_queued event for alpha_home", ev)
		}
		if ev.Time.IsZero() {
			t.Errorf("expected Publish to stamp a zero Time with time.Now()")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe()
	unsubscribe()

	b.Publish(Event{Kind: KindError, Err: "boom"})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus()
	_, unsubscribe := b.Subscribe() // never drained
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish(Event{Kind: KindSnapshotDone})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestServeHTTPStreamsEventsToWatcher(t *testing.T) {
	b := NewBus()
	server := httptest.NewServer(b)
	defer server.Close()

	addr := "ws" + strings.TrimPrefix(server.URL, "http")

	received := make(chan Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = Watch(ctx, addr, func(ev Event) {
			received <- ev
		})
	}()

	// Give the watcher a moment to dial and subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for b.subscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	b.Publish(Event{Kind: KindSessionFinished, Peer: "beta"})

	select {
	case ev := <-received:
		if ev.Kind != KindSessionFinished || ev.Peer != "beta" {
			t.Fatalf("got %+v, want session_finished from beta", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event over websocket")
	}

	cancel()
	wg.Wait()
}
