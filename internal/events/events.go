// Package events implements an in-process broadcast bus of replication
// progress, exposed over a websocket endpoint for a live operator view —
// the remote-observable analogue of the per-snapshot queue/completion
// lines a sending client prints to its own stdout.
package events

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"k8s.io/klog/v2"
)

// Kind distinguishes the stages of a session a subscriber may care about.
type Kind string

const (
	KindSessionStarted  Kind = "session_started"
	KindSnapshotQueued  Kind = "snapshot_queued"
	KindSnapshotDone    Kind = "snapshot_done"
	KindSessionFinished Kind = "session_finished"
	KindError           Kind = "error"
)

// Event is one line of a session's progress feed.
type Event struct {
	Kind     Kind      `json:"kind"`
	Peer     string    `json:"peer,omitempty"`
	Volume   string    `json:"volume,omitempty"`
	Snapshot string    `json:"snapshot,omitempty"`
	Bytes    int64     `json:"bytes,omitempty"`
	Err      string    `json:"err,omitempty"`
	Time     time.Time `json:"time"`
}

// subscriberBuffer bounds how many unconsumed Events a slow subscriber may
// queue before further publishes to it are dropped.
const subscriberBuffer = 32

// Bus fans out Events to any number of subscribers. The zero value is not
// usable; construct with NewBus.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBus builds an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish fans ev out to every current subscriber. A subscriber whose
// buffer is full is skipped for this event rather than blocking the
// publisher — the feed is best-effort, not a replicated log.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			klog.V(4).Infof("events: dropping event for a slow subscriber: %+v", ev)
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function the caller must call exactly once when done.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// subscriberCount reports the current number of live subscribers. It exists
// for tests that need to wait for a watcher to finish dialing and
// subscribing before publishing.
func (b *Bus) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// ServeHTTP upgrades the request to a websocket connection and streams
// every Event published after the upgrade as JSON until the client
// disconnects or the request context is canceled.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		klog.Warningf("events: accepting websocket from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.CloseNow()

	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "watcher disconnected")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				klog.V(4).Infof("events: writing to %s: %v", r.RemoteAddr, err)
				return
			}
		}
	}
}

// Watch dials a running node's live feed at addr and invokes onEvent for
// every Event received until ctx is canceled or the connection drops.
func Watch(ctx context.Context, addr string, onEvent func(Event)) error {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("events: dialing %s: %w", addr, err)
	}
	defer conn.CloseNow()

	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return fmt.Errorf("events: reading from %s: %w", addr, err)
		}
		onEvent(ev)
	}
}
