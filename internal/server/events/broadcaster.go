// Package events fans image notifications (demand-map, prune, add,
// remove) out to subscribed HTTP clients as a Server-Sent-Events
// stream, one stream per named image.
//
// Design notes
//
//   - Each subscriber has a dedicated buffered channel of JSON-encoded
//     event frames. A non-blocking send is used so a slow or disconnected
//     client never applies back-pressure to the goroutine driving an
//     Image's Read/Add/Remove calls.
//   - Subscribers are tracked in a sync.Map keyed by a random UUID
//     subscriber ID to allow concurrent reads without a global lock on
//     the hot publish path.
//   - Unsubscribing (via context cancellation, or Close for every
//     subscriber) closes the subscriber's channel so its HTTP handler
//     goroutine exits cleanly.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Notification is one cache-lifecycle event published for an image.
type Notification struct {
	Image     string `json:"image"`
	Kind      string `json:"kind"` // "map", "prune", "add", "remove"
	Filename  string `json:"filename,omitempty"`
	Vaddr     uint64 `json:"vaddr,omitempty"`
	Resident  int    `json:"resident,omitempty"`
	Capacity  int    `json:"capacity,omitempty"`
	Error     string `json:"error,omitempty"`
}

// subscriber is a single registered notification consumer.
type subscriber struct {
	id      string
	image   string
	send    chan []byte
	Dropped atomic.Int64
}

// Broadcaster fans Notification events out to every subscriber
// registered for the matching image name. It is safe for concurrent
// use.
type Broadcaster struct {
	subs    sync.Map // map[string]*subscriber
	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-subscriber
// channel buffer depth; a value <= 0 defaults to 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Subscribe registers a new subscriber for image and returns a
// receive-only channel of JSON-encoded Notification frames. The
// channel is closed when ctx is cancelled or the Broadcaster is closed.
func (b *Broadcaster) Subscribe(ctx context.Context, image string) <-chan []byte {
	s := &subscriber{
		id:    uuid.NewString(),
		image: image,
		send:  make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(s.send)
		return s.send
	}
	b.subs.Store(s.id, s)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.unsubscribe(s.id)
		}()
	}
	return s.send
}

func (b *Broadcaster) unsubscribe(id string) {
	if v, loaded := b.subs.LoadAndDelete(id); loaded {
		close(v.(*subscriber).send)
	}
}

// Publish marshals n and delivers it to every subscriber registered
// for n.Image, using a non-blocking send. A full buffer drops the
// notification and increments that subscriber's Dropped counter.
func (b *Broadcaster) Publish(n Notification) {
	if b.closed.Load() {
		return
	}
	raw, err := json.Marshal(n)
	if err != nil {
		b.logger.Error("events: marshal notification failed", slog.Any("error", err))
		return
	}

	b.subs.Range(func(_, v any) bool {
		s := v.(*subscriber)
		if s.image != n.Image {
			return true
		}
		select {
		case s.send <- raw:
		default:
			s.Dropped.Add(1)
			b.logger.Warn("events: subscriber buffer full, dropping notification",
				slog.String("image", n.Image), slog.String("kind", n.Kind))
		}
		return true
	})
}

// Close unregisters and closes every subscriber channel. After Close
// returns, Publish is a no-op and Subscribe returns a closed channel.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.subs.Range(func(k, v any) bool {
			b.subs.Delete(k)
			close(v.(*subscriber).send)
			return true
		})
	})
}
