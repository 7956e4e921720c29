package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tracedmem/ptimage/internal/server/events"
)

func TestPublishDeliversToMatchingImageOnly(t *testing.T) {
	bc := events.NewBroadcaster(nil, 4)
	defer bc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chA := bc.Subscribe(ctx, "a")
	chB := bc.Subscribe(ctx, "b")

	bc.Publish(events.Notification{Image: "a", Kind: "add", Filename: "/bin/a"})

	select {
	case raw := <-chA:
		var n events.Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if n.Filename != "/bin/a" {
			t.Errorf("Filename = %q, want /bin/a", n.Filename)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification on chA")
	}

	select {
	case <-chB:
		t.Fatal("subscriber for image b should not have received a's notification")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeOnContextCancel(t *testing.T) {
	bc := events.NewBroadcaster(nil, 1)
	defer bc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := bc.Subscribe(ctx, "a")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after context cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	bc := events.NewBroadcaster(nil, 1)
	ch := bc.Subscribe(context.Background(), "a")
	bc.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	// Publish after Close must be a harmless no-op.
	bc.Publish(events.Notification{Image: "a", Kind: "add"})
}

func TestDroppedCounterOnFullBuffer(t *testing.T) {
	bc := events.NewBroadcaster(nil, 1)
	defer bc.Close()

	ch := bc.Subscribe(context.Background(), "a")
	bc.Publish(events.Notification{Image: "a", Kind: "add"})
	bc.Publish(events.Notification{Image: "a", Kind: "remove"}) // buffer full, dropped

	<-ch // drain the first
}
