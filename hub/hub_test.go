package hub

import (
	"testing"
	"time"
)

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before a message arrived")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message")
	}
	panic("unreachable")
}

func TestHubDeliversToKeySubscribers(t *testing.T) {
	t.Parallel()

	h := New[string](4, false)
	defer h.Close()

	ch := h.Subscribe("cam-1")
	h.Publish("cam-1", "hello")
	if got := receive(t, ch); got != "hello" {
		t.Fatalf("got %q", got)
	}

	// Other keys are not delivered to.
	h.Publish("cam-2", "not for you")
	select {
	case msg := <-ch:
		t.Fatalf("unexpected delivery: %q", msg)
	default:
	}
}

func TestHubBroadcastFanOut(t *testing.T) {
	t.Parallel()

	h := New[string](4, true)
	defer h.Close()

	direct := h.Subscribe("cam-1")
	all := h.Subscribe(BroadcastKey)

	h.Publish("cam-1", "event")
	if got := receive(t, direct); got != "event" {
		t.Fatalf("direct subscriber got %q", got)
	}
	if got := receive(t, all); got != "event" {
		t.Fatalf("broadcast subscriber got %q", got)
	}
}

func TestHubWithoutFanOutSkipsBroadcastKey(t *testing.T) {
	t.Parallel()

	h := New[string](4, false)
	defer h.Close()

	all := h.Subscribe(BroadcastKey)
	h.Publish("cam-1", "event")

	select {
	case msg := <-all:
		t.Fatalf("broadcast subscriber should see nothing, got %q", msg)
	default:
	}
}

func TestHubDropsOldestWhenQueueFull(t *testing.T) {
	t.Parallel()

	h := New[int](2, false)
	defer h.Close()

	ch := h.Subscribe("cam-1")
	h.Publish("cam-1", 1)
	h.Publish("cam-1", 2)
	h.Publish("cam-1", 3)

	if got := receive(t, ch); got != 2 {
		t.Fatalf("oldest event should have been dropped, first read = %d", got)
	}
	if got := receive(t, ch); got != 3 {
		t.Fatalf("second read = %d, want 3", got)
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	h := New[string](4, false)
	defer h.Close()

	ch := h.Subscribe("cam-1")
	h.Unsubscribe("cam-1", ch)

	if _, ok := <-ch; ok {
		t.Fatal("unsubscribed channel should be closed")
	}
	// Publishing afterwards must not panic.
	h.Publish("cam-1", "late")
}

func TestHubCloseWakesSubscribers(t *testing.T) {
	t.Parallel()

	h := New[string](4, false)
	ch := h.Subscribe("cam-1")

	h.Close()
	if _, ok := <-ch; ok {
		t.Fatal("Close should close subscriber channels")
	}

	// Subscribing after Close yields an already-closed channel.
	late := h.Subscribe("cam-1")
	if _, ok := <-late; ok {
		t.Fatal("subscription on a closed hub should be closed immediately")
	}

	// Idempotent.
	h.Close()
	h.Publish("cam-1", "ignored")
}
