package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Emit(b, NotificationDelivered, "u1", Outcome{ID: "n1"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != NotificationDelivered || ev.UserID != "u1" || ev.Time.IsZero() {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: EventProcessed})
	}
	if got := Dropped(b); got != 9 {
		t.Fatalf("dropped=%d want 9", got)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: EventProcessed})
}

func TestEmitNilBus(t *testing.T) {
	t.Parallel()
	Emit(nil, EventProcessed, "u", nil)
}
