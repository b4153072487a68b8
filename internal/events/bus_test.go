package events

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(Event{Kind: RoomEvicted, AccountID: "acc-1", RoomID: "r2", Message: "room ended"})

	for _, ch := range []<-chan Event{a, b} {
		e := receive(t, ch)
		if e.Kind != RoomEvicted || e.RoomID != "r2" {
			t.Errorf("unexpected event %+v", e)
		}
		if e.ID == "" || e.At.IsZero() {
			t.Errorf("expected ID and At to be filled, got %+v", e)
		}
	}
}

func TestFullSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(Event{Kind: PollCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := bus.Dropped(); got != 4 {
		t.Errorf("expected 4 dropped deliveries, got %d", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	bus.Publish(Event{Kind: RoomAdded})
}
