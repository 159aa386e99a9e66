package events

import "testing"

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(EventSignalAccepted, 4)
	b, unsubB := bus.Subscribe(EventSignalAccepted, 4)
	defer unsubA()
	defer unsubB()

	bus.Publish(EventSignalAccepted, "payload")

	if got := <-a; got != "payload" {
		t.Fatalf("subscriber a got %v", got)
	}
	if got := <-b; got != "payload" {
		t.Fatalf("subscriber b got %v", got)
	}
}

func TestPublishIsScopedToTopic(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventTradeClosed, 1)
	defer unsub()

	bus.Publish(EventSignalAccepted, "other topic")

	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery: %v", got)
	default:
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	slow, unsub := bus.Subscribe(EventSignalAccepted, 1)
	defer unsub()

	// Buffer of one: the second publish must drop, not block.
	bus.Publish(EventSignalAccepted, 1)
	bus.Publish(EventSignalAccepted, 2)

	if got := <-slow; got != 1 {
		t.Fatalf("got %v, want first payload", got)
	}
	select {
	case got := <-slow:
		t.Fatalf("dropped payload was delivered: %v", got)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventSignalAccepted, 1)
	unsub()

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(EventSignalAccepted, "late")
}

func TestCloseShutsDownEverySubscription(t *testing.T) {
	bus := NewBus()
	a, _ := bus.Subscribe(EventSignalAccepted, 1)
	b, _ := bus.Subscribe(EventTradeClosed, 1)

	bus.Close()

	if _, ok := <-a; ok {
		t.Fatalf("subscription a still open")
	}
	if _, ok := <-b; ok {
		t.Fatalf("subscription b still open")
	}
}
