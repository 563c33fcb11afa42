package events

import "testing"

func TestPublishFanout(t *testing.T) {
	stream := NewStream[int]("test")
	a := stream.Subscribe()
	b := stream.Subscribe()

	stream.Publish(7)

	if got := <-a.Events(); got != 7 {
		t.Errorf("subscriber a got %d, want 7", got)
	}
	if got := <-b.Events(); got != 7 {
		t.Errorf("subscriber b got %d, want 7", got)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	stream := NewStream[int]("test")
	slow := stream.SubscribeBuffered(1)
	fast := stream.SubscribeBuffered(4)

	stream.Publish(1)
	stream.Publish(2) // dropped for slow

	if got := <-slow.Events(); got != 1 {
		t.Errorf("slow subscriber got %d, want 1", got)
	}
	select {
	case extra := <-slow.Events():
		t.Errorf("slow subscriber got unexpected event %d", extra)
	default:
	}

	if got := <-fast.Events(); got != 1 {
		t.Errorf("fast subscriber got %d, want 1", got)
	}
	if got := <-fast.Events(); got != 2 {
		t.Errorf("fast subscriber got %d, want 2", got)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	stream := NewStream[string]("test")
	sub := stream.Subscribe()
	sub.Cancel()
	sub.Cancel() // idempotent

	stream.Publish("hello")

	if _, ok := <-sub.Events(); ok {
		t.Error("canceled subscription received an event")
	}
}

func TestCloseStream(t *testing.T) {
	stream := NewStream[int]("test")
	sub := stream.Subscribe()
	stream.Close()
	stream.Close() // idempotent

	if _, ok := <-sub.Events(); ok {
		t.Error("subscriber channel not closed")
	}

	stream.Publish(1) // no-op after close

	late := stream.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Error("late subscription channel not closed")
	}
	late.Cancel()
}
