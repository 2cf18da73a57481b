package eventbus

import (
	"testing"
	"time"

	"xconnect/pkg/xctype"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(nil)
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	evt := xctype.Event{Type: xctype.EventTrade, Venue: "kraken"}
	b.Publish(evt)

	select {
	case got := <-s1.Events():
		if got.Type != xctype.EventTrade {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on s1")
	}
	select {
	case got := <-s2.Events():
		if got.Venue != "kraken" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on s2")
	}
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	b := New(nil)
	s := b.Subscribe()
	s.Unsubscribe()

	if b.SubscriberCount() != 0 {
		t.Fatalf("got %d subscribers, want 0", b.SubscriberCount())
	}
	if _, ok := <-s.Events(); ok {
		t.Fatal("expected channel to be closed")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(nil)
	s := b.Subscribe()
	s.Unsubscribe()
	s.Unsubscribe() // must not panic on double-close
}

func TestPublishDropsOldestWhenBufferFull(t *testing.T) {
	b := New(nil)
	s := b.Subscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(xctype.Event{Type: xctype.EventTicker})
	}

	count := 0
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				t.Fatal("channel closed unexpectedly")
			}
			count++
		default:
			if count != subscriberBuffer {
				t.Fatalf("got %d buffered events, want %d", count, subscriberBuffer)
			}
			return
		}
	}
}

func TestCloseUnsubscribesEveryone(t *testing.T) {
	b := New(nil)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	b.Close()

	if _, ok := <-s1.Events(); ok {
		t.Fatal("expected s1 channel closed")
	}
	if _, ok := <-s2.Events(); ok {
		t.Fatal("expected s2 channel closed")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("got %d subscribers after Close, want 0", b.SubscriberCount())
	}
}
