package talkwire

import "testing"

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	b := newBroadcaster(4, func(string, map[string]any) {})
	a := b.subscribe()
	c := b.subscribe()
	defer a.Cancel()
	defer c.Cancel()

	b.publish(Typing{ChatID: "c1", UserID: "u1", IsTyping: true})

	for _, sub := range []*Subscription{a, c} {
		select {
		case ev := <-sub.C():
			if _, ok := ev.(Typing); !ok {
				t.Fatalf("unexpected event: %#v", ev)
			}
		default:
			t.Fatalf("event not delivered")
		}
	}
}

func TestBroadcastDropsOldestOnOverflow(t *testing.T) {
	warned := 0
	b := newBroadcaster(2, func(string, map[string]any) { warned++ })
	sub := b.subscribe()
	defer sub.Cancel()

	b.publish(Presence{UserID: "u1"})
	b.publish(Presence{UserID: "u2"})
	b.publish(Presence{UserID: "u3"}) // overflows, u1 is dropped

	if warned != 1 {
		t.Fatalf("warned = %d, want 1", warned)
	}
	got := []string{}
	for len(sub.C()) > 0 {
		got = append(got, (<-sub.C()).(Presence).UserID)
	}
	if len(got) != 2 || got[0] != "u2" || got[1] != "u3" {
		t.Fatalf("buffered events = %v, want [u2 u3]", got)
	}
}

func TestBroadcastCancelClosesChannel(t *testing.T) {
	b := newBroadcaster(2, func(string, map[string]any) {})
	sub := b.subscribe()
	sub.Cancel()
	sub.Cancel() // idempotent

	if _, ok := <-sub.C(); ok {
		t.Fatalf("channel should be closed")
	}

	// Publishing after cancel must not panic or deliver.
	b.publish(Presence{UserID: "u1"})
}

func TestBroadcastSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b := newBroadcaster(1, func(string, map[string]any) {})
	slow := b.subscribe()
	fast := b.subscribe()
	defer slow.Cancel()
	defer fast.Cancel()

	b.publish(Presence{UserID: "u1"})
	<-fast.C()
	b.publish(Presence{UserID: "u2"}) // slow overflows here

	select {
	case ev := <-fast.C():
		if ev.(Presence).UserID != "u2" {
			t.Fatalf("unexpected event: %#v", ev)
		}
	default:
		t.Fatalf("fast subscriber starved")
	}
	if ev := <-slow.C(); ev.(Presence).UserID != "u2" {
		t.Fatalf("slow subscriber should hold the newest event, got %#v", ev)
	}
}
