package eventbus

import (
	"sync"
	"testing"

	"github.com/guardian-av/guardian/internal/channelid"
)

func TestPublishFanOut(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	var got []Payload
	b.Subscribe(func(p Payload) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p)
	})
	b.Subscribe(func(p Payload) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p)
	})

	id := channelid.New(channelid.TypeVideo, "lobby")
	b.Publish(NewPayload(DetectorMotion, id, SeverityWarning, "motion", nil))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(got))
	}
}

func TestPublishIsolatesPanickingListener(t *testing.T) {
	b := New(nil)

	delivered := false
	b.Subscribe(func(Payload) { panic("listener blew up") })
	b.Subscribe(func(Payload) { delivered = true })

	id := channelid.New(channelid.TypeVideo, "lobby")
	b.Publish(NewPayload(DetectorMotion, id, SeverityWarning, "motion", nil))

	if !delivered {
		t.Fatal("second listener should still have been delivered to")
	}
	if b.ListenerErrorCount(0) != 1 {
		t.Fatalf("got error count %d, want 1", b.ListenerErrorCount(0))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	count := 0
	unsub := b.Subscribe(func(Payload) { count++ })
	unsub()

	id := channelid.New(channelid.TypeVideo, "lobby")
	b.Publish(NewPayload(DetectorMotion, id, SeverityWarning, "motion", nil))

	if count != 0 {
		t.Fatalf("got %d deliveries after unsubscribe, want 0", count)
	}
}
