package sse

import (
	"testing"

	"github.com/google/uuid"

	"github.com/atenova/sintesi/internal/platform/logger"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewHub(log)
}

func TestHubDeliversToSubscriber(t *testing.T) {
	hub := newTestHub(t)
	userID := uuid.New()

	events, unsubscribe := hub.Subscribe(userID)
	defer unsubscribe()

	hub.Publish(userID, Event{Type: "batch_progress", Data: "payload"})

	select {
	case got := <-events:
		if got.Type != "batch_progress" || got.Data != "payload" {
			t.Errorf("got %+v", got)
		}
	default:
		t.Fatal("event was not delivered")
	}
}

func TestHubIsolatesUsers(t *testing.T) {
	hub := newTestHub(t)
	alice, bob := uuid.New(), uuid.New()

	aliceEvents, unsubA := hub.Subscribe(alice)
	defer unsubA()
	bobEvents, unsubB := hub.Subscribe(bob)
	defer unsubB()

	hub.Publish(alice, Event{Type: "batch_progress"})

	select {
	case <-aliceEvents:
	default:
		t.Error("alice should receive her event")
	}
	select {
	case <-bobEvents:
		t.Error("bob must not see alice's event")
	default:
	}
}

func TestHubDropsForSlowConsumer(t *testing.T) {
	hub := newTestHub(t)
	userID := uuid.New()

	_, unsubscribe := hub.Subscribe(userID)
	defer unsubscribe()

	// Overfill the buffer; Publish must not block.
	for i := 0; i < subscriberBuffer*2; i++ {
		hub.Publish(userID, Event{Type: "batch_progress", Data: i})
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := newTestHub(t)
	userID := uuid.New()

	events, unsubscribe := hub.Subscribe(userID)
	unsubscribe()

	// Publishing after unsubscribe must not panic on the closed channel.
	hub.Publish(userID, Event{Type: "batch_progress"})

	if _, ok := <-events; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}
