package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(EventBeamTerminal, func(e Event) { received <- e })

	bus.Publish(Event{Type: EventBeamTerminal, CaseID: "c1", BeamID: "c1_b1", Status: "completed"})

	select {
	case e := <-received:
		assert.Equal(t, "c1_b1", e.BeamID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribersOnlySeeTheirType(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var got []EventType
	bus.Subscribe(EventCaseTerminal, func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})

	bus.Publish(Event{Type: EventBeamTerminal, BeamID: "c1_b1"})
	bus.Publish(Event{Type: EventCaseTerminal, CaseID: "c1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, EventCaseTerminal, got[0])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 10)
	unsubscribe := bus.Subscribe(EventBeamTerminal, func(e Event) { received <- e })
	unsubscribe()

	bus.Publish(Event{Type: EventBeamTerminal, BeamID: "c1_b1"})

	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPanickingSubscriberDoesNotKillBus(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	bus.Subscribe(EventBeamTerminal, func(e Event) { panic("boom") })
	healthy := make(chan Event, 1)
	bus.Subscribe(EventBeamTerminal, func(e Event) { healthy <- e })

	bus.Publish(Event{Type: EventBeamTerminal, BeamID: "c1_b1"})

	select {
	case <-healthy:
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber never received event")
	}
}
