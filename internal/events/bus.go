// Package events provides a non-blocking publish/subscribe bus for workflow
// progress. The aggregator listens for beam terminal events; the status CLI
// and log sinks can subscribe without slowing the dispatch path.
package events

import (
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	// EventCaseDiscovered is published when a new case directory is accepted.
	EventCaseDiscovered EventType = "case_discovered"
	// EventBeamPhaseChanged is published on every beam phase transition.
	EventBeamPhaseChanged EventType = "beam_phase_changed"
	// EventBeamTerminal is published when a beam reaches completed or failed.
	EventBeamTerminal EventType = "beam_terminal"
	// EventCaseTerminal is published when the aggregator settles a case.
	EventCaseTerminal EventType = "case_terminal"
)

// Event carries the identifiers a subscriber needs to react; subscribers
// needing more load it from the repository.
type Event struct {
	Type      EventType
	Timestamp time.Time
	CaseID    string
	BeamID    string
	Phase     string
	Status    string
	Detail    string
}

// Subscriber receives events asynchronously.
type Subscriber func(Event)

// Bus delivers events to subscribers over buffered channels. Publish never
// blocks: a subscriber that cannot keep up loses events rather than stalling
// beam processing.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
// fn runs on its own goroutine; a panic in one subscriber never disrupts the
// bus or other subscribers.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends event to every subscriber of its type, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels and drops all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
