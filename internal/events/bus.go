// Package events is the fire-and-forget sink for meaningful decision
// transitions. Consumers (the status API, the JSON event log) subscribe
// to topics; slow consumers are dropped rather than allowed to stall a
// trading cycle.
package events

import (
	"sync"
	"time"
)

// Event enumerates the decision-cycle topics.
type Event string

const (
	EventSignalGenerated Event = "signal.generated"
	EventOrderPlaced     Event = "order.placed"
	EventOrderRejected   Event = "order.rejected"
	EventTradeClosed     Event = "trade.closed"
	EventStopsUpdated    Event = "trade.stops_updated"
	EventSymbolSkipped   Event = "symbol.skipped"
	EventCycleFinished   Event = "cycle.finished"
)

// Record is the structured payload published on every topic.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Symbol    string         `json:"symbol"`
	Strategy  string         `json:"strategy,omitempty"`
	Decision  string         `json:"decision"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Record
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Record)}
}

// Subscribe registers a listener for an event and returns the channel
// and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Record, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Record, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fans the record out to subscribers without blocking. A full
// subscriber buffer drops the record.
func (b *Bus) Publish(e Event, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- rec:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}
