package event

import (
	"sync"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePriceTick
	EventTypeTradeOpened
	EventTypeTradeSettled
	EventTypeTradeCancelled
	EventTypeTradeNeedsManual
	EventTypeRequestCreated
	EventTypeRequestDecided
	EventTypeBalanceConverted
)

// Event is the interface all event payloads implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key. Outbound it becomes the
	// Nats-Msg-Id header.
	IdempotencyKey() string

	EventType() EventType
}

// Envelope is the outbound wire form of an event.
type Envelope struct {
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	OccurredAt     time.Time `json:"occurred_at"`
	Payload        Event     `json:"payload"`
}

// Wrap builds the envelope for e.
func Wrap(e Event, at time.Time) Envelope {
	return Envelope{
		EventType:      e.EventType().String(),
		IdempotencyKey: e.IdempotencyKey(),
		OccurredAt:     at.UTC(),
		Payload:        e,
	}
}

// Sink accepts events after the change they describe has committed.
// Emit must not block the caller.
type Sink interface {
	Emit(e Event)
}

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event.
var Discard Sink = discard{}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

func (et EventType) String() string {
	switch et {
	case EventTypePriceTick:
		return "PriceTick"
	case EventTypeTradeOpened:
		return "TradeOpened"
	case EventTypeTradeSettled:
		return "TradeSettled"
	case EventTypeTradeCancelled:
		return "TradeCancelled"
	case EventTypeTradeNeedsManual:
		return "TradeNeedsManual"
	case EventTypeRequestCreated:
		return "RequestCreated"
	case EventTypeRequestDecided:
		return "RequestDecided"
	case EventTypeBalanceConverted:
		return "BalanceConverted"
	default:
		return "Unknown"
	}
}

// Subject is the NATS subject suffix, e.g. "trade.settled".
func (et EventType) Subject() string {
	switch et {
	case EventTypePriceTick:
		return "price.tick"
	case EventTypeTradeOpened:
		return "trade.opened"
	case EventTypeTradeSettled:
		return "trade.settled"
	case EventTypeTradeCancelled:
		return "trade.cancelled"
	case EventTypeTradeNeedsManual:
		return "trade.needs_manual"
	case EventTypeRequestCreated:
		return "request.created"
	case EventTypeRequestDecided:
		return "request.decided"
	case EventTypeBalanceConverted:
		return "balance.converted"
	default:
		return "unknown"
	}
}
