package margin

import (
	"math/big"
	"sync"
	"time"
)

// EventType identifies a domain event.
type EventType string

const (
	EventDeposit            EventType = "deposit"
	EventWithdraw           EventType = "withdraw"
	EventPositionOpened     EventType = "position_opened"
	EventPositionClosed     EventType = "position_closed"
	EventPositionLiquidated EventType = "position_liquidated"
)

// Event is one entry of the append-only domain log. Ordering follows
// operation order; no other guarantee is made.
type Event struct {
	Sequence  uint64                 `json:"sequence"`
	Type      EventType              `json:"type"`
	Account   string                 `json:"account"`
	Asset     string                 `json:"asset,omitempty"`
	Amount    *big.Int               `json:"amount,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// EventLog is an append-only domain log with a best-effort broadcast
// feed. Appends never block: a subscriber that falls behind misses
// events rather than stalling the ledger.
type EventLog struct {
	mu     sync.RWMutex
	events []Event
	subs   []chan Event
	seq    uint64
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Append records an event and fans it out to subscribers.
func (l *EventLog) Append(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev.Sequence = l.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	l.events = append(l.events, ev)

	for _, sub := range l.subs {
		select {
		case sub <- ev:
		default:
			// Subscriber is full
		}
	}
}

// Subscribe returns a buffered feed of future events.
func (l *EventLog) Subscribe() <-chan Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan Event, 256)
	l.subs = append(l.subs, ch)
	return ch
}

// List returns up to limit most recent events, oldest first.
// limit <= 0 returns everything.
func (l *EventLog) List(limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Len returns the number of recorded events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
