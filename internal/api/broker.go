package api

import (
	"sync"
)

// SSEEvent is one progress or lifecycle event of a run.
type SSEEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Progress event types.
const (
	EventGeneration = "generation"
	EventRunStarted = "run.started"
)

type EventBroker interface {
	Subscribe(runID string) chan SSEEvent
	Unsubscribe(runID string, ch chan SSEEvent)
	Publish(runID string, evt SSEEvent)
	// Last returns the most recent event published for runID. It may be
	// missing once the run has ended.
	Last(runID string) (SSEEvent, bool)
}

// Broker fans events out to in-process subscribers. Slow subscribers miss events.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // runId -> set of channels
	last map[string]SSEEvent
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}, last: map[string]SSEEvent{}}
}

func (b *Broker) Subscribe(runID string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(runID string, ch chan SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[runID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, runID)
	}
	close(ch)
}

// Publish delivers evt to the current subscribers of runID. A terminal event
// is not retained; late subscribers read the outcome from the run store.
func (b *Broker) Publish(runID string, evt SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if terminalEvent(evt.Type) {
		delete(b.last, runID)
	} else {
		b.last[runID] = evt
	}
	for ch := range b.subs[runID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *Broker) Last(runID string) (SSEEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt, ok := b.last[runID]
	return evt, ok
}
