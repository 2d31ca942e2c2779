package event

import "sync"

// Buffered is an emitter that captures events in memory.
//
// Intended for tests and demos that assert on emitted event sequences.
// All methods return copies, so callers cannot mutate captured history.
type Buffered struct {
	mu     sync.Mutex
	events []Event
}

// NewBuffered creates an empty capture buffer.
func NewBuffered() *Buffered {
	return &Buffered{}
}

// Emit records the event.
func (b *Buffered) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

// All returns every captured event in emission order.
func (b *Buffered) All() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// ForWorkflow returns captured events for one workflow in emission order.
func (b *Buffered) ForWorkflow(workflowID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.events {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out
}

// OfType returns captured events matching the type, in emission order.
func (b *Buffered) OfType(t Type) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards captured history.
func (b *Buffered) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}
