package event

// NullEmitter discards all events.
//
// Useful for benchmarks and for disabling an emitter slot without
// changing wiring code.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
