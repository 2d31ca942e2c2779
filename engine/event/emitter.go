package event

// Emitter receives every event published to a Bus, after sequencing.
//
// Emitters enable pluggable observability backends:
//   - Logging: LogEmitter (zerolog console or JSON)
//   - Distributed tracing: OTelEmitter
//   - Persistence: the engine attaches an emitter that appends to the
//     workflow log store
//   - Test capture: Buffered
//
// Implementations must be:
//   - Thread-safe: events from different workflows arrive concurrently
//   - Resilient: an emitter failure must never reach the publisher;
//     handle errors internally
//
// Emit must not panic and must not block for long; slow backends should
// buffer or drop internally.
type Emitter interface {
	Emit(e Event)
}
