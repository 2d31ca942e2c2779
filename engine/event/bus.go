package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus sizing defaults.
const (
	// DefaultRingSize is the number of recent events retained per
	// workflow for backfill.
	DefaultRingSize = 1024

	// DefaultSubscriberBuffer is the number of undelivered events a
	// subscription may accumulate before it is considered lagged.
	DefaultSubscriberBuffer = 256

	// DefaultSendTimeout bounds how long delivery to a subscriber may
	// block once its buffer has been drained into the channel.
	DefaultSendTimeout = 1 * time.Second
)

// AllWorkflows subscribes to events from every workflow.
const AllWorkflows = "*"

// Bus is the in-process event bus.
//
// Publish assigns each event a per-workflow monotonic, gapless sequence
// under a per-workflow lock, appends it to that workflow's bounded ring,
// fans it out to matching subscriptions, and tees it to attached emitters.
//
// Guarantees:
//   - Per-workflow FIFO delivery to every subscriber.
//   - Publish never fails and never blocks indefinitely: a subscriber that
//     cannot keep up is sent a subscription_lagged sentinel and
//     disconnected; other subscribers and the ring are unaffected.
//   - No ordering across workflows.
//
// All methods are safe for concurrent use. Sequencing assumes events for
// one workflow are published from a single goroutine, which the engine
// guarantees (workflow execution is single-threaded per workflow).
type Bus struct {
	ringSize    int
	subBuffer   int
	sendTimeout time.Duration
	idleTimeout time.Duration
	emitters    []Emitter

	mu      sync.RWMutex
	streams map[string]*stream
	subs    map[uint64]*Subscription
	nextSub uint64
	closed  bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithRingSize sets the per-workflow retention ring capacity.
// Values < 1 keep the default.
func WithRingSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.ringSize = n
		}
	}
}

// WithSubscriberBuffer sets how many undelivered events a subscription
// may hold before it is disconnected as lagged.
func WithSubscriberBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.subBuffer = n
		}
	}
}

// WithSendTimeout bounds delivery blocking per subscriber. Zero or
// negative means wait indefinitely (the overflow buffer still bounds a
// slow subscriber).
func WithSendTimeout(d time.Duration) BusOption {
	return func(b *Bus) { b.sendTimeout = d }
}

// WithIdleTimeout disconnects subscriptions that receive no events for
// the given duration. Zero or negative means subscriptions stay open
// until closed explicitly. Disconnected consumers see their Events()
// channel close and are expected to resubscribe and backfill.
func WithIdleTimeout(d time.Duration) BusOption {
	return func(b *Bus) { b.idleTimeout = d }
}

// WithEmitter attaches an emitter that receives every published event
// after sequencing. May be given multiple times.
func WithEmitter(e Emitter) BusOption {
	return func(b *Bus) {
		if e != nil {
			b.emitters = append(b.emitters, e)
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		ringSize:    DefaultRingSize,
		subBuffer:   DefaultSubscriberBuffer,
		sendTimeout: DefaultSendTimeout,
		streams:     make(map[string]*stream),
		subs:        make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns the event's sequence, id, and timestamp, retains it in
// the workflow's ring, and delivers it to subscribers and emitters. It
// returns the enriched event so callers can persist it with its assigned
// sequence.
//
// Publishing to a closed bus is a no-op.
func (b *Bus) Publish(workflowID string, e Event) Event {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return e
	}

	e.WorkflowID = workflowID
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if e.Type == "" {
		e.Type = TypeAgentMessage
	}

	st := b.stream(workflowID)
	st.mu.Lock()
	st.seq++
	e.Sequence = st.seq
	st.push(e)
	st.mu.Unlock()

	for _, sub := range b.snapshotSubs() {
		if !sub.wants(workflowID) {
			continue
		}
		if !sub.enqueue(e) {
			b.remove(sub.id)
		}
	}
	for _, em := range b.emitters {
		em.Emit(e)
	}
	return e
}

// Subscribe registers a subscription for the given workflow ids. With no
// ids, or with AllWorkflows among them, the subscription receives events
// from every workflow.
//
// The returned subscription delivers future events only; combine with
// Backfill to recover history. Callers must drain Events() and Close()
// the subscription when done.
func (b *Bus) Subscribe(workflowIDs ...string) *Subscription {
	var filter map[string]struct{}
	all := len(workflowIDs) == 0
	for _, id := range workflowIDs {
		if id == AllWorkflows {
			all = true
			break
		}
	}
	if !all {
		filter = make(map[string]struct{}, len(workflowIDs))
		for _, id := range workflowIDs {
			filter[id] = struct{}{}
		}
	}

	sub := newSubscription(filter, b.subBuffer, b.sendTimeout, b.idleTimeout)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.terminate()
		go sub.pump()
		return sub
	}
	b.nextSub++
	sub.id = b.nextSub
	b.subs[sub.id] = sub
	b.mu.Unlock()

	sub.detach = func() { b.remove(sub.id) }
	go sub.pump()
	return sub
}

// Backfill returns retained events for the workflow with sequence greater
// than since, oldest first. expired is true when events newer than since
// have already been evicted from the ring, meaning the caller cannot
// reconstruct a gapless view from memory alone.
func (b *Bus) Backfill(workflowID string, since int64) (events []Event, expired bool) {
	b.mu.RLock()
	st := b.streams[workflowID]
	b.mu.RUnlock()
	if st == nil {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.since(since)
}

// AdvanceSequence raises the workflow's sequence counter so that newly
// published events continue after seq. Used on restart to resume a
// stream past its persisted history; lower or equal values are ignored.
func (b *Bus) AdvanceSequence(workflowID string, seq int64) {
	if seq <= 0 {
		return
	}
	st := b.stream(workflowID)
	st.mu.Lock()
	if seq > st.seq {
		st.seq = seq
	}
	st.mu.Unlock()
}

// LastSequence returns the highest sequence assigned for the workflow,
// zero when none.
func (b *Bus) LastSequence(workflowID string) int64 {
	b.mu.RLock()
	st := b.streams[workflowID]
	b.mu.RUnlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq
}

// Close disconnects every subscription after flushing their pending
// buffers and stops accepting publishes. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.terminate()
	}
}

func (b *Bus) stream(workflowID string) *stream {
	b.mu.RLock()
	st := b.streams[workflowID]
	b.mu.RUnlock()
	if st != nil {
		return st
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if st = b.streams[workflowID]; st == nil {
		st = &stream{ring: make([]Event, b.ringSize)}
		b.streams[workflowID] = st
	}
	return st
}

func (b *Bus) snapshotSubs() []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	return out
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// stream holds one workflow's sequence counter and retention ring.
type stream struct {
	mu   sync.Mutex
	seq  int64
	ring []Event
	head int // index of the oldest retained event
	size int // number of retained events
}

func (s *stream) push(e Event) {
	if s.size < len(s.ring) {
		s.ring[(s.head+s.size)%len(s.ring)] = e
		s.size++
		return
	}
	s.ring[s.head] = e
	s.head = (s.head + 1) % len(s.ring)
}

func (s *stream) since(seq int64) ([]Event, bool) {
	if s.size == 0 {
		return nil, false
	}
	oldest := s.ring[s.head].Sequence
	expired := oldest > seq+1
	var out []Event
	for i := 0; i < s.size; i++ {
		e := s.ring[(s.head+i)%len(s.ring)]
		if e.Sequence > seq {
			out = append(out, e)
		}
	}
	return out, expired
}
