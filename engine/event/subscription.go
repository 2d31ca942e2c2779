package event

import (
	"sync"
	"time"
)

// Subscription is a live event feed registered with a Bus.
//
// Events arrive on Events() in per-workflow FIFO order. A subscription
// that falls behind (its overflow buffer fills, or a channel send stays
// blocked past the bus send timeout) receives a final event of type
// TypeSubscriptionLagged and its channel is closed; Lagged() reports the
// same condition for consumers that missed the sentinel.
type Subscription struct {
	id        uint64
	workflows map[string]struct{} // nil means all workflows
	timeout   time.Duration
	idle      time.Duration
	detach    func()

	mu     sync.Mutex
	queue  []Event
	max    int
	lagged bool
	closed bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
	ch   chan Event
}

func newSubscription(filter map[string]struct{}, buffer int, timeout, idle time.Duration) *Subscription {
	return &Subscription{
		workflows: filter,
		timeout:   timeout,
		idle:      idle,
		max:       buffer,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		ch:        make(chan Event),
	}
}

// Events returns the delivery channel. It is closed when the subscription
// ends for any reason (Close, bus shutdown, or lag disconnect).
func (s *Subscription) Events() <-chan Event { return s.ch }

// Lagged reports whether the subscription was disconnected for falling
// behind.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Close detaches the subscription. Pending events are discarded and
// Events() is closed. Close is idempotent and safe to call concurrently
// with delivery.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) wants(workflowID string) bool {
	if s.workflows == nil {
		return true
	}
	_, ok := s.workflows[workflowID]
	return ok
}

// enqueue buffers an event for delivery. It returns false once the
// subscription has overflowed or ended, telling the bus to drop it.
func (s *Subscription) enqueue(e Event) bool {
	s.mu.Lock()
	if s.closed || s.lagged {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.max {
		s.lagged = true
		s.mu.Unlock()
		s.signal()
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
	return true
}

// terminate flushes pending events then ends the subscription. Used on
// bus shutdown.
func (s *Subscription) terminate() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump is the per-subscription delivery goroutine. It drains the overflow
// buffer into the consumer channel, appends the lagged sentinel when the
// subscription overflowed, and closes the channel on exit.
func (s *Subscription) pump() {
	defer func() {
		if s.detach != nil {
			s.detach()
		}
		close(s.ch)
	}()
	for {
		e, ok := s.next()
		if !ok {
			if s.Lagged() {
				s.forward(s.laggedEvent())
			}
			return
		}
		if !s.forward(e) {
			select {
			case <-s.done:
				return
			default:
			}
			s.mu.Lock()
			if !s.closed {
				s.lagged = true
			}
			lagged := s.lagged
			s.mu.Unlock()
			if lagged {
				s.forward(s.laggedEvent())
			}
			return
		}
	}
}

// next blocks until an event is buffered or the subscription ends. The
// buffer is drained before lag or shutdown ends delivery, so accepted
// events are not lost. With an idle timeout configured, a wait that
// outlasts it ends the subscription.
func (s *Subscription) next() (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			if len(s.queue) == 0 {
				s.queue = nil
			}
			s.mu.Unlock()
			return e, true
		}
		lagged, closed := s.lagged, s.closed
		s.mu.Unlock()
		if lagged || closed {
			return Event{}, false
		}
		if s.idle > 0 {
			t := time.NewTimer(s.idle)
			select {
			case <-s.wake:
				t.Stop()
			case <-s.done:
				t.Stop()
				return Event{}, false
			case <-t.C:
				s.mu.Lock()
				s.closed = true
				s.mu.Unlock()
				return Event{}, false
			}
			continue
		}
		select {
		case <-s.wake:
		case <-s.done:
			return Event{}, false
		}
	}
}

// forward sends one event to the consumer, bounded by the send timeout.
func (s *Subscription) forward(e Event) bool {
	select {
	case s.ch <- e:
		return true
	case <-s.done:
		return false
	default:
	}
	if s.timeout <= 0 {
		select {
		case s.ch <- e:
			return true
		case <-s.done:
			return false
		}
	}
	t := time.NewTimer(s.timeout)
	defer t.Stop()
	select {
	case s.ch <- e:
		return true
	case <-s.done:
		return false
	case <-t.C:
		return false
	}
}

func (s *Subscription) laggedEvent() Event {
	return Event{
		Type:      TypeSubscriptionLagged,
		Level:     LevelInfo,
		Timestamp: time.Now().UTC(),
		Message:   "subscriber fell behind; events were dropped, reconnect and backfill",
	}
}
