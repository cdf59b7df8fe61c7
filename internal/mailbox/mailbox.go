// Package mailbox queues asynchronous notifications per client until the
// client's next poll (or its live feed) drains them. Delivery is FIFO per
// client and at-least-once; a drained event is never re-delivered.
package mailbox

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"ngi/plangame/internal/game"
)

// DefaultMaxWait bounds how long FireAndWait blocks a request thread.
const DefaultMaxWait = 30 * time.Second

// entry pairs a queued event with the channel closed once it is drained.
type entry struct {
	event   game.Event
	drained chan struct{}
}

// Option configures optional Mailbox behaviour.
type Option func(*Mailbox)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Mailbox) {
		if clock != nil {
			m.now = clock
		}
	}
}

// Mailbox owns one FIFO queue per registered client. Many producers append;
// exactly one consumer (the client's poll) drains.
type Mailbox struct {
	mu     sync.Mutex
	queues map[string][]*entry
	now    func() time.Time

	firedTotal   uint64
	drainedTotal uint64
}

// New constructs an empty mailbox.
func New(opts ...Option) *Mailbox {
	m := &Mailbox{
		queues: make(map[string][]*entry),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// AddClient registers an empty queue for the client. Re-registration keeps
// any pending events.
func (m *Mailbox) AddClient(clientID string) {
	m.mu.Lock()
	if _, ok := m.queues[clientID]; !ok {
		m.queues[clientID] = nil
	}
	m.mu.Unlock()
}

// RemoveClient drops the client's queue and everything still pending in it.
func (m *Mailbox) RemoveClient(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue, ok := m.queues[clientID]
	if !ok {
		return game.Faultf(game.CodeClientNotConnected, "client %s has no mailbox", clientID)
	}
	//1.- Unblock any FireAndWait callers still parked on pending entries.
	for _, item := range queue {
		close(item.drained)
	}
	delete(m.queues, clientID)
	return nil
}

// Has reports whether the client currently owns a queue.
func (m *Mailbox) Has(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[clientID]
	return ok
}

// Fire stamps and appends the event to the client's queue. Firing at a client
// without a queue is a silent no-op so broadcasts tolerate departures; the
// boolean return exists for diagnostics only.
func (m *Mailbox) Fire(senderID, clientID string, event game.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.appendLocked(senderID, clientID, event)
	_ = item
	return ok
}

// Broadcast fires the event at every listed client and returns how many were
// actually reachable. Partial failure is tolerated by design.
func (m *Mailbox) Broadcast(senderID string, clientIDs []string, event game.Event) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	notified := 0
	for _, clientID := range clientIDs {
		if _, ok := m.appendLocked(senderID, clientID, event); ok {
			notified++
		}
	}
	return notified
}

// Listen atomically drains and returns every pending event for the client, in
// the order they were fired. A second call without intervening fires returns
// an empty slice.
func (m *Mailbox) Listen(clientID string) ([]game.Event, error) {
	m.mu.Lock()
	queue, ok := m.queues[clientID]
	if !ok {
		m.mu.Unlock()
		return nil, game.Faultf(game.CodeEvent, "client %s has no mailbox", clientID)
	}
	m.queues[clientID] = nil
	m.drainedTotal += uint64(len(queue))
	m.mu.Unlock()

	events := make([]game.Event, 0, len(queue))
	for _, item := range queue {
		events = append(events, item.event)
		//1.- Signal waiters only after the event is part of the poll response.
		close(item.drained)
	}
	return events, nil
}

// Flush silently discards everything pending for the client, keeping the
// queue registered. Used when a session restart invalidates stale updates.
func (m *Mailbox) Flush(clientID string) {
	m.mu.Lock()
	queue, ok := m.queues[clientID]
	if ok {
		m.queues[clientID] = nil
	}
	m.mu.Unlock()
	for _, item := range queue {
		close(item.drained)
	}
}

// FireAndWait fires the event and blocks until the client drains it or
// maxWait elapses. This is the only intentionally blocking primitive; the
// timeout is a hard upper bound.
func (m *Mailbox) FireAndWait(senderID, clientID string, event game.Event, maxWait time.Duration) error {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	m.mu.Lock()
	item, ok := m.appendLocked(senderID, clientID, event)
	m.mu.Unlock()
	if !ok {
		return game.Faultf(game.CodeEvent, "client %s has no mailbox", clientID)
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-item.drained:
		return nil
	case <-timer.C:
		return game.Faultf(game.CodeEventTimeout, "client %s did not drain %s within %s", clientID, event.Type, maxWait)
	}
}

// Counts reports cumulative fired and drained event totals for metrics.
func (m *Mailbox) Counts() (fired, drained uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firedTotal, m.drainedTotal
}

func (m *Mailbox) appendLocked(senderID, clientID string, event game.Event) (*entry, bool) {
	queue, ok := m.queues[clientID]
	if !ok {
		return nil, false
	}
	event.ID = uuid.NewString()
	event.Sender = senderID
	event.FiredAt = m.now()
	item := &entry{event: event, drained: make(chan struct{})}
	m.queues[clientID] = append(queue, item)
	m.firedTotal++
	return item, true
}
