package leoqueue

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// item is one message's full lifecycle state: queued, leased (with an
// expiry), or gone.
type item struct {
	id   uint64
	body string

	leased      bool
	leasedUntil time.Time
}

// InMemoryQueue is the reference Queue implementation (spec §6): a
// FIFO with server-side leases. A message not Complete()'d before its lease
// expires becomes eligible for redelivery on the next Receive call,
// matching the at-least-once contract the Index Listener is built around
// (spec §1, §7).
type InMemoryQueue struct {
	mu            sync.Mutex
	leaseDuration time.Duration
	seq           uint64
	pending       *list.List          // FIFO of *item not currently leased
	leased        map[uint64]*item    // id -> item, currently leased out
	pendingIdx    map[uint64]*list.Element
}

// NewInMemory returns a Queue with the given message-visibility lease
// duration (spec §5 recommends 1 minute for the production queue; tests
// typically use a much shorter duration to exercise redelivery quickly).
func NewInMemory(leaseDuration time.Duration) *InMemoryQueue {
	return &InMemoryQueue{
		leaseDuration: leaseDuration,
		pending:       list.New(),
		leased:        make(map[uint64]*item),
		pendingIdx:    make(map[uint64]*list.Element),
	}
}

func (q *InMemoryQueue) SendMessage(_ context.Context, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	it := &item{id: q.seq, body: body}
	q.pendingIdx[it.id] = q.pending.PushBack(it)
	return nil
}

// reapExpired moves leases past their visibility timeout back onto the
// pending FIFO. Must be called with q.mu held.
func (q *InMemoryQueue) reapExpired(now time.Time) {
	for id, it := range q.leased {
		if now.After(it.leasedUntil) {
			it.leased = false
			delete(q.leased, id)
			q.pendingIdx[id] = q.pending.PushBack(it)
		}
	}
}

func (q *InMemoryQueue) Receive(_ context.Context, max int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	q.reapExpired(now)

	var out []Message
	for len(out) < max {
		front := q.pending.Front()
		if front == nil {
			break
		}
		it := front.Value.(*item)
		q.pending.Remove(front)
		delete(q.pendingIdx, it.id)
		it.leased = true
		it.leasedUntil = now.Add(q.leaseDuration)
		q.leased[it.id] = it
		out = append(out, &inMemoryMessage{q: q, it: it})
	}
	return out, nil
}

func (q *InMemoryQueue) CreateIfNotExists(context.Context) error { return nil }
func (q *InMemoryQueue) DeleteIfExists(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.Init()
	q.pendingIdx = make(map[uint64]*list.Element)
	q.leased = make(map[uint64]*item)
	return nil
}

type inMemoryMessage struct {
	q  *InMemoryQueue
	it *item
}

func (m *inMemoryMessage) Body() string { return m.it.body }

func (m *inMemoryMessage) Complete(context.Context) error {
	m.q.mu.Lock()
	defer m.q.mu.Unlock()
	delete(m.q.leased, m.it.id)
	return nil
}

// Release abandons the lease immediately, making the message available for
// redelivery right away instead of waiting out the lease. The Index
// Listener calls it for a message whose body fails to decode.
func (m *inMemoryMessage) Release(context.Context) error {
	m.q.mu.Lock()
	defer m.q.mu.Unlock()
	if _, stillLeased := m.q.leased[m.it.id]; !stillLeased {
		return nil // already completed or reaped
	}
	delete(m.q.leased, m.it.id)
	m.it.leased = false
	m.q.pendingIdx[m.it.id] = m.q.pending.PushBack(m.it)
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
