// Package leoindex implements the Index Listener (spec §4.3): the
// concurrency core that consumes change events off a Queue, groups them by
// logical key, and dispatches each group to a registered Indexer while
// honoring per-key serialization and a bounded degree of cross-key
// parallelism.
package leoindex

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"

	leoerrors "github.com/leohq/leo/internal/errors"
	"github.com/leohq/leo/internal/leoindex/dedup"
	"github.com/leohq/leo/internal/leolocation"
	"github.com/leohq/leo/internal/leoqueue"
	"github.com/leohq/leo/internal/leostats"
)

// Listener is the scheduler described in spec §4.3. It has no constructor:
// build it as a struct literal with at least Queue and Registry set.
type Listener struct {
	Queue       leoqueue.Queue
	Registry    *Registry
	Dedup       *dedup.Filter // optional; nil disables the idempotency guard
	Stats       *leostats.Stats
	Sink        func(error) // optional; receives every uncaught scheduler/batch error, nil logs them via glog

	// Parallelism is P: the number of logical keys allowed in flight
	// concurrently. Zero means "use runtime.GOMAXPROCS(0)".
	Parallelism int
	// EmptyPollSleep is how long the scheduler sleeps after an empty
	// Receive before polling again. Zero means 2s (spec §5).
	EmptyPollSleep time.Duration
	// MaxBatch bounds how many messages a single Receive call requests.
	// Zero means 32.
	MaxBatch int

	mu      sync.Mutex // guards pending and, for the duration of one Run call, inFlight
	pending map[string][]queuedGroup
}

type queuedMessage struct {
	msg     leoqueue.Message
	details leoqueue.StoreDataDetails
}

type queuedGroup struct {
	key   string
	items []queuedMessage
}

func (l *Listener) parallelism() int {
	if l.Parallelism > 0 {
		return l.Parallelism
	}
	return runtime.GOMAXPROCS(0)
}

func (l *Listener) emptyPollSleep() time.Duration {
	if l.EmptyPollSleep > 0 {
		return l.EmptyPollSleep
	}
	return 2 * time.Second
}

func (l *Listener) maxBatch() int {
	if l.MaxBatch > 0 {
		return l.MaxBatch
	}
	return 32
}

func (l *Listener) sink(err error) {
	if err == nil {
		return
	}
	if l.Sink != nil {
		l.Sink(err)
		return
	}
	glog.Errorf("leoindex: unhandled error: %v", err)
}

// Run is the supervising loop (spec §4.3's "Scheduler"). It returns when
// ctx is canceled; already-started batch goroutines are allowed to finish
// rather than being killed, so in-flight work preserves its ack-on-success
// guarantee (spec §5 "Cancellation"). The P-bound on concurrently in-flight
// logical keys is enforced with a golang.org/x/sync/semaphore.Weighted,
// acquired (context-aware, so cancellation is never stuck behind a busy
// backlog) when a previously-idle key starts and released once that key's
// backlog drains.
func (l *Listener) Run(ctx context.Context) error {
	if l.pending == nil {
		l.pending = make(map[string][]queuedGroup)
	}
	inFlight := make(map[string]bool)
	sem := semaphore.NewWeighted(int64(l.parallelism()))

	// startNext either hands the next queued group for key to a fresh
	// goroutine, or — once key's backlog is empty — marks it idle again
	// and frees its semaphore slot. It is called both from the dispatch
	// loop below and, via runGroup's defer, from every batch goroutine
	// once it finishes; l.mu makes concurrent callers safe.
	var startNext func(key string)
	startNext = func(key string) {
		l.mu.Lock()
		queue := l.pending[key]
		if len(queue) == 0 {
			delete(inFlight, key)
			n := len(inFlight)
			l.mu.Unlock()
			sem.Release(1)
			if l.Stats != nil {
				l.Stats.IndexInFlight.Set(float64(n))
			}
			return
		}
		next := queue[0]
		l.pending[key] = queue[1:]
		l.mu.Unlock()
		go l.runGroup(ctx, next, startNext)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := l.Queue.Receive(ctx, l.maxBatch())
		if err != nil {
			l.sink(leoerrors.NewStorageError("Receive", "", err))
			continue
		}
		if len(msgs) == 0 {
			if l.Stats != nil {
				l.Stats.IndexQueueLag.Set(1)
			}
			select {
			case <-time.After(l.emptyPollSleep()):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if l.Stats != nil {
			l.Stats.IndexQueueLag.Set(0)
		}

		for key, group := range groupByLogicalKey(msgs, l.sink) {
			qg := queuedGroup{key: key, items: group}

			l.mu.Lock()
			if inFlight[key] {
				l.pending[key] = append(l.pending[key], qg)
				l.mu.Unlock()
				continue
			}
			l.mu.Unlock()

			if err := sem.Acquire(ctx, 1); err != nil {
				return nil // ctx canceled while waiting for a free slot
			}
			l.mu.Lock()
			inFlight[key] = true
			n := len(inFlight)
			l.mu.Unlock()
			if l.Stats != nil {
				l.Stats.IndexInFlight.Set(float64(n))
			}
			go l.runGroup(ctx, qg, startNext)
		}
	}
}

// groupByLogicalKey parses each message body and buckets it by
// Location.LogicalKey(). A message that fails to parse is reported to sink
// and released for redelivery rather than silently dropped.
func groupByLogicalKey(msgs []leoqueue.Message, sink func(error)) map[string][]queuedMessage {
	groups := make(map[string][]queuedMessage)
	for _, m := range msgs {
		details, err := leoqueue.Decode(m.Body())
		if err != nil {
			sink(leoerrors.NewStorageError("Decode", "", err))
			_ = m.Release(context.Background())
			continue
		}
		key := leolocation.New(details.Container, details.BasePath).LogicalKey()
		groups[key] = append(groups[key], queuedMessage{msg: m, details: details})
	}
	return groups
}

func (l *Listener) runGroup(ctx context.Context, g queuedGroup, startNext func(string)) {
	defer startNext(g.key)
	if err := l.dispatch(ctx, g.items); err != nil {
		l.sink(err)
	}
}
