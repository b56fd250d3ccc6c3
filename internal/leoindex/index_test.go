package leoindex_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/leohq/leo/internal/leoindex"
	"github.com/leohq/leo/internal/leoqueue"
)

// recordingIndexer remembers the order it was invoked in and can be told to
// fail on its Nth call, to exercise at-least-once redelivery.
type recordingIndexer struct {
	mu        sync.Mutex
	seen      []string
	failUntil int
	calls     int
}

func (r *recordingIndexer) Index(_ context.Context, d leoqueue.StoreDataDetails) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failUntil {
		return errBoom
	}
	r.seen = append(r.seen, d.BasePath)
	return nil
}

func (r *recordingIndexer) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	copy(out, r.seen)
	return out
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "indexer: boom" }

func publish(q leoqueue.Queue, container, basePath string) {
	details := leoqueue.StoreDataDetails{Container: container, BasePath: basePath, Metadata: map[string]string{}}
	body, err := leoqueue.Encode(details)
	Expect(err).NotTo(HaveOccurred())
	Expect(q.SendMessage(context.Background(), body)).To(Succeed())
}

var _ = Describe("Listener", func() {
	var (
		q        leoqueue.Queue
		reg      *leoindex.Registry
		idx      *recordingIndexer
		listener *leoindex.Listener
		cancel   context.CancelFunc
	)

	BeforeEach(func() {
		q = leoqueue.NewInMemory(50 * time.Millisecond)
		reg = leoindex.NewRegistry()
		idx = &recordingIndexer{}
		Expect(reg.RegisterPath("docs/", idx)).To(Succeed())

		listener = &leoindex.Listener{
			Queue:          q,
			Registry:       reg,
			Parallelism:    4,
			EmptyPollSleep: 10 * time.Millisecond,
			MaxBatch:       8,
			Sink:           func(error) {},
		}
	})

	AfterEach(func() {
		if cancel != nil {
			cancel()
		}
	})

	It("preserves per-logical-key FIFO", func() {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())

		publish(q, "c1", "docs/a/1.txt")
		publish(q, "c1", "docs/a/2.txt")
		publish(q, "c1", "docs/a/3.txt")

		go listener.Run(ctx)

		Eventually(idx.snapshot, time.Second, 5*time.Millisecond).Should(HaveLen(3))
		Expect(idx.snapshot()).To(Equal([]string{"docs/a/1.txt", "docs/a/2.txt", "docs/a/3.txt"}))
	})

	It("redelivers on indexer failure (at-least-once)", func() {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())

		idx.failUntil = 1 // first invocation fails, the redelivered retry succeeds
		publish(q, "c1", "docs/b/1.txt")

		go listener.Run(ctx)

		Eventually(idx.snapshot, time.Second, 5*time.Millisecond).Should(ConsistOf("docs/b/1.txt"))
	})

	It("runs distinct logical keys concurrently", func() {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())

		publish(q, "c1", "docs/a/1.txt")
		publish(q, "c2", "docs/b/1.txt")

		go listener.Run(ctx)

		Eventually(idx.snapshot, time.Second, 5*time.Millisecond).Should(HaveLen(2))
	})
})
