package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-meter/internal/store"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
	defaultTimeout   = 10 * time.Second
)

// Settle outcomes reported to the QueueRecorder.
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultUserMissing = "user_missing"
)

// Settler settles one entry. *Ledger satisfies it.
type Settler interface {
	Settle(ctx context.Context, e Entry) (Receipt, error)
}

// QueueRecorder observes the queue. *metrics.Registry satisfies it.
type QueueRecorder interface {
	RecordBilling(result string)
	SetBillingQueueDepth(n int)
}

type QueueOptions struct {
	Workers int
	Size    int
	// Timeout bounds each settlement. The deadline is independent of the
	// request that produced the entry.
	Timeout time.Duration

	Logger   *slog.Logger
	Recorder QueueRecorder
}

// Queue settles entries on a fixed worker pool. Submit never blocks and
// never drops: when the buffer is full the entry is settled on its own
// goroutine, which Close waits for.
type Queue struct {
	settler Settler
	ch      chan Entry
	timeout time.Duration
	log     *slog.Logger
	rec     QueueRecorder

	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	workers   sync.WaitGroup
	overflow  sync.WaitGroup
}

func NewQueue(s Settler, opts QueueOptions) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Size <= 0 {
		opts.Size = defaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := &Queue{
		settler: s,
		ch:      make(chan Entry, opts.Size),
		timeout: opts.Timeout,
		log:     opts.Logger,
		rec:     opts.Recorder,
	}

	q.workers.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go q.run()
	}
	return q
}

// Submit hands e to the queue. After Close the entry is settled inline.
func (q *Queue) Submit(e Entry) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		q.settle(e)
		return
	}

	select {
	case q.ch <- e:
		q.depth()
	default:
		q.overflow.Add(1)
		go func() {
			defer q.overflow.Done()
			q.settle(e)
		}()
		q.log.Warn("billing_queue_full", slog.String("request_id", e.RequestID))
	}
	q.mu.RUnlock()
}

// Close stops intake, drains buffered entries and waits for overflow
// settlements. It is safe to call more than once.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
	q.workers.Wait()
	q.overflow.Wait()
	return nil
}

func (q *Queue) run() {
	defer q.workers.Done()
	for e := range q.ch {
		q.depth()
		q.settle(e)
	}
}

func (q *Queue) settle(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	receipt, err := q.settler.Settle(ctx, e)
	switch {
	case err == nil:
		q.record(ResultOK)
		q.log.Debug("billed",
			slog.String("request_id", e.RequestID),
			slog.String("model", e.ModelID),
			slog.Int("input_tokens", e.InputTokens),
			slog.Int("output_tokens", e.OutputTokens),
			slog.String("cost", receipt.Cost.String()),
		)
	case errors.Is(err, store.ErrUserNotFound):
		q.record(ResultUserMissing)
	default:
		q.record(ResultError)
		q.log.Error("billing_failed",
			slog.String("request_id", e.RequestID),
			slog.String("user_id", e.UserID),
			slog.String("model", e.ModelID),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) record(result string) {
	if q.rec != nil {
		q.rec.RecordBilling(result)
	}
}

func (q *Queue) depth() {
	if q.rec != nil {
		q.rec.SetBillingQueueDepth(len(q.ch))
	}
}
