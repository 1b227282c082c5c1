// Package sink applies converted write models to MongoDB collections:
// unordered bulk writes, tolerant of duplicate-key races (another worker
// or a retried batch already inserted the same document), retrying
// transient failures with backoff and throttling throughput when
// configured to.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/siddontang/loggers"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/time/rate"

	"github.com/block/rowsync/internal/errkind"
)

// duplicateKeyCode is the MongoDB server error code for a unique-index
// violation (E11000). Bulk writes that fail only with this code are not
// failures from this sync's point of view: the document already reflects
// the intended state, so the batch is treated as applied.
const duplicateKeyCode = 11000

// maxRetries bounds the number of retry attempts for a transient bulk
// write failure (6 attempts total: the initial try plus 5 retries).
const maxRetries = 5

// Database is the subset of *mongo.Database the writer needs, so tests
// can substitute a fake collection resolver.
type Database interface {
	Collection(name string) *mongo.Collection
}

// Writer applies batches of write models to Mongo collections.
type Writer struct {
	db      Database
	limiter *rate.Limiter
	logger  loggers.Advanced
}

// New returns a Writer. A nil limiter disables throttling.
func New(db Database, limiter *rate.Limiter, logger loggers.Advanced) *Writer {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Writer{db: db, limiter: limiter, logger: logger}
}

// Apply performs an unordered bulk write of models against collection,
// retrying transient failures with exponential backoff. A response that
// failed only on duplicate-key errors is treated as success.
func (w *Writer) Apply(ctx context.Context, collection string, models []mongo.WriteModel) error {
	if len(models) == 0 {
		return nil
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return errkind.Wrap(errkind.SinkTransient, fmt.Errorf("rate limiter wait: %w", err))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0.2
	retrier := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	col := w.db.Collection(collection)
	opts := options.BulkWrite().SetOrdered(false)

	return backoff.Retry(func() error {
		_, err := col.BulkWrite(ctx, models, opts)
		if err == nil {
			return nil
		}
		if onlyDuplicateKeyErrors(err) {
			return nil
		}
		if isTransient(err) {
			return errkind.Wrap(errkind.SinkTransient, err)
		}
		// Non-transient, non-duplicate failures are not retried: wrap as
		// a permanent backoff error so backoff.Retry stops immediately.
		w.logApplicationFailure(collection, err)
		return backoff.Permanent(errkind.Wrap(errkind.SinkApplicationError, err))
	}, retrier)
}

// logApplicationFailure records a redacted summary of a bulk-write failure
// that is about to abandon its batch: a count of write errors by code, and
// up to 3 sample messages, rather than the full (potentially document-laden)
// error.
func (w *Writer) logApplicationFailure(collection string, err error) {
	if w.logger == nil {
		return
	}
	bwe, ok := err.(mongo.BulkWriteException)
	if !ok {
		w.logger.Errorf("bulk write abandoned for collection %s: %v", collection, err)
		return
	}
	counts := make(map[int]int, len(bwe.WriteErrors))
	var samples []string
	for _, we := range bwe.WriteErrors {
		counts[we.Code]++
		if len(samples) < 3 {
			samples = append(samples, we.Message)
		}
	}
	w.logger.Errorf("bulk write abandoned for collection %s: codes=%v samples=%v", collection, counts, samples)
}

// onlyDuplicateKeyErrors reports whether err is a BulkWriteException whose
// write errors are exclusively duplicate-key violations.
func onlyDuplicateKeyErrors(err error) bool {
	bwe, ok := err.(mongo.BulkWriteException)
	if !ok {
		return false
	}
	if len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKeyCode {
			return false
		}
	}
	return true
}

// isTransient classifies network/command errors as retryable. Mongo
// write errors that are not duplicate-key are treated as application
// errors by the caller and are never retried, since retrying a
// non-idempotent write that already partially applied risks
// double-application.
func isTransient(err error) bool {
	cmdErr, ok := err.(mongo.CommandError)
	if !ok {
		return mongo.IsNetworkError(err) || mongo.IsTimeout(err)
	}
	return cmdErr.HasErrorLabel("RetryableWriteError") || mongo.IsTimeout(err)
}
