// Package supervisor wraps a SyncWorker's run loop with a reconnect loop:
// on any transient source failure, retry with exponential backoff until
// the worker is stopped or a configured retry ceiling is exceeded. Each
// retry re-invokes Runnable.Run from scratch, which for this core's
// Worker means reloading the latest durable checkpoint before resuming —
// the supervisor itself never touches checkpoint state.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/siddontang/loggers"

	"github.com/block/rowsync/internal/errkind"
)

// Runnable is the worker contract the Supervisor drives: a single call
// that blocks until the incremental phase ends (success, stop, or
// failure).
type Runnable interface {
	Run(ctx context.Context) error
}

// Supervisor retries Runnable.Run with exponential backoff.
type Supervisor struct {
	Worker     Runnable
	Logger     loggers.Advanced
	BackoffMax time.Duration // caps the reconnect sleep; 0 means 30s
	MaxRetries int           // 0 means retry forever
}

// permanent reports whether err is of a kind that never benefits from a
// retry: the worker must surface to error state for an operator to
// intervene.
func permanent(err error) bool {
	return errkind.Is(err, errkind.SourceFatal) || errkind.Is(err, errkind.ConfigInvalid)
}

// Run drives the reconnect loop until ctx is cancelled, the worker
// returns a nil error (clean stop), a SourceFatal/ConfigInvalid error (no
// point retrying), or MaxRetries is exceeded.
func (s *Supervisor) Run(ctx context.Context) error {
	backoffMax := s.BackoffMax
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Second
	exp.MaxInterval = backoffMax
	exp.RandomizationFactor = 0.2
	exp.MaxElapsedTime = 0 // the retry ceiling is attempt-counted below, not time-bounded

	bo := backoff.BackOff(exp)
	if s.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(s.MaxRetries))
	}
	bo = backoff.WithContext(bo, ctx)

	attempt := 0
	op := func() error {
		err := s.Worker.Run(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		if permanent(err) {
			s.Logger.Errorf("sync worker stopped permanently: %v", err)
			return backoff.Permanent(err)
		}
		attempt++
		s.Logger.Warnf("sync worker failed, reconnecting (attempt %d): %v", attempt, err)
		return err
	}

	err := backoff.Retry(op, bo)
	var permErr *backoff.PermanentError
	if errors.As(err, &permErr) {
		return permErr.Unwrap()
	}
	if err != nil {
		s.Logger.Errorf("sync worker exceeded max reconnect attempts: %v", err)
	}
	return err
}
