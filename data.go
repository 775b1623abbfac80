package upgrade

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DataExecutor brings stored content to the data chain's target. It runs
// after the design chain and after the persistence layer is up.
type DataExecutor struct {
	mu     sync.Mutex
	r      runner
	done   bool
	failed error
}

// NewDataExecutor returns an executor for chain. WithLogger, WithProgress,
// WithMetrics, WithWorkers, WithQueueSize, WithLowPriority and
// WithAdvanceOnRecordErrors apply.
func NewDataExecutor(store Store, ledger *Ledger, chain *Chain, opt ...Option) *DataExecutor {
	return &DataExecutor{r: newRunner(store, ledger, chain, getOpts(opt...))}
}

// Run applies the pending data steps and returns one result per step it
// ran. Steps at or below the ledger's version are skipped without being
// touched. A failed step is sticky for the life of the executor. Failed
// records are not: they are reported in the results, and only when the
// executor was built WithAdvanceOnRecordErrors(false) do they also hold
// the ledger back, returning an error matching ErrRecordFailures.
func (e *DataExecutor) Run(ctx context.Context) ([]RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failed != nil {
		return nil, e.failed
	}
	if e.done {
		return nil, nil
	}

	start, steps, err := e.r.pending(ctx)
	if err != nil {
		if errors.Is(err, ErrDatabaseNewer) || errors.Is(err, ErrDatabaseTooOld) {
			e.r.log.Error("Refusing to update data", zap.Error(err))
			e.failed = err
			return nil, err
		}
		return nil, errors.Wrap(err, "check data version")
	}
	if len(steps) == 0 {
		e.done = true
		e.r.log.Debug("Data is current", zap.Int("version", start))
		return nil, nil
	}

	target := e.r.chain.Target()
	began := time.Now()
	e.r.log.Info("Updating data",
		zap.Int("from", start), zap.Int("to", target), zap.Int("steps", len(steps)))

	results, err := e.r.run(ctx, steps)
	switch {
	case errors.Is(err, ErrCanceled):
		return results, err
	case errors.Is(err, ErrRecordFailures):
		// The records that converted are committed and the data is usable.
		// The ledger stays below the step so the next start retries the
		// records that failed.
		e.done = true
		e.r.log.Warn("Data update held back by record errors",
			zap.Int("from", start), zap.Int("to", target), zap.Error(err))
		return results, err
	case err != nil:
		e.r.log.Error("Data update failed", zap.Error(err))
		e.failed = &failedError{kind: ErrDataFailed, err: err}
		return results, e.failed
	}

	e.done = true
	e.r.log.Info("Data updated",
		zap.Int("from", start), zap.Int("to", target),
		zap.Duration("elapsed", time.Since(began)))
	for _, res := range results {
		if res.HadErrors {
			e.r.log.Warn("Data step finished with record errors",
				zap.String("step", res.Step),
				zap.Int64("failed", res.Failed),
				zap.Error(res.Err))
		}
	}
	return results, nil
}
