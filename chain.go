package upgrade

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// runner walks one chain. Design and data executors share it.
type runner struct {
	store    Store
	ledger   *Ledger
	chain    *Chain
	opts     options
	log      *zap.Logger
	progress *Progress
}

func newRunner(store Store, ledger *Ledger, chain *Chain, opts options) runner {
	return runner{
		store:    store,
		ledger:   ledger,
		chain:    chain,
		opts:     opts,
		log:      opts.withLogger.With(zap.String("chain", string(chain.Counter))),
		progress: NewProgress(opts.withProgress, opts.withProgressInterval),
	}
}

// run applies steps in order. The ledger is advanced after each step, so an
// error or cancellation leaves it at the last step that completed. Results
// are returned for every step attempted, including a failing one.
func (r *runner) run(ctx context.Context, steps []Step) ([]RunResult, error) {
	results := make([]RunResult, 0, len(steps))
	for _, s := range steps {
		select {
		case <-ctx.Done():
			r.log.Info("Upgrade interrupted between steps",
				zap.Int("version", s.From), zap.Error(ctx.Err()))
			return results, errors.Wrap(ErrCanceled, ctx.Err().Error())
		default:
		}

		res, err := r.apply(ctx, s)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (r *runner) apply(ctx context.Context, s Step) (RunResult, error) {
	c := r.chain.Counter
	log := r.log.With(zap.Int("from", s.From), zap.Int("to", s.To), zap.String("step", s.Name))
	res := RunResult{Chain: c, Step: s.Name, Version: s.To}
	env := &Env{
		Store:     r.store,
		DB:        r.store.Handle(),
		Log:       log,
		Progress:  r.progress,
		Counter:   c,
		Step:      s,
		opts:      r.opts,
		result:    &res,
		interrupt: ctx,
	}

	log.Info("Applying step")
	r.progress.Set(fmt.Sprintf("Upgrading %s to version %d: %s", c, s.To, s.Name))
	started := time.Now()
	err := s.Apply(context.WithoutCancel(ctx), env)
	res.Elapsed = time.Since(started)
	if err == nil && res.HadErrors && !r.opts.withAdvanceOnRecordErrors {
		err = errors.Wrapf(ErrRecordFailures, "%d of %d", res.Failed, res.Total)
	}
	r.opts.withMetrics.step(c, res.Elapsed, err)
	if err != nil {
		res.Err = multierr.Append(res.Err, err)
		return res, errors.Wrapf(err, "%s step %s", c, s)
	}

	// The step's work is committed; the version may move now.
	wctx := context.WithoutCancel(ctx)
	if err = r.ledger.Advance(wctx, c, s.To); err != nil {
		res.Err = multierr.Append(res.Err, err)
		return res, errors.Wrapf(err, "%s step %s", c, s)
	}
	r.opts.withMetrics.version(c, s.To)

	if err = r.store.DeleteCheckpoints(wctx, c, s.To); err != nil {
		log.Warn("Could not clear checkpoints", zap.Error(err))
	}
	err = r.store.InsertHistory(wctx, History{
		Chain:      string(c),
		Version:    s.To,
		Name:       s.Name,
		Checksum:   s.Checksum,
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Warn("Could not record step history", zap.Error(err))
	}

	fields := []zap.Field{zap.Duration("elapsed", res.Elapsed)}
	if res.Total > 0 || res.Processed > 0 {
		fields = append(fields,
			zap.Int64("processed", res.Processed),
			zap.Int64("modified", res.Modified),
			zap.Int64("failed", res.Failed))
	}
	log.Info("Applied step", fields...)
	return res, nil
}

// pending reads the ledger and returns the steps left to run.
func (r *runner) pending(ctx context.Context) (current int, steps []Step, err error) {
	current, err = r.ledger.Version(ctx, r.chain.Counter)
	if err != nil {
		return 0, nil, err
	}
	r.opts.withMetrics.version(r.chain.Counter, current)
	steps, err = r.chain.Pending(current)
	return current, steps, err
}
