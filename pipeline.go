package upgrade

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxRecordErrors caps how many record errors a RunResult keeps. The rest
// are only counted and logged.
const maxRecordErrors = 20

// EntityManager is one persistence handle. A handle is used by a single
// worker at a time and holds at most one open transaction.
type EntityManager[R any] interface {
	// Find loads the record with the given id. found is false when no such
	// record exists.
	Find(ctx context.Context, id int64) (rec R, found bool, err error)
	Merge(ctx context.Context, rec R) error

	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
	IsActive() bool

	Close() error
}

// EntityManagerFactory opens persistence handles, one per pipeline worker.
type EntityManagerFactory[R any] interface {
	NewEntityManager(ctx context.Context) (EntityManager[R], error)
}

// Transform inspects rec and changes it in place when needed. It reports
// whether rec must be saved.
type Transform[R any] func(ctx context.Context, rec R) (modified bool, err error)

// RunResult summarizes one step of a chain.
type RunResult struct {
	Chain   Counter
	Step    string
	Version int

	Total     int64
	Processed int64
	Modified  int64
	Missing   int64
	Failed    int64
	Elapsed   time.Duration

	// HadErrors is set once any record failed and never cleared.
	HadErrors bool

	// Err holds the first record errors.
	Err error
}

func (r RunResult) String() string {
	if r.Total == 0 && r.Processed == 0 {
		return fmt.Sprintf("%s %d (%s) in %s", r.Chain, r.Version, r.Step, formatDuration(r.Elapsed))
	}
	return fmt.Sprintf("%s %d (%s): %d/%d records processed, %d modified, %d missing, %d failed in %s",
		r.Chain, r.Version, r.Step, r.Processed, r.Total, r.Modified, r.Missing, r.Failed,
		formatDuration(r.Elapsed))
}

// Stats is a point-in-time view of a running pipeline.
type Stats struct {
	Total      int64
	Dispatched int64
	Started    int64
	Processed  int64
	Modified   int64
	Missing    int64
	Failed     int64
}

// Pipeline applies a Transform to every record in a set of ids with a fixed
// number of workers. Every record is loaded, transformed and saved in its own
// transaction; a failed record is rolled back and logged, and the others
// carry on. A Pipeline runs one set of ids at a time.
type Pipeline[R any] struct {
	factory   EntityManagerFactory[R]
	transform Transform[R]
	label     string

	workers     int
	queueSize   int
	lowPriority bool
	log         *zap.Logger
	progress    *Progress
	metrics     *Metrics

	mu    sync.Mutex
	queue chan int64

	total      atomic.Int64
	dispatched atomic.Int64
	started    atomic.Int64
	processed  atomic.Int64
	modified   atomic.Int64
	missing    atomic.Int64
	failed     atomic.Int64
	hadErrors  atomic.Bool

	errMu sync.Mutex
	errs  error
	nerrs int
}

// NewPipeline creates a pipeline. WithWorkers, WithQueueSize,
// WithLowPriority, WithLogger, WithProgress, WithProgressInterval and
// WithMetrics apply.
func NewPipeline[R any](
	factory EntityManagerFactory[R],
	transform Transform[R],
	opt ...Option,
) *Pipeline[R] {
	opts := getOpts(opt...)
	return newPipeline(factory, transform, "Updating records", opts,
		NewProgress(opts.withProgress, opts.withProgressInterval))
}

func newPipeline[R any](
	factory EntityManagerFactory[R],
	transform Transform[R],
	label string,
	opts options,
	progress *Progress,
) *Pipeline[R] {
	queueSize := opts.withQueueSize
	if queueSize <= 0 {
		queueSize = opts.withWorkers
	}
	return &Pipeline[R]{
		factory:     factory,
		transform:   transform,
		label:       label,
		workers:     opts.withWorkers,
		queueSize:   queueSize,
		lowPriority: opts.withLowPriority,
		log:         opts.withLogger,
		progress:    progress,
		metrics:     opts.withMetrics,
	}
}

// QueueDepth returns how many ids are enqueued but not yet taken by a
// worker. It never exceeds the queue capacity.
func (p *Pipeline[R]) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// QueueCapacity returns the size of the queue between producer and workers.
func (p *Pipeline[R]) QueueCapacity() int { return p.queueSize }

// Workers returns the size of the worker pool.
func (p *Pipeline[R]) Workers() int { return p.workers }

func (p *Pipeline[R]) Stats() Stats {
	return Stats{
		Total:      p.total.Load(),
		Dispatched: p.dispatched.Load(),
		Started:    p.started.Load(),
		Processed:  p.processed.Load(),
		Modified:   p.modified.Load(),
		Missing:    p.missing.Load(),
		Failed:     p.failed.Load(),
	}
}

// Run feeds ids to the workers and waits for them to finish.
//
// Canceling ctx stops dispatching: ids still in the queue are skipped and
// any record already inside its transaction finishes normally. Run then
// returns the partial result and ErrCanceled. A worker that cannot open a
// persistence handle stops the whole run with that error.
func (p *Pipeline[R]) Run(ctx context.Context, ids []int64) (RunResult, error) {
	p.reset(int64(len(ids)))
	queue := make(chan int64, p.queueSize)
	// One slot per id dispatched but not yet started, so Dispatched-Started
	// never exceeds the queue size.
	slots := make(chan struct{}, p.queueSize)
	p.mu.Lock()
	p.queue = queue
	p.mu.Unlock()

	start := time.Now()
	p.progress.Restart()
	p.log.Debug("Starting record updates",
		zap.Int("records", len(ids)),
		zap.Int("workers", p.workers),
		zap.Int("queue", p.queueSize))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.work(gctx, queue, slots)
		})
	}

produce:
	for _, id := range ids {
		select {
		case <-gctx.Done():
			break produce
		default:
		}
		select {
		case slots <- struct{}{}:
		case <-gctx.Done():
			break produce
		}
		// Holding a slot, the send cannot block.
		p.dispatched.Add(1)
		queue <- id
	}
	close(queue)

	werr := g.Wait()
	res := p.result(time.Since(start))
	// A throttled update from a slower worker may land after the final
	// one, so the closing count is sent once more.
	p.progress.Set(p.progress.format(p.label, res.Processed, res.Total))
	p.log.Info("Record updates finished",
		zap.Int64("processed", res.Processed),
		zap.Int64("modified", res.Modified),
		zap.Int64("missing", res.Missing),
		zap.Int64("failed", res.Failed),
		zap.Duration("elapsed", res.Elapsed))

	switch {
	case werr != nil:
		return res, errors.Wrap(werr, "record worker")
	case ctx.Err() != nil:
		return res, errors.Wrap(ErrCanceled, ctx.Err().Error())
	}
	return res, nil
}

func (p *Pipeline[R]) reset(total int64) {
	p.total.Store(total)
	p.dispatched.Store(0)
	p.started.Store(0)
	p.processed.Store(0)
	p.modified.Store(0)
	p.missing.Store(0)
	p.failed.Store(0)
	p.hadErrors.Store(false)
	p.errMu.Lock()
	p.errs, p.nerrs = nil, 0
	p.errMu.Unlock()
}

func (p *Pipeline[R]) result(elapsed time.Duration) RunResult {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return RunResult{
		Total:     p.total.Load(),
		Processed: p.processed.Load(),
		Modified:  p.modified.Load(),
		Missing:   p.missing.Load(),
		Failed:    p.failed.Load(),
		Elapsed:   elapsed,
		HadErrors: p.hadErrors.Load(),
		Err:       p.errs,
	}
}

func (p *Pipeline[R]) work(ctx context.Context, queue <-chan int64, slots <-chan struct{}) error {
	if p.lowPriority {
		lowerThreadPriority(p.log)
	}

	// Records must finish once started, so the handle and each record run
	// on a context that ignores cancellation.
	rctx := context.WithoutCancel(ctx)
	em, err := p.factory.NewEntityManager(rctx)
	if err != nil {
		return errors.Wrap(err, "open entity manager")
	}
	defer func() {
		if err := em.Close(); err != nil {
			p.log.Warn("Closing entity manager", zap.Error(err))
		}
	}()

	total := p.total.Load()
	for id := range queue {
		p.started.Add(1)
		<-slots
		if ctx.Err() != nil {
			continue
		}
		p.process(rctx, em, id)
		p.progress.Update(p.label, p.processed.Add(1), total)
	}
	return nil
}

func (p *Pipeline[R]) process(ctx context.Context, em EntityManager[R], id int64) {
	result, err := p.update(ctx, em, id)
	if err == nil {
		p.metrics.record(result)
		return
	}
	if em.IsActive() {
		if rerr := em.Rollback(); rerr != nil {
			p.log.Warn("Rollback failed", zap.Int64("record_id", id), zap.Error(rerr))
		}
	}
	p.fail(id, err)
}

func (p *Pipeline[R]) update(ctx context.Context, em EntityManager[R], id int64) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if err = em.Begin(ctx); err != nil {
		return "", errors.Wrap(err, "begin")
	}
	rec, found, err := em.Find(ctx, id)
	if err != nil {
		return "", errors.Wrap(err, "find")
	}
	if !found {
		p.missing.Add(1)
		p.log.Debug("Record not found", zap.Int64("record_id", id))
		return recordMissing, em.Rollback()
	}
	modified, err := p.transform(ctx, rec)
	if err != nil {
		return "", errors.Wrap(err, "transform")
	}
	if !modified {
		return recordUnchanged, em.Rollback()
	}
	if err = em.Merge(ctx, rec); err != nil {
		return "", errors.Wrap(err, "merge")
	}
	if err = em.Commit(); err != nil {
		return "", errors.Wrap(err, "commit")
	}
	p.modified.Add(1)
	return recordModified, nil
}

func (p *Pipeline[R]) fail(id int64, err error) {
	p.hadErrors.Store(true)
	p.failed.Add(1)
	p.metrics.record(recordFailed)
	p.log.Error("Record update failed", zap.Int64("record_id", id), zap.Error(err))

	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.nerrs < maxRecordErrors {
		p.errs = multierr.Append(p.errs, errors.Wrapf(err, "record %d", id))
	}
	p.nerrs++
}

// IDSource lists the records a RecordStep updates.
type IDSource func(ctx context.Context, env *Env) ([]int64, error)

// IDs is a fixed list of record ids.
func IDs(ids ...int64) IDSource {
	return func(context.Context, *Env) ([]int64, error) {
		return ids, nil
	}
}

// QueryIDs selects record ids with a query returning a single integer
// column.
func QueryIDs(query string, args ...interface{}) IDSource {
	return func(ctx context.Context, env *Env) ([]int64, error) {
		var ids []int64
		if err := env.DB.SelectContext(ctx, &ids, env.DB.Rebind(query), args...); err != nil {
			return nil, errors.Wrap(err, "select ids")
		}
		return ids, nil
	}
}

// RecordStep is a data step that runs transform over every record listed by
// ids. Options given here override the executor's for this step only.
func RecordStep[R any](
	from int,
	name string,
	ids IDSource,
	factory EntityManagerFactory[R],
	transform Transform[R],
	opt ...Option,
) Step {
	return Func(from, name, func(ctx context.Context, env *Env) error {
		list, err := ids(ctx, env)
		if err != nil {
			return errors.Wrap(err, "list records")
		}
		opts := env.opts
		opts.withLogger = env.Log
		for _, o := range opt {
			o(&opts)
		}
		p := newPipeline(factory, transform, name, opts, env.Progress)
		res, err := p.Run(env.Interrupt(), list)
		env.result.Total = res.Total
		env.result.Processed = res.Processed
		env.result.Modified = res.Modified
		env.result.Missing = res.Missing
		env.result.Failed = res.Failed
		env.result.HadErrors = res.HadErrors
		env.result.Err = res.Err
		return err
	})
}
