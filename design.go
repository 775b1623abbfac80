package upgrade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is where a DesignExecutor is in its lifecycle.
type State int

const (
	StateNotChecked State = iota
	StateUpgrading
	StateValid

	// StateFailed means a step failed. The ledger holds the last version
	// that completed and the next process start retries from there.
	StateFailed

	// StateFatal means the database and the running code cannot work
	// together, or the operator refused the upgrade.
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateNotChecked:
		return "not checked"
	case StateUpgrading:
		return "upgrading"
	case StateValid:
		return "valid"
	case StateFailed:
		return "failed"
	case StateFatal:
		return "fatal"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// EngineUpgrade is storage-engine work tied to a design version threshold,
// for instance rebuilding the database file. It applies when a run starts
// below Threshold and ends at or above it: a Before hook runs ahead of the
// chain, an after hook once the chain is done. Each hook runs at most once
// per process.
//
// A hook is marked pending in the checkpoint table before the chain starts
// and unmarked once it succeeds, so a hook interrupted by a failure or crash
// runs on the next start even though the ledger is past its threshold.
type EngineUpgrade struct {
	Name      string
	Threshold int
	Before    bool
	Run       func(ctx context.Context, env *Env) error
}

// DesignExecutor brings the schema to the design chain's target.
type DesignExecutor struct {
	mu     sync.Mutex
	r      runner
	state  State
	failed error
	hooks  []EngineUpgrade
	done   []bool

	// marks holds the names of pending hooks by threshold, as persisted.
	marks map[int][]string
}

// hookChain keys pending engine upgrades in the checkpoint table.
const hookChain Counter = "hook"

// NewDesignExecutor returns an executor for chain. WithOperator, WithSilent,
// WithHooks, WithLogger, WithProgress and WithMetrics apply.
func NewDesignExecutor(store Store, ledger *Ledger, chain *Chain, opt ...Option) *DesignExecutor {
	opts := getOpts(opt...)
	return &DesignExecutor{
		r:     newRunner(store, ledger, chain, opts),
		hooks: opts.withHooks,
		done:  make([]bool, len(opts.withHooks)),
	}
}

func (e *DesignExecutor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run upgrades the schema. Once the schema is valid further calls return
// nil at once. A failed run is not retried in the same process: every later
// call returns the same error.
func (e *DesignExecutor) Run(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateValid:
		return nil
	case StateFailed, StateFatal:
		return e.failed
	}

	start, steps, err := e.r.pending(ctx)
	if err != nil {
		if errors.Is(err, ErrDatabaseNewer) || errors.Is(err, ErrDatabaseTooOld) {
			e.r.log.Error("Refusing to open database", zap.Error(err))
			return e.fail(StateFatal, err)
		}
		return errors.Wrap(err, "check design version")
	}
	target := e.r.chain.Target()
	if err = e.loadMarks(ctx); err != nil {
		return err
	}
	if len(steps) == 0 && !e.hooksDue(target) {
		e.state = StateValid
		e.r.log.Debug("Design is current", zap.Int("version", start))
		return nil
	}

	if len(steps) > 0 {
		if err = e.confirm(ctx, start, target); err != nil {
			if errors.Is(err, ErrUpgradeDeclined) || errors.Is(err, ErrConfirmationRequired) {
				return e.fail(StateFatal, err)
			}
			return errors.Wrap(err, "confirm upgrade")
		}
	}

	e.state = StateUpgrading
	began := time.Now()
	e.r.log.Info("Upgrading design",
		zap.Int("from", start), zap.Int("to", target), zap.Int("steps", len(steps)))

	if err = e.markHooks(ctx, start, target); err != nil {
		return e.fail(StateFailed, err)
	}
	if err = e.runHooks(ctx, true, target); err != nil {
		return e.fail(StateFailed, err)
	}
	if _, err = e.r.run(ctx, steps); err != nil {
		if errors.Is(err, ErrCanceled) {
			// Stopped between steps; the ledger is consistent.
			e.state = StateNotChecked
			return err
		}
		e.r.log.Error("Design upgrade failed", zap.Error(err))
		return e.fail(StateFailed, err)
	}
	if err = e.runHooks(ctx, false, target); err != nil {
		return e.fail(StateFailed, err)
	}

	e.state = StateValid
	elapsed := time.Since(began)
	e.r.log.Info("Design upgraded",
		zap.Int("from", start), zap.Int("to", target), zap.Duration("elapsed", elapsed))
	if len(steps) == 0 {
		return nil
	}
	msg := fmt.Sprintf("Database design upgraded from version %d to %d in %s.",
		start, target, formatDuration(elapsed))
	e.r.progress.Set(msg)
	if op := e.r.opts.withOperator; op != nil {
		op.Inform(msg)
	}
	return nil
}

func (e *DesignExecutor) fail(state State, err error) error {
	e.state = state
	if state == StateFailed {
		err = &failedError{kind: ErrDesignFailed, err: err}
	}
	e.failed = err
	return err
}

func (e *DesignExecutor) confirm(ctx context.Context, from, to int) error {
	if e.r.opts.withSilent {
		return nil
	}
	op := e.r.opts.withOperator
	if op == nil {
		return ErrConfirmationRequired
	}
	prompt := fmt.Sprintf("The database design must be upgraded from version %d to %d. "+
		"This cannot be undone; back up the database first.", from, to)
	ok, err := op.Confirm(ctx, prompt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUpgradeDeclined
	}
	return nil
}

// loadMarks reads the hooks left pending by an earlier run.
func (e *DesignExecutor) loadMarks(ctx context.Context) error {
	if e.marks != nil {
		return nil
	}
	marks := map[int][]string{}
	for _, h := range e.hooks {
		if _, ok := marks[h.Threshold]; ok {
			continue
		}
		names, err := e.r.store.GetCheckpoints(ctx, hookChain, h.Threshold)
		if err != nil {
			return errors.Wrap(err, "get pending engine upgrades")
		}
		marks[h.Threshold] = names
	}
	e.marks = marks
	return nil
}

func (e *DesignExecutor) marked(h EngineUpgrade) bool {
	for _, name := range e.marks[h.Threshold] {
		if name == h.Name {
			return true
		}
	}
	return false
}

// hooksDue reports whether a hook left pending can run at target.
func (e *DesignExecutor) hooksDue(target int) bool {
	for i, h := range e.hooks {
		if !e.done[i] && h.Threshold <= target && e.marked(h) {
			return true
		}
	}
	return false
}

// markHooks persists every hook whose threshold this run crosses.
func (e *DesignExecutor) markHooks(ctx context.Context, start, target int) error {
	for i, h := range e.hooks {
		if e.done[i] || start >= h.Threshold || target < h.Threshold || e.marked(h) {
			continue
		}
		idx := len(e.marks[h.Threshold])
		if err := e.r.store.InsertCheckpoint(ctx, hookChain, h.Threshold, idx, h.Name); err != nil {
			return errors.Wrapf(err, "mark engine upgrade %s", h.Name)
		}
		e.marks[h.Threshold] = append(e.marks[h.Threshold], h.Name)
	}
	return nil
}

// unmark drops h from the pending hooks. Hooks sharing a threshold share a
// checkpoint key, so the others are written back.
func (e *DesignExecutor) unmark(ctx context.Context, h EngineUpgrade) error {
	var rest []string
	for _, name := range e.marks[h.Threshold] {
		if name != h.Name {
			rest = append(rest, name)
		}
	}
	if err := e.r.store.DeleteCheckpoints(ctx, hookChain, h.Threshold); err != nil {
		return err
	}
	e.marks[h.Threshold] = nil
	for i, name := range rest {
		if err := e.r.store.InsertCheckpoint(ctx, hookChain, h.Threshold, i, name); err != nil {
			return err
		}
		e.marks[h.Threshold] = append(e.marks[h.Threshold], name)
	}
	return nil
}

// runHooks runs the pending hooks of one kind that apply at target.
func (e *DesignExecutor) runHooks(ctx context.Context, before bool, target int) error {
	wctx := context.WithoutCancel(ctx)
	for i, h := range e.hooks {
		if h.Before != before || e.done[i] {
			continue
		}
		if target < h.Threshold || !e.marked(h) {
			continue
		}
		log := e.r.log.With(zap.String("hook", h.Name), zap.Int("threshold", h.Threshold))
		log.Info("Running engine upgrade")
		e.r.progress.Set(fmt.Sprintf("Upgrading storage engine: %s", h.Name))
		env := &Env{
			Store:     e.r.store,
			DB:        e.r.store.Handle(),
			Log:       log,
			Progress:  e.r.progress,
			Counter:   Design,
			opts:      e.r.opts,
			result:    &RunResult{Chain: Design, Step: h.Name},
			interrupt: ctx,
		}
		if err := h.Run(wctx, env); err != nil {
			return errors.Wrapf(err, "engine upgrade %s", h.Name)
		}
		e.done[i] = true
		if err := e.unmark(wctx, h); err != nil {
			log.Warn("Could not clear pending engine upgrade", zap.Error(err))
		}
	}
	return nil
}
