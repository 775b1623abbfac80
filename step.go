package upgrade

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Step moves one chain from version From to version To. Apply must be safe
// to run again after a crash that happened before the ledger recorded To.
type Step struct {
	From int
	To   int
	Name string

	// Checksum is set for steps loaded from SQL files so the history can
	// detect edits made after the step ran.
	Checksum string

	Apply func(ctx context.Context, env *Env) error
}

func (s Step) String() string {
	return fmt.Sprintf("%d->%d %s", s.From, s.To, s.Name)
}

// Env is what a step sees while it runs.
type Env struct {
	Store    Store
	DB       *sqlx.DB
	Log      *zap.Logger
	Progress *Progress
	Counter  Counter
	Step     Step

	opts      options
	result    *RunResult
	interrupt context.Context
}

// Interrupt returns the caller's context. The ctx handed to Apply ignores
// cancellation so a started step always finishes; long steps that can stop
// cleanly part way, such as record updates, watch this one instead.
func (e *Env) Interrupt() context.Context {
	if e.interrupt == nil {
		return context.Background()
	}
	return e.interrupt
}

// Func registers fn as the step producing version from+1.
func Func(from int, name string, fn func(ctx context.Context, env *Env) error) Step {
	return Step{From: from, To: from + 1, Name: name, Apply: fn}
}

// Exec is a step running a single statement. Data steps built this way rely
// on the ledger guard for idempotency, so the statement must be safe to run
// twice if a crash lands between commit and ledger write.
func Exec(from int, name, query string, args ...interface{}) Step {
	return Func(from, name, func(ctx context.Context, env *Env) error {
		if _, err := env.DB.ExecContext(ctx, env.DB.Rebind(query), args...); err != nil {
			return errors.Wrapf(err, "exec %s", name)
		}
		return nil
	})
}

// Chain is an ordered, gapless list of steps for one ledger counter.
type Chain struct {
	Counter Counter

	// Baseline is the oldest version the chain can upgrade from. The first
	// step, if any, starts here.
	Baseline int
	Steps    []Step
}

func NewChain(c Counter, baseline int, steps ...Step) *Chain {
	return &Chain{Counter: c, Baseline: baseline, Steps: steps}
}

// Add appends steps. Order matters.
func (c *Chain) Add(steps ...Step) *Chain {
	c.Steps = append(c.Steps, steps...)
	return c
}

// Target is the version the running code expects.
func (c *Chain) Target() int {
	if len(c.Steps) == 0 {
		return c.Baseline
	}
	return c.Steps[len(c.Steps)-1].To
}

// Validate checks that every version between Baseline and Target has
// exactly one step, registered in ascending order. A failure here is a
// programming error.
func (c *Chain) Validate() error {
	if c.Baseline < 0 {
		return fmt.Errorf("%s chain: negative baseline %d", c.Counter, c.Baseline)
	}
	var problems []string
	seen := map[int]string{}
	want := c.Baseline
	for i, s := range c.Steps {
		if s.Apply == nil {
			problems = append(problems, fmt.Sprintf("step %d (%s) has no action", i, s))
		}
		if s.To != s.From+1 {
			problems = append(problems, fmt.Sprintf("step %d (%s) must produce %d", i, s, s.From+1))
		}
		if prev, ok := seen[s.From]; ok {
			problems = append(problems, fmt.Sprintf("duplicate step from %d: %q and %q", s.From, prev, s.Name))
			continue
		}
		seen[s.From] = s.Name
		if s.From != want {
			problems = append(problems, fmt.Sprintf("gap: expected step from %d, found %s", want, s))
		}
		want = s.From + 1
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s chain is invalid:\n\t%s", c.Counter, strings.Join(problems, "\n\t"))
	}
	return nil
}

// Pending returns the steps still to run for a ledger at current.
func (c *Chain) Pending(current int) ([]Step, error) {
	target := c.Target()
	switch {
	case current > target:
		return nil, &VersionError{Chain: c.Counter, Database: current, Code: target, Err: ErrDatabaseNewer}
	case current < c.Baseline:
		return nil, &VersionError{Chain: c.Counter, Database: current, Code: target, Err: ErrDatabaseTooOld}
	case current == target:
		return nil, nil
	}
	var pending []Step
	for _, s := range c.Steps {
		if s.From >= current {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// Step returns the step producing version to, if registered.
func (c *Chain) Step(to int) (Step, bool) {
	for _, s := range c.Steps {
		if s.To == to {
			return s, true
		}
	}
	return Step{}, false
}

// Registry holds both chains.
type Registry struct {
	Design *Chain
	Data   *Chain
}

func NewRegistry(design, data *Chain) *Registry {
	if design == nil {
		design = NewChain(Design, 0)
	}
	if data == nil {
		data = NewChain(Data, 0)
	}
	return &Registry{Design: design, Data: data}
}

func (r *Registry) Validate() error {
	if r.Design.Counter != Design {
		return fmt.Errorf("design chain registered for counter %q", r.Design.Counter)
	}
	if r.Data.Counter != Data {
		return fmt.Errorf("data chain registered for counter %q", r.Data.Counter)
	}
	if err := r.Design.Validate(); err != nil {
		return err
	}
	return r.Data.Validate()
}

// VerifyHistory compares recorded checksums with the registered steps. An
// edited SQL file that already ran is reported; steps without a checksum are
// ignored.
func (r *Registry) VerifyHistory(history []History) error {
	var problems []string
	for _, h := range history {
		if h.Checksum == "" {
			continue
		}
		chain := r.Design
		if Counter(h.Chain) == Data {
			chain = r.Data
		}
		s, ok := chain.Step(h.Version)
		if !ok {
			problems = append(problems, fmt.Sprintf("missing already-run %s step %d (%s)", h.Chain, h.Version, h.Name))
			continue
		}
		if s.Checksum != "" && s.Checksum != h.Checksum {
			problems = append(problems, fmt.Sprintf("checksum does not match %s. has the file changed?", s.Name))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("history does not match registered steps:\n\t%s", strings.Join(problems, "\n\t"))
	}
	return nil
}
