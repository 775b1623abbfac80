package upgrade

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Ledger guards the persisted design and data versions. Only one goroutine
// mutates it at a time; the chains are sequential, the mutex makes that
// explicit.
type Ledger struct {
	mu      sync.Mutex
	store   LedgerStore
	startup map[Counter]int
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{store: store, startup: map[Counter]int{}}
}

// Load reads both counters and remembers them as the versions seen on
// startup. Calling it again is a no-op.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.startup) == 2 {
		return nil
	}
	for _, c := range []Counter{Design, Data} {
		v, err := l.store.Version(ctx, c)
		if err != nil {
			return errors.Wrapf(err, "read %s version", c)
		}
		l.startup[c] = v
	}
	return nil
}

// OnStartup returns the version read by Load, or -1 if Load has not run.
func (l *Ledger) OnStartup(c Counter) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.startup[c]
	if !ok {
		return -1
	}
	return v
}

// Version reads the current persisted value.
func (l *Ledger) Version(ctx context.Context, c Counter) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, err := l.store.Version(ctx, c)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s version", c)
	}
	return v, nil
}

// Advance persists v for the counter. It must be called only after the work
// that produced v has been committed. Advancing to the current value is a
// no-op; moving backwards is refused.
func (l *Ledger) Advance(ctx context.Context, c Counter, v int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, err := l.store.Version(ctx, c)
	if err != nil {
		return errors.Wrapf(err, "read %s version", c)
	}
	switch {
	case v == cur:
		return nil
	case v < cur:
		return errors.Wrap(ErrLedgerRegression,
			fmt.Sprintf("%s %d -> %d", c, cur, v))
	}
	if err = l.store.SetVersion(ctx, c, v); err != nil {
		return errors.Wrapf(err, "set %s version %d", c, v)
	}
	return nil
}

// Stamp records versions without running any step, letting an existing
// database adopt the ledger. A negative value leaves that counter alone.
func (l *Ledger) Stamp(ctx context.Context, design, data int) error {
	if design >= 0 {
		if err := l.Advance(ctx, Design, design); err != nil {
			return errors.Wrap(err, "stamp design")
		}
	}
	if data >= 0 {
		if err := l.Advance(ctx, Data, data); err != nil {
			return errors.Wrap(err, "stamp data")
		}
	}
	return nil
}
