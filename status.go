package upgrade

import (
	"context"

	"github.com/pkg/errors"
)

// ChainStatus compares one ledger counter with its chain.
type ChainStatus struct {
	Counter Counter
	Version int
	Target  int
	Pending []Step

	// Err is set when the database cannot be upgraded by this chain.
	Err error
}

// Current reports whether nothing is left to run.
func (s ChainStatus) Current() bool {
	return s.Err == nil && len(s.Pending) == 0
}

// Inspect reads the ledger without changing anything and reports what each
// chain would do.
func Inspect(ctx context.Context, ledger *Ledger, reg *Registry) ([]ChainStatus, error) {
	var out []ChainStatus
	for _, c := range []*Chain{reg.Design, reg.Data} {
		v, err := ledger.Version(ctx, c.Counter)
		if err != nil {
			return nil, errors.Wrap(err, "inspect")
		}
		st := ChainStatus{Counter: c.Counter, Version: v, Target: c.Target()}
		st.Pending, st.Err = c.Pending(v)
		out = append(out, st)
	}
	return out, nil
}
