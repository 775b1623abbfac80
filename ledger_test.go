package upgrade

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLedgerAdvance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := withLedger(46, 47)
	l := NewLedger(store)

	require.NoError(t, l.Advance(ctx, Design, 47))
	v, err := l.Version(ctx, Design)
	require.NoError(t, err)
	require.Equal(t, 47, v)

	// Advancing to the same value writes nothing.
	require.NoError(t, l.Advance(ctx, Design, 47))
	require.Len(t, store.Sets(), 1)

	err = l.Advance(ctx, Design, 46)
	require.ErrorIs(t, err, ErrLedgerRegression)
	require.Equal(t, 47, store.version(Design))

	// The counters are independent.
	require.Equal(t, 47, store.version(Data))
}

func TestLedgerAdvanceWriteFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := withLedger(1, 1)
	store.failSets = 1
	l := NewLedger(store)

	require.ErrorIs(t, l.Advance(ctx, Data, 2), errInjected)
	require.Equal(t, 1, store.version(Data))
	require.NoError(t, l.Advance(ctx, Data, 2))
	require.Equal(t, 2, store.version(Data))
}

func TestLedgerLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := withLedger(46, 47)
	l := NewLedger(store)
	require.Equal(t, -1, l.OnStartup(Design))

	require.NoError(t, l.Load(ctx))
	require.Equal(t, 46, l.OnStartup(Design))
	require.Equal(t, 47, l.OnStartup(Data))

	// The startup value is kept while the ledger moves on.
	require.NoError(t, l.Advance(ctx, Design, 48))
	require.NoError(t, l.Load(ctx))
	require.Equal(t, 46, l.OnStartup(Design))
}

func TestLedgerMissing(t *testing.T) {
	t.Parallel()

	l := NewLedger(newMemStore())
	require.ErrorIs(t, l.Load(context.Background()), ErrNoLedger)
}

func TestLedgerStamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := withLedger(0, 0)
	l := NewLedger(store)

	require.NoError(t, l.Stamp(ctx, 50, -1))
	require.Equal(t, 50, store.version(Design))
	require.Equal(t, 0, store.version(Data))

	require.NoError(t, l.Stamp(ctx, -1, 48))
	require.Equal(t, 48, store.version(Data))

	require.ErrorIs(t, l.Stamp(ctx, 10, -1), ErrLedgerRegression)
}
