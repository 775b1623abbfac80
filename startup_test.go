package upgrade

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type reloadCounter struct {
	n   int
	err error
}

func (r *reloadCounter) Reload(ctx context.Context) error {
	r.n++
	return r.err
}

func testRegistry(tr *trace) *Registry {
	return NewRegistry(
		designChain(tr),
		NewChain(Data, 47, traced(tr, 47, "data 48")))
}

func TestStartupExistingDatabase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := withLedger(46, 47)
	store.addTable("items", "id")
	tr := &trace{}
	reload := &reloadCounter{}
	var persistence int

	s, err := NewStartup(store, testRegistry(tr), StartupConfig{
		PrimaryTable: "items",
		InitSchema: func(context.Context, *sqlx.DB) error {
			t.Fatal("schema must not be created for an existing database")
			return nil
		},
		InitPersistence: func(context.Context, *sqlx.DB) error {
			// Design is done, data is not.
			require.Equal(t, 50, store.version(Design))
			require.Equal(t, 47, store.version(Data))
			persistence++
			return nil
		},
		Reloaders: []Reloader{reload},
	}, WithLogger(zaptest.NewLogger(t)), WithSilent(true))
	require.NoError(t, err)

	require.NoError(t, s.Ensure(ctx))
	require.Equal(t, []string{
		"design 47", "design 48", "design 49", "design 50", "data 48",
	}, tr.Names())
	require.Equal(t, 50, store.version(Design))
	require.Equal(t, 48, store.version(Data))
	require.Equal(t, 46, s.Ledger().OnStartup(Design))
	require.Equal(t, 47, s.Ledger().OnStartup(Data))
	require.Equal(t, StateValid, s.Design().State())
	require.Len(t, s.Results(), 1)
	require.Equal(t, 1, persistence)
	require.Equal(t, 1, reload.n)
	require.Equal(t, []string{"create database", "open", "create meta", "create ledger"}, store.Calls())

	// Every gate has passed; nothing runs again.
	require.NoError(t, s.Ensure(ctx))
	require.Len(t, tr.Names(), 5)
	require.Equal(t, 1, persistence)
	require.Equal(t, 1, reload.n)
	require.Len(t, store.Calls(), 4)
}

func TestStartupFreshDatabase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	tr := &trace{}
	var created bool

	s, err := NewStartup(store, testRegistry(tr), StartupConfig{
		PrimaryTable: "items",
		InitSchema: func(context.Context, *sqlx.DB) error {
			created = true
			store.addTable("items", "id", "units")
			return nil
		},
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	// No steps run, so no confirmation is needed.
	require.NoError(t, s.Ensure(ctx))
	require.True(t, created)
	require.Empty(t, tr.Names())
	require.Equal(t, 50, store.version(Design))
	require.Equal(t, 48, store.version(Data))
}

func TestStartupUnversionedDatabase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	tr := &trace{}

	// Without a primary table the ledger starts at the baselines.
	s, err := NewStartup(store, testRegistry(tr), StartupConfig{},
		WithSilent(true))
	require.NoError(t, err)
	require.NoError(t, s.Ensure(ctx))
	require.Len(t, tr.Names(), 5)
	require.Equal(t, []setCall{
		{Design, 47}, {Design, 48}, {Design, 49}, {Design, 50}, {Data, 48},
	}, store.Sets())
}

func TestStartupUnreachable(t *testing.T) {
	t.Parallel()

	store := withLedger(50, 48)
	store.pingFails = -1
	s, err := NewStartup(store, testRegistry(&trace{}), StartupConfig{},
		WithLogger(zaptest.NewLogger(t)),
		WithConnectRetries(1))
	require.NoError(t, err)

	err = s.Ensure(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	require.True(t, IsFatal(err))
	require.Contains(t, err.Error(), "connection refused")
	require.Equal(t, 2, store.pings)
	require.Empty(t, store.Calls())

	// Sticky: the server is not tried again.
	err2 := s.Ensure(context.Background())
	require.ErrorIs(t, err2, ErrUnavailable)
	require.Equal(t, err, err2)
	require.Equal(t, 2, store.pings)
}

func TestStartupRetriesPing(t *testing.T) {
	t.Parallel()

	store := withLedger(50, 48)
	store.pingFails = 1
	s, err := NewStartup(store, testRegistry(&trace{}), StartupConfig{},
		WithConnectRetries(3))
	require.NoError(t, err)
	require.NoError(t, s.Ensure(context.Background()))
	require.Equal(t, 2, store.pings)
}

func TestStartupDesignFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := withLedger(46, 47)
	tr := &trace{}
	reg := NewRegistry(
		NewChain(Design, 46, traced(tr, 46, "design 47"), failing(tr, 47, "design 48")),
		NewChain(Data, 47, traced(tr, 47, "data 48")))
	var persistence bool
	s, err := NewStartup(store, reg, StartupConfig{
		InitPersistence: func(context.Context, *sqlx.DB) error {
			persistence = true
			return nil
		},
	}, WithSilent(true))
	require.NoError(t, err)

	err = s.Ensure(ctx)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, ErrDesignFailed)
	require.False(t, persistence)
	require.Equal(t, 47, store.version(Design))
	require.Equal(t, 47, store.version(Data))

	require.ErrorIs(t, s.Ensure(ctx), ErrDesignFailed)
	require.Equal(t, []string{"design 47", "design 48"}, tr.Names())
}

func TestStartupNewerDatabase(t *testing.T) {
	t.Parallel()

	store := withLedger(51, 48)
	s, err := NewStartup(store, testRegistry(&trace{}), StartupConfig{}, WithSilent(true))
	require.NoError(t, err)

	err = s.Ensure(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, ErrDatabaseNewer)
	require.Empty(t, store.Sets())
}

func TestStartupCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := withLedger(46, 47)
	tr := &trace{}
	reg := NewRegistry(
		NewChain(Design, 46,
			Func(46, "design 47", func(context.Context, *Env) error {
				tr.add("design 47")
				cancel()
				return nil
			}),
			traced(tr, 47, "design 48")),
		NewChain(Data, 47))
	s, err := NewStartup(store, reg, StartupConfig{}, WithSilent(true))
	require.NoError(t, err)

	err = s.Ensure(ctx)
	require.ErrorIs(t, err, ErrCanceled)
	require.NotErrorIs(t, err, ErrUnavailable)
	require.Equal(t, 47, store.version(Design))

	// A later call continues from the ledger.
	require.NoError(t, s.Ensure(context.Background()))
	require.Equal(t, 48, store.version(Design))
	require.Equal(t, []string{"design 47", "design 48"}, tr.Names())
}

func TestStartupHistoryMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := withLedger(1, 0)
	require.NoError(t, store.InsertHistory(ctx, History{
		Chain: "design", Version: 1, Name: "0001_init.sql", Checksum: "old",
	}))
	design := NewChain(Design, 0, Step{
		From: 0, To: 1, Name: "0001_init.sql", Checksum: "new",
		Apply: traced(&trace{}, 0, "").Apply,
	})
	s, err := NewStartup(store, NewRegistry(design, nil), StartupConfig{})
	require.NoError(t, err)

	err = s.Ensure(ctx)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Contains(t, err.Error(), "has the file changed?")
}

func TestStartupReloadFailure(t *testing.T) {
	t.Parallel()

	store := withLedger(50, 48)
	reload := &reloadCounter{err: errInjected}
	s, err := NewStartup(store, testRegistry(&trace{}), StartupConfig{
		Reloaders: []Reloader{reload},
	})
	require.NoError(t, err)
	err = s.Ensure(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, errInjected)
}

func TestNewStartupInvalidRegistry(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	reg := NewRegistry(NewChain(Design, 1, traced(&trace{}, 2, "gap")), nil)
	_, err := NewStartup(store, reg, StartupConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "gap")
	require.Zero(t, store.pings)
}

func TestStartupRecordFailuresKeepDatabaseUsable(t *testing.T) {
	t.Parallel()

	transform := func(ctx context.Context, rec *item) (bool, error) {
		if rec.ID == 42 {
			return false, errInjected
		}
		return convert(ctx, rec)
	}

	for _, advance := range []bool{true, false} {
		ctx := context.Background()
		items := newItemStore(100, func(int64) bool { return true })
		reg := NewRegistry(
			designChain(&trace{}),
			NewChain(Data, 47,
				RecordStep[*item](47, "convert", IDs(items.ids()...), items, transform)))
		store := withLedger(50, 47)
		reload := &reloadCounter{}
		opts := []Option{
			WithLogger(zaptest.NewLogger(t)),
			WithSilent(true),
			WithWorkers(4),
			WithLowPriority(false),
		}
		if !advance {
			opts = append(opts, WithAdvanceOnRecordErrors(false))
		}
		s, err := NewStartup(store, reg, StartupConfig{Reloaders: []Reloader{reload}}, opts...)
		require.NoError(t, err)

		require.NoError(t, s.Ensure(ctx))
		require.NoError(t, s.Ensure(ctx))
		require.Equal(t, 1, reload.n)
		require.Len(t, s.Results(), 1)
		res := s.Results()[0]
		require.True(t, res.HadErrors)
		require.EqualValues(t, 1, res.Failed)
		require.ErrorIs(t, res.Err, errInjected)

		want := 48
		if !advance {
			want = 47
		}
		require.Equal(t, want, store.version(Data), "advance %t", advance)
		require.Equal(t, 1, items.count(func(r item) bool { return r.Legacy }))
	}
}
