package upgrade

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// StartupConfig holds the application's part of startup.
type StartupConfig struct {
	// PrimaryTable decides whether the database is new. When it is absent
	// InitSchema builds the current schema and the ledger starts at the
	// chains' targets. Leave it empty to always walk the chains from their
	// baselines.
	PrimaryTable string
	InitSchema   func(ctx context.Context, db *sqlx.DB) error

	// InitPersistence brings up the entity layer. It runs after the design
	// chain and before the data chain.
	InitPersistence func(ctx context.Context, db *sqlx.DB) error

	// Reloaders are rebuilt once the data chain is done.
	Reloaders []Reloader
}

// Startup brings a database from whatever state it is in to one the
// running code can use. Every gate runs at most once per process.
type Startup struct {
	mu     sync.Mutex
	store  Store
	reg    *Registry
	cfg    StartupConfig
	opts   options
	log    *zap.Logger
	ledger *Ledger
	design *DesignExecutor
	data   *DataExecutor

	reachable     bool
	created       bool
	opened        bool
	tableChecked  bool
	designChecked bool
	persistence   bool
	dataChecked   bool
	reloaded      bool

	failed  error
	results []RunResult
}

// NewStartup validates the registry and prepares the executors. An invalid
// registry is a programming error and is reported here, before anything
// touches the database.
func NewStartup(store Store, reg *Registry, cfg StartupConfig, opt ...Option) (*Startup, error) {
	if err := reg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate registry")
	}
	opts := getOpts(opt...)
	ledger := NewLedger(store)
	return &Startup{
		store:  store,
		reg:    reg,
		cfg:    cfg,
		opts:   opts,
		log:    opts.withLogger,
		ledger: ledger,
		design: NewDesignExecutor(store, ledger, reg.Design, opt...),
		data:   NewDataExecutor(store, ledger, reg.Data, opt...),
	}, nil
}

func (s *Startup) Ledger() *Ledger { return s.ledger }

func (s *Startup) Design() *DesignExecutor { return s.design }

// Results returns the data steps run by Ensure. Steps with failed records
// have HadErrors set.
func (s *Startup) Results() []RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results
}

// Ensure runs whatever gates have not passed yet. After a failure every call
// returns an error matching ErrUnavailable and wrapping the first cause.
// Cancellation is not a failure: the ledger is consistent and a later call
// picks up where this one stopped.
func (s *Startup) Ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return s.failed
	}
	if s.reloaded {
		return nil
	}

	log := s.log.With(zap.String("run_id", uuid.NewString()))
	started := time.Now()
	if err := s.ensure(ctx, log); err != nil {
		if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
			log.Info("Startup interrupted", zap.Error(err))
			return err
		}
		log.Error("Startup failed", zap.Error(err))
		s.failed = &unavailableError{err: err}
		return s.failed
	}
	log.Info("Database ready",
		zap.Int("design", s.reg.Design.Target()),
		zap.Int("data", s.reg.Data.Target()),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (s *Startup) ensure(ctx context.Context, log *zap.Logger) error {
	if !s.reachable {
		if err := s.ping(ctx, log); err != nil {
			return errors.Wrap(err, "reach server")
		}
		s.reachable = true
	}
	if !s.created {
		if err := s.store.CreateDatabaseIfNotExists(ctx); err != nil {
			return errors.Wrap(err, "create database")
		}
		s.created = true
	}
	if !s.opened {
		if err := s.store.Open(ctx); err != nil {
			return errors.Wrap(err, "open")
		}
		if err := s.store.CreateMetaIfNotExists(ctx); err != nil {
			return errors.Wrap(err, "create meta tables")
		}
		s.opened = true
	}
	if !s.tableChecked {
		if err := s.checkTables(ctx, log); err != nil {
			return errors.Wrap(err, "check tables")
		}
		if err := s.verifyHistory(ctx); err != nil {
			return err
		}
		if err := s.ledger.Load(ctx); err != nil {
			return errors.Wrap(err, "load ledger")
		}
		log.Info("Database opened",
			zap.Int("design", s.ledger.OnStartup(Design)),
			zap.Int("data", s.ledger.OnStartup(Data)))
		s.tableChecked = true
	}
	if !s.designChecked {
		if err := s.design.Run(ctx); err != nil {
			return err
		}
		s.designChecked = true
	}
	if !s.persistence {
		if s.cfg.InitPersistence != nil {
			if err := s.cfg.InitPersistence(ctx, s.store.Handle()); err != nil {
				return errors.Wrap(err, "init persistence")
			}
		}
		s.persistence = true
	}
	if !s.dataChecked {
		results, err := s.data.Run(ctx)
		s.results = append(s.results, results...)
		switch {
		case errors.Is(err, ErrRecordFailures):
			log.Warn("Data ledger held back; failed records are retried on the next start",
				zap.Error(err))
		case err != nil:
			return err
		}
		s.dataChecked = true
	}
	for _, r := range s.cfg.Reloaders {
		if err := r.Reload(ctx); err != nil {
			return errors.Wrap(err, "reload")
		}
	}
	s.reloaded = true
	return nil
}

// ping retries with exponential backoff. A canceled ctx stops the retries.
func (s *Startup) ping(ctx context.Context, log *zap.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.RetryNotify(
		func() error {
			return s.store.PingServer(ctx)
		},
		backoff.WithContext(backoff.WithMaxRetries(b, s.opts.withConnectRetries), ctx),
		func(err error, d time.Duration) {
			log.Warn("Database server unreachable, retrying",
				zap.Error(err), zap.Duration("wait", d))
		},
	)
}

// checkTables creates the schema for a new database and makes sure the
// ledger exists.
func (s *Startup) checkTables(ctx context.Context, log *zap.Logger) error {
	design, data := s.reg.Design.Baseline, s.reg.Data.Baseline
	if s.cfg.PrimaryTable != "" {
		ok, err := s.store.TableExists(ctx, s.cfg.PrimaryTable)
		if err != nil {
			return errors.Wrapf(err, "probe %s", s.cfg.PrimaryTable)
		}
		if !ok {
			if s.cfg.InitSchema == nil {
				return errors.Errorf("table %s missing and no schema to create it", s.cfg.PrimaryTable)
			}
			log.Info("Creating schema", zap.String("table", s.cfg.PrimaryTable))
			if err = s.cfg.InitSchema(ctx, s.store.Handle()); err != nil {
				return errors.Wrap(err, "init schema")
			}
			design, data = s.reg.Design.Target(), s.reg.Data.Target()
		}
	}
	created, err := s.store.CreateLedgerIfNotExists(ctx, design, data)
	if err != nil {
		return errors.Wrap(err, "create ledger")
	}
	if created {
		log.Info("Created version ledger", zap.Int("design", design), zap.Int("data", data))
	}
	return nil
}

// verifyHistory refuses to run when a step that already ran has changed or
// disappeared.
func (s *Startup) verifyHistory(ctx context.Context) error {
	history, err := s.store.GetHistory(ctx)
	if err != nil {
		return errors.Wrap(err, "get history")
	}
	if err = s.reg.VerifyHistory(history); err != nil {
		return errors.Wrap(err, "verify history")
	}
	return nil
}
