package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/egtann/upgrade"
	"github.com/egtann/upgrade/mysql"
	"github.com/egtann/upgrade/postgres"
	"github.com/egtann/upgrade/sqlite"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh/terminal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := newCommand(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err = cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if upgrade.IsFatal(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type app struct {
	cfg upgrade.Config

	sslKey        string
	sslCert       string
	sslCA         string
	sslServerName string
	metricsFile   string

	log     *zap.Logger
	metrics *upgrade.Metrics
}

func newCommand(ctx context.Context) (*cobra.Command, error) {
	cfg, err := upgrade.LoadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Bring a database up to the version the application expects",
		Long: `upgrade walks the design (schema) chain and then the data chain of a
database, one numbered step at a time, recording each version as it completes.

Design steps are read from NNNN_name.sql files in --dir, data steps from
--data-dir. Every flag can also be set with an UPGRADE_* environment variable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := upgrade.NewLogger(a.cfg.LogLevel, a.cfg.LogFormat)
			if err != nil {
				return err
			}
			a.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&a.cfg.DBType, "type", "t", cfg.DBType, "type of database (mysql, postgres, sqlite)")
	f.StringVar(&a.cfg.DBName, "db", cfg.DBName, "database name, or file path for sqlite")
	f.StringVarP(&a.cfg.DBUser, "user", "u", cfg.DBUser, "database user")
	f.StringVar(&a.cfg.DBHost, "host", cfg.DBHost, "database host")
	f.IntVarP(&a.cfg.DBPort, "port", "p", cfg.DBPort, "database port (default per type)")
	f.StringVar(&a.cfg.DBPass, "pass", cfg.DBPass, "password (optional flag, if not provided it will be requested)")
	f.StringVar(&a.cfg.Dir, "dir", cfg.Dir, "design steps directory")
	f.StringVar(&a.cfg.DataDir, "data-dir", cfg.DataDir, "data steps directory")
	f.StringVar(&a.sslKey, "ssl-key", "", "path to client key pem")
	f.StringVar(&a.sslCert, "ssl-cert", "", "path to client cert pem")
	f.StringVar(&a.sslCA, "ssl-ca", "", "path to server ca pem")
	f.StringVar(&a.sslServerName, "ssl-server", "", "server name for ssl")
	f.StringVar(&a.cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&a.cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")

	cmd.AddCommand(
		a.upCommand(ctx),
		a.statusCommand(ctx),
		a.checkCommand(ctx),
		a.stampCommand(ctx),
	)
	return cmd, nil
}

func (a *app) upCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run every pending design and data step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.up(ctx)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&a.cfg.Silent, "silent", a.cfg.Silent, "do not ask before upgrading")
	f.IntVar(&a.cfg.Workers, "workers", a.cfg.Workers, "record update workers (default number of CPUs)")
	f.DurationVar(&a.cfg.ProgressInterval, "progress-interval", a.cfg.ProgressInterval, "minimum time between progress lines")
	f.Uint64Var(&a.cfg.ConnectRetries, "connect-retries", a.cfg.ConnectRetries, "retries while the server is unreachable")
	f.StringVar(&a.metricsFile, "metrics-textfile", "", "write prometheus metrics to this file when done")
	return cmd
}

func (a *app) up(ctx context.Context) error {
	store, err := a.store()
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := a.registry()
	if err != nil {
		return err
	}

	opts := append(a.cfg.Options(),
		upgrade.WithLogger(a.log),
		upgrade.WithProgress(upgrade.ProgressFunc(func(msg string) {
			fmt.Fprintln(os.Stderr, msg)
		})),
	)
	if isatty.IsTerminal(os.Stdin.Fd()) {
		opts = append(opts, upgrade.WithOperator(&upgrade.TerminalOperator{
			In:  os.Stdin,
			Out: os.Stdout,
		}))
	}
	registry := prometheus.NewRegistry()
	if a.metricsFile != "" {
		a.metrics = upgrade.NewMetrics()
		registry.MustRegister(a.metrics.PrometheusCollectors()...)
		opts = append(opts, upgrade.WithMetrics(a.metrics))
	}
	if a.cfg.DBType == "sqlite" {
		opts = append(opts, upgrade.WithHooks(upgrade.EngineUpgrade{
			Name:      "vacuum",
			Threshold: reg.Design.Target(),
			Run:       sqlite.Vacuum,
		}))
	}

	startup, err := upgrade.NewStartup(store, reg, upgrade.StartupConfig{}, opts...)
	if err != nil {
		return err
	}
	err = startup.Ensure(ctx)
	for _, res := range startup.Results() {
		fmt.Println(res)
	}
	if a.metricsFile != "" {
		if merr := prometheus.WriteToTextfile(a.metricsFile, registry); merr != nil {
			a.log.Warn("Could not write metrics", zap.Error(merr))
		}
	}
	if err != nil {
		return err
	}
	fmt.Println("up to date")
	return nil
}

func (a *app) statusCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ledger versions and pending steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := a.inspect(ctx, true)
			return err
		},
	}
}

func (a *app) checkCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Exit non-zero when any step is pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := a.inspect(ctx, false)
			if err != nil {
				return err
			}
			for _, st := range statuses {
				if st.Err != nil {
					return st.Err
				}
				if len(st.Pending) > 0 {
					return fmt.Errorf("%s is at %d, expected %d", st.Counter, st.Version, st.Target)
				}
			}
			fmt.Println("up to date")
			return nil
		},
	}
}

func (a *app) inspect(ctx context.Context, verbose bool) ([]upgrade.ChainStatus, error) {
	store, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	statuses, err := upgrade.Inspect(ctx, upgrade.NewLedger(store), reg)
	if err != nil {
		return nil, err
	}
	if !verbose {
		return statuses, nil
	}
	for _, st := range statuses {
		fmt.Printf("%s: version %d, target %d\n", st.Counter, st.Version, st.Target)
		if st.Err != nil {
			fmt.Printf("\t%s\n", st.Err)
		}
		for _, s := range st.Pending {
			fmt.Printf("\twould run %s\n", s)
		}
	}
	return statuses, nil
}

func (a *app) stampCommand(ctx context.Context) *cobra.Command {
	var design, data int
	cmd := &cobra.Command{
		Use:   "stamp",
		Short: "Record versions without running any step",
		Long: `stamp records the given versions in the ledger without running the steps
that lead to them. This enables you to start using upgrade on an existing
database. Versions only move forward.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if design < 0 && data < 0 {
				return errors.New("nothing to stamp. specify --design and/or --data")
			}
			store, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			reg, err := a.registry()
			if err != nil {
				return err
			}
			if err = store.CreateMetaIfNotExists(ctx); err != nil {
				return errors.Wrap(err, "create meta tables")
			}
			_, err = store.CreateLedgerIfNotExists(ctx, reg.Design.Baseline, reg.Data.Baseline)
			if err != nil {
				return errors.Wrap(err, "create ledger")
			}
			if err = upgrade.NewLedger(store).Stamp(ctx, design, data); err != nil {
				return err
			}
			fmt.Println("stamped")
			return nil
		},
	}
	cmd.Flags().IntVar(&design, "design", -1, "design version to record")
	cmd.Flags().IntVar(&data, "data", -1, "data version to record")
	return cmd
}

// open connects to an existing database.
func (a *app) open(ctx context.Context) (upgrade.Store, error) {
	store, err := a.store()
	if err != nil {
		return nil, err
	}
	if err = store.PingServer(ctx); err != nil {
		return nil, errors.Wrap(err, "ping server")
	}
	if err = store.Open(ctx); err != nil {
		return nil, errors.Wrap(err, "open")
	}
	return store, nil
}

func (a *app) registry() (*upgrade.Registry, error) {
	design, err := upgrade.LoadSQLDir(a.cfg.Dir, upgrade.Design)
	if err != nil {
		return nil, errors.Wrap(err, "load design steps")
	}
	data := upgrade.NewChain(upgrade.Data, 0)
	if a.cfg.DataDir != "" {
		data, err = upgrade.LoadSQLDir(a.cfg.DataDir, upgrade.Data)
		if err != nil {
			return nil, errors.Wrap(err, "load data steps")
		}
	}
	return upgrade.NewRegistry(design, data), nil
}

func (a *app) store() (upgrade.Store, error) {
	if len(a.cfg.DBName) == 0 {
		return nil, errors.New("database name cannot be empty. specify using the --db flag. run `upgrade -h` for help")
	}
	if err := a.secure(); err != nil {
		return nil, err
	}
	if a.cfg.DBType == "sqlite" {
		return sqlite.New(a.cfg.DBName), nil
	}

	// Request database password if not provided as a flag argument
	if len(a.cfg.DBPass) == 0 {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			return nil, errors.New("no password given. set --pass or UPGRADE_DB_PASS")
		}
		fmt.Printf("%s database password: ", a.cfg.DBName)
		password, err := terminal.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return nil, errors.Wrap(err, "read pass")
		}
		fmt.Printf("\n")
		a.cfg.DBPass = string(password)
	}

	switch a.cfg.DBType {
	case "mysql":
		return mysql.New(a.cfg.DBUser, a.cfg.DBPass, a.cfg.DBHost, a.cfg.DBName,
			a.cfg.Port(), a.sslKey, a.sslCert, a.sslCA, a.sslServerName)
	case "postgres":
		return postgres.New(a.cfg.DBUser, a.cfg.DBPass, a.cfg.DBHost, a.cfg.DBName,
			a.cfg.Port(), a.sslKey, a.sslCert, a.sslCA), nil
	}
	return nil, fmt.Errorf("unknown db type: %s", a.cfg.DBType)
}

// secure limits the process to the files and syscalls it needs, on systems
// that support it.
func (a *app) secure() error {
	paths := map[string]string{a.cfg.Dir: "r"}
	if a.cfg.DataDir != "" {
		paths[a.cfg.DataDir] = "r"
	}
	for _, p := range []string{a.sslKey, a.sslCert, a.sslCA} {
		if p != "" {
			paths[p] = "r"
		}
	}
	if a.metricsFile != "" {
		paths[filepath.Dir(a.metricsFile)] = "rwc"
	}
	network := a.cfg.DBType != "sqlite"
	if network {
		paths["/etc/hosts"] = "r"
		paths["/etc/resolv.conf"] = "r"
	} else {
		paths[filepath.Dir(a.cfg.DBName)] = "rwc"
	}
	if err := upgrade.Unveil(paths); err != nil {
		return errors.Wrap(err, "unveil")
	}
	if err := upgrade.Pledge(network); err != nil {
		return errors.Wrap(err, "pledge")
	}
	return nil
}
