package upgrade

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config is the process configuration, read from UPGRADE_* environment
// variables.
type Config struct {
	Silent bool `envconfig:"SILENT"`

	DBType string `envconfig:"DB_TYPE" default:"sqlite"`
	DBName string `envconfig:"DB_NAME"`
	DBHost string `envconfig:"DB_HOST" default:"127.0.0.1"`
	DBPort int    `envconfig:"DB_PORT"`
	DBUser string `envconfig:"DB_USER" default:"root"`
	DBPass string `envconfig:"DB_PASS"`

	// Dir holds the design chain's sql files and DataDir the data chain's.
	Dir     string `envconfig:"DIR" default:"."`
	DataDir string `envconfig:"DATA_DIR"`

	Workers          int           `envconfig:"WORKERS"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"500ms"`
	ConnectRetries   uint64        `envconfig:"CONNECT_RETRIES" default:"5"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
}

// LoadConfig reads the environment.
func LoadConfig() (Config, error) {
	var c Config
	if err := envconfig.Process("upgrade", &c); err != nil {
		return Config{}, errors.Wrap(err, "process env")
	}
	return c, nil
}

// Port returns DBPort or the default port for DBType.
func (c Config) Port() int {
	if c.DBPort != 0 {
		return c.DBPort
	}
	switch c.DBType {
	case "mysql":
		return 3306
	case "postgres":
		return 5432
	}
	return 0
}

// Options turns the configuration into executor options.
func (c Config) Options() []Option {
	return []Option{
		WithSilent(c.Silent),
		WithWorkers(c.Workers),
		WithProgressInterval(c.ProgressInterval),
		WithConnectRetries(c.ConnectRetries),
	}
}
