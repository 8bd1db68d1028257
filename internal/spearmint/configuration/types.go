package configuration

import (
	"time"

	"github.com/G-Research/spearmint/internal/common/config"
	"github.com/G-Research/spearmint/internal/common/logging"
)

const (
	MemoryStore   = "memory"
	RedisStore    = "redis"
	PostgresStore = "postgres"
)

type SpearmintConfig struct {
	Store   StoreConfig
	Chooser ChooserConfig
	// Likelihood recorded in the profile of every new experiment.
	Likelihood string `validate:"required"`
	// How long a parsed experiment profile is reused before it is read again.
	ProfileCacheTTL time.Duration `validate:"gt=0"`
	// Port the daemon serves /metrics and /health on.
	MetricsPort uint16 `validate:"required"`
	// How often the daemon refreshes the per-experiment gauges.
	MetricsRefreshInterval time.Duration `validate:"gt=0"`
	// Owners whose experiments the daemon reports on.
	Owners []string
	// Owner used by the command-line tool when --owner is not given.
	DefaultOwner string
	Logging      logging.Config
}

type StoreConfig struct {
	Type string `validate:"oneof=memory redis postgres"`
	// Upper bound on every experiment operation, store round trips included.
	Timeout  time.Duration `validate:"gt=0"`
	Redis    config.RedisConfig
	Postgres config.PostgresConfig
}

type ChooserConfig struct {
	Name string `validate:"required"`
	// Seed of the chooser's random source. Zero seeds from the clock.
	Seed int64
}
