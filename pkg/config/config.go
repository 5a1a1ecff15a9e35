// Package config loads daemon settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/lunarch/savepoint/pkg/retention"
)

// Config carries every setting the daemon reads.
type Config struct {
	// DatabaseURL selects the backend by scheme: postgres:// or
	// postgresql:// for PostgreSQL, sqlite: for SQLite, mem: for the
	// in-memory store.
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite:savepoint.db"`

	// MaxGameDays is the retention window in days. Kept as a string so a
	// malformed value degrades to the stock window instead of failing
	// startup; resolve it through RetentionDays.
	MaxGameDays string `env:"MAX_GAME_DAYS"`

	// SweepInterval is how often the standalone purge sweeper runs.
	// Zero disables it; the CleanSaves-triggered purge still happens.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`

	OpsAddr     string `env:"OPS_ADDR" envDefault:":8484"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	TraceStdout bool   `env:"TRACE_STDOUT" envDefault:"false"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// RetentionDays resolves MaxGameDays to a day count, falling back to
// the stock window when unset or malformed.
func (c Config) RetentionDays() int {
	return retention.Window(c.MaxGameDays)
}
