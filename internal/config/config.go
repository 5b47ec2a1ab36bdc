// Package config loads relay configuration: YAML file first, then RELAY_*
// environment overrides on top. Everything has a working default so a relay
// can start with no config at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"go-simpler.org/env"
	"gopkg.in/yaml.v3"
)

// Config is the full relay configuration tree.
type Config struct {
	DataDir  string `yaml:"dataDir" env:"RELAY_DATA_DIR"`
	LogLevel string `yaml:"logLevel" env:"RELAY_LOG_LEVEL"`

	Budget    Budget    `yaml:"budget"`
	RateLimit RateLimit `yaml:"rateLimit"`
	Breaker   Breaker   `yaml:"circuitBreaker"`
	Pressure  Pressure  `yaml:"backpressure"`
	Watcher   Watcher   `yaml:"watcher"`
	Janitor   Janitor   `yaml:"janitor"`
}

// Budget holds the defaults applied when a publish carries no budget.
type Budget struct {
	MaxHops    int           `yaml:"maxHops" env:"RELAY_BUDGET_MAX_HOPS"`
	CallBudget int           `yaml:"callBudget" env:"RELAY_BUDGET_CALLS"`
	TTL        time.Duration `yaml:"ttl" env:"RELAY_BUDGET_TTL"`
}

// RateLimit configures the per-sender sliding window.
type RateLimit struct {
	Enabled      bool           `yaml:"enabled" env:"RELAY_RATELIMIT_ENABLED"`
	MaxPerWindow int            `yaml:"maxPerWindow" env:"RELAY_RATELIMIT_MAX"`
	WindowSecs   int            `yaml:"windowSecs" env:"RELAY_RATELIMIT_WINDOW_SECS"`
	Overrides    map[string]int `yaml:"overrides"`
}

// Breaker configures the per-endpoint circuit breakers.
type Breaker struct {
	FailureThreshold int           `yaml:"failureThreshold" env:"RELAY_BREAKER_FAILURES"`
	Cooldown         time.Duration `yaml:"cooldown" env:"RELAY_BREAKER_COOLDOWN"`
	HalfOpenProbes   int           `yaml:"halfOpenProbes" env:"RELAY_BREAKER_PROBES"`
	SuccessToClose   int           `yaml:"successToClose" env:"RELAY_BREAKER_SUCCESSES"`
}

// Pressure configures per-mailbox backpressure.
type Pressure struct {
	MaxMailboxSize int     `yaml:"maxMailboxSize" env:"RELAY_PRESSURE_MAX"`
	WarnAt         float64 `yaml:"warnAt" env:"RELAY_PRESSURE_WARN_AT"`
}

// Watcher configures push delivery.
type Watcher struct {
	SweepInterval time.Duration `yaml:"sweepInterval" env:"RELAY_WATCHER_SWEEP"`
}

// Janitor configures periodic expiry cleanup.
type Janitor struct {
	Interval time.Duration `yaml:"interval" env:"RELAY_JANITOR_INTERVAL"`
}

// Default returns the configuration used when nothing overrides it. The
// data dir follows the XDG spec.
func Default() Config {
	return Config{
		DataDir:  filepath.Join(xdg.DataHome, "relay"),
		LogLevel: "info",
		Budget: Budget{
			MaxHops:    5,
			CallBudget: 25,
			TTL:        5 * time.Minute,
		},
		RateLimit: RateLimit{
			Enabled:      true,
			MaxPerWindow: 60,
			WindowSecs:   60,
		},
		Breaker: Breaker{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			HalfOpenProbes:   1,
			SuccessToClose:   1,
		},
		Pressure: Pressure{
			MaxMailboxSize: 1000,
			WarnAt:         0.8,
		},
		Watcher: Watcher{SweepInterval: 5 * time.Second},
		Janitor: Janitor{Interval: time.Minute},
	}
}

// Load reads the YAML file at path (missing file means defaults) and applies
// RELAY_* environment variables on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults stand.
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := env.Load(&cfg, nil); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir must not be empty")
	}
	if c.Pressure.WarnAt < 0 || c.Pressure.WarnAt > 1 {
		return fmt.Errorf("config: backpressure.warnAt must be within [0,1], got %v", c.Pressure.WarnAt)
	}
	if c.RateLimit.Enabled && (c.RateLimit.MaxPerWindow <= 0 || c.RateLimit.WindowSecs <= 0) {
		return fmt.Errorf("config: rateLimit window and max must be positive when enabled")
	}
	return nil
}

// DBPath is the SQLite index location under the data dir.
func (c Config) DBPath() string { return filepath.Join(c.DataDir, "relay.db") }

// MailboxRoot is the Maildir tree root under the data dir.
func (c Config) MailboxRoot() string { return filepath.Join(c.DataDir, "mailboxes") }

// AdapterConfigPath is the watched adapter config file.
func (c Config) AdapterConfigPath() string { return filepath.Join(c.DataDir, "adapters.json") }

// BindingsPath is the binding store file.
func (c Config) BindingsPath() string { return filepath.Join(c.DataDir, "bindings.json") }

// SessionsPath is the persisted session map.
func (c Config) SessionsPath() string { return filepath.Join(c.DataDir, "sessions.msgpack") }
