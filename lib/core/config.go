// Package core wires ledgerd together: it loads configuration and owns the
// lifecycle of the pooled database, the health monitor, the periodic
// checkpointer and the ops HTTP server.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/budgetbook/ledgerd/lib/validation"
)

// Default configuration values
const (
	DefaultDatabaseFile       = "ledger.db"
	DefaultAcquireTimeout     = 10 * time.Second
	DefaultCheckpointInterval = 5 * time.Minute
	DefaultHealthInterval     = 30 * time.Second
	DefaultAlertCooldown      = time.Minute
	DefaultMetricsLogInterval = 5 * time.Minute
	DefaultWebListen          = "127.0.0.1:8090"
	DefaultStatsDPrefix       = "ledgerd."
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultBreakerThreshold   = 5
	DefaultBreakerCooldown    = 5 * time.Second

	// JournalEnv overrides the journal mode. Accepted values are "wal"
	// and "delete".
	JournalEnv = "LEDGERD_JOURNAL"
)

// dockerMarker is present at the root of Docker containers, where bind
// mounts often do not support the shared memory WAL mode needs.
var dockerMarker = "/.dockerenv"

// Duration is a time.Duration that reads and writes as a TOML string
// such as "30s" or "5m".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all configuration for ledgerd.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Pool     PoolConfig     `toml:"pool"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Web      WebConfig      `toml:"web"`
	StatsD   StatsDConfig   `toml:"statsd"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	// Path is the database file. A leading "~/" expands to the home directory.
	Path string `toml:"path"`
}

// PoolConfig contains connection pool settings.
type PoolConfig struct {
	// Size is the number of pooled connections. 0 uses the CPU count.
	Size int `toml:"size"`
	// Monitoring enables per-connection usage records
	Monitoring bool `toml:"monitoring"`
	// WAL selects write-ahead logging. It can be overridden by the
	// environment and is disabled automatically inside Docker.
	WAL *bool `toml:"wal,omitempty"`
	// AcquireTimeout bounds each wait for a connection
	AcquireTimeout Duration `toml:"acquire_timeout"`
	// CheckpointInterval is the period of background WAL checkpoints
	CheckpointInterval Duration `toml:"checkpoint_interval"`
	// BreakerThreshold is how many consecutive exhausted acquires make
	// callers fail fast for BreakerCooldown. 0 disables the breaker.
	BreakerThreshold int `toml:"breaker_threshold"`
	// BreakerCooldown is how long callers fail fast once the breaker trips
	BreakerCooldown Duration `toml:"breaker_cooldown"`
}

// MonitorConfig contains health monitor settings.
type MonitorConfig struct {
	// Enabled controls whether the health monitor runs
	Enabled bool `toml:"enabled"`
	// HealthCheckInterval is the time between health samples
	HealthCheckInterval Duration `toml:"health_check_interval"`
	// AlertCooldown is the minimum time between alerts
	AlertCooldown Duration `toml:"alert_cooldown"`
	// MetricsLogInterval is how often a metrics line is logged
	MetricsLogInterval Duration `toml:"metrics_log_interval"`
	// Continuous redraws pool statistics to stdout. Debug only.
	Continuous bool `toml:"continuous"`
}

// WebConfig contains ops HTTP server settings.
type WebConfig struct {
	// Enabled controls whether the HTTP server is started
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the server to
	Listen string `toml:"listen"`
	// RequestsPerSecond and Burst limit each client; 0 uses the defaults.
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	// TrustProxy keys clients by X-Forwarded-For when a local reverse
	// proxy fronts the server.
	TrustProxy bool `toml:"trust_proxy"`
}

// StatsDConfig contains the optional StatsD sink.
type StatsDConfig struct {
	// Address is host:port of the StatsD daemon. Empty disables pushing.
	Address string `toml:"address"`
	// Prefix is prepended to every metric name
	Prefix string `toml:"prefix"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(homeDir, ".ledgerd", DefaultDatabaseFile),
		},
		Pool: PoolConfig{
			Size:               0,
			Monitoring:         true,
			AcquireTimeout:     Duration(DefaultAcquireTimeout),
			CheckpointInterval: Duration(DefaultCheckpointInterval),
			BreakerThreshold:   DefaultBreakerThreshold,
			BreakerCooldown:    Duration(DefaultBreakerCooldown),
		},
		Monitor: MonitorConfig{
			Enabled:             true,
			HealthCheckInterval: Duration(DefaultHealthInterval),
			AlertCooldown:       Duration(DefaultAlertCooldown),
			MetricsLogInterval:  Duration(DefaultMetricsLogInterval),
		},
		Web: WebConfig{
			Enabled: true,
			Listen:  DefaultWebListen,
		},
		StatsD: StatsDConfig{
			Prefix: DefaultStatsDPrefix,
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies LEDGERD_* environment variables on top of the
// file configuration. Values that fail to parse are ignored.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEDGERD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LEDGERD_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Size = n
		}
	}
	if v := os.Getenv("LEDGERD_ACQUIRE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pool.AcquireTimeout = Duration(d)
		}
	}
	if v := os.Getenv("LEDGERD_MONITOR_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Monitor.Enabled = b
		}
	}
	if v := os.Getenv("LEDGERD_WEB_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Web.Enabled = b
		}
	}
	if v := os.Getenv("LEDGERD_WEB_LISTEN"); v != "" {
		cfg.Web.Listen = v
	}
	if v := os.Getenv("LEDGERD_STATSD_ADDRESS"); v != "" {
		cfg.StatsD.Address = v
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs validation.Errors
	errs.Add(validation.Required("database.path", c.Database.Path))
	errs.Add(validation.NonNegative("pool.size", int64(c.Pool.Size)))
	errs.Add(validation.PositiveDuration("pool.acquire_timeout", c.Pool.AcquireTimeout.Std()))
	errs.Add(validation.PositiveDuration("pool.checkpoint_interval", c.Pool.CheckpointInterval.Std()))
	errs.Add(validation.NonNegative("pool.breaker_threshold", int64(c.Pool.BreakerThreshold)))
	if c.Pool.BreakerThreshold > 0 {
		errs.Add(validation.PositiveDuration("pool.breaker_cooldown", c.Pool.BreakerCooldown.Std()))
	}
	if c.Monitor.Enabled {
		errs.Add(validation.PositiveDuration("monitor.health_check_interval", c.Monitor.HealthCheckInterval.Std()))
		errs.Add(validation.PositiveDuration("monitor.alert_cooldown", c.Monitor.AlertCooldown.Std()))
		errs.Add(validation.PositiveDuration("monitor.metrics_log_interval", c.Monitor.MetricsLogInterval.Std()))
	}
	if c.Web.Enabled {
		errs.Add(validation.HostPort("web.listen", c.Web.Listen))
		errs.Add(validation.NonNegative("web.burst", int64(c.Web.Burst)))
		if c.Web.RequestsPerSecond < 0 {
			errs.Add(validation.NewResult("web.requests_per_second", "must not be negative", validation.ErrOutOfRange))
		}
	}
	return errs.Err()
}

// PoolSize returns the configured pool size, defaulting to the number of
// logical CPUs.
func (c *Config) PoolSize() int {
	if c.Pool.Size > 0 {
		return c.Pool.Size
	}
	return max(runtime.NumCPU(), 1)
}

// DatabasePath returns the database path with a leading "~/" expanded.
func (c *Config) DatabasePath() string {
	p := c.Database.Path
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return p
}

// UseWAL decides the journal mode. The environment wins, then an explicit
// pool.wal setting, then Docker detection; WAL is the default.
func (c *Config) UseWAL() bool {
	switch strings.ToLower(os.Getenv(JournalEnv)) {
	case "delete":
		return false
	case "wal":
		return true
	}
	if c.Pool.WAL != nil {
		return *c.Pool.WAL
	}
	if inDocker() {
		return false
	}
	return true
}

func inDocker() bool {
	_, err := os.Stat(dockerMarker)
	return err == nil
}
