// Package config assembles itsync settings from defaults, an optional config
// file (TOML or YAML), ITSYNC_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/irontracks/itsync/internal/outbox/apply"
	"github.com/irontracks/itsync/internal/outbox/daemon"
	"github.com/irontracks/itsync/internal/outbox/dashboard"
	"github.com/irontracks/itsync/internal/outbox/flags"
	"github.com/irontracks/itsync/internal/outbox/netprobe"
	"github.com/irontracks/itsync/internal/outbox/store"
	"github.com/irontracks/itsync/internal/outbox/syncer"
)

// EnvPrefix prefixes every environment override, e.g. ITSYNC_SYNC_MAX_BATCH.
const EnvPrefix = "ITSYNC"

// FileName is the config file base name searched for when none is given.
const FileName = "itsync"

// Config is the full itsync configuration.
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	Namespace string `mapstructure:"namespace"`

	Store     StoreConfig     `mapstructure:"store"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Apply     ApplyConfig     `mapstructure:"apply"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Flags     FlagsConfig     `mapstructure:"flags"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	QuotaBytes int64  `mapstructure:"quota_bytes"`
}

// SyncConfig tunes the flush loop.
type SyncConfig struct {
	MaxBatch    int           `mapstructure:"max_batch"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	BackoffMin  time.Duration `mapstructure:"backoff_min"`
	Jitter      float64       `mapstructure:"jitter"`
}

// ApplyConfig points the HTTP applier at the backend.
type ApplyConfig struct {
	URL     string            `mapstructure:"url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
}

// ProbeConfig controls connectivity detection. An empty address means
// always online.
type ProbeConfig struct {
	Address  string        `mapstructure:"address"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DaemonConfig controls the trigger layer.
type DaemonConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Debounce      time.Duration `mapstructure:"debounce"`
	Verbose       bool          `mapstructure:"verbose"`
}

// FlagsConfig locates the flags file and holds the fallback values used when
// neither the file nor the cache can be read.
type FlagsConfig struct {
	File          string `mapstructure:"file"`
	KillSwitch    bool   `mapstructure:"kill_switch"`
	OfflineSyncV2 bool   `mapstructure:"offline_sync_v2"`
}

// DashboardConfig enables the WebSocket dashboard.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig configures log output and rotation.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SetDefaults registers every key with its default value. Registering all
// keys is what lets AutomaticEnv reach nested settings on Unmarshal.
func SetDefaults(v *viper.Viper) {
	b := syncer.DefaultBackoff()
	d := daemon.DefaultConfig()

	v.SetDefault("data_dir", ".itsync")
	v.SetDefault("namespace", "default")

	v.SetDefault("store.backend", store.BackendAuto)
	v.SetDefault("store.quota_bytes", int64(0))

	v.SetDefault("sync.max_batch", syncer.DefaultConfig().MaxBatch)
	v.SetDefault("sync.backoff_base", b.Base)
	v.SetDefault("sync.backoff_max", b.Max)
	v.SetDefault("sync.backoff_min", b.Min)
	v.SetDefault("sync.jitter", b.Jitter)

	v.SetDefault("apply.url", "")
	v.SetDefault("apply.timeout", 30*time.Second)
	v.SetDefault("apply.headers", map[string]string{})

	v.SetDefault("probe.address", "")
	v.SetDefault("probe.interval", d.ProbeInterval)
	v.SetDefault("probe.timeout", 2*time.Second)

	v.SetDefault("daemon.flush_interval", d.FlushInterval)
	v.SetDefault("daemon.debounce", d.DebounceInterval)
	v.SetDefault("daemon.verbose", false)

	v.SetDefault("flags.file", "")
	v.SetDefault("flags.kill_switch", false)
	v.SetDefault("flags.offline_sync_v2", true)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.addr", dashboard.DefaultConfig().Addr)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
}

// Load reads configuration into v and decodes it.
//
// path names an explicit config file, which must exist. With an empty path
// an "itsync.toml" or "itsync.yaml" is searched for in the working directory
// and in the data directory; finding none is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("data_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the Config has usable values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	switch c.Store.Backend {
	case store.BackendAuto, store.BackendSQLite, store.BackendFlat:
	default:
		return fmt.Errorf("store.backend must be %s, %s or %s (got %q)",
			store.BackendAuto, store.BackendSQLite, store.BackendFlat, c.Store.Backend)
	}
	if c.Store.QuotaBytes < 0 {
		return fmt.Errorf("store.quota_bytes cannot be negative")
	}
	if c.Sync.MaxBatch <= 0 {
		return fmt.Errorf("sync.max_batch must be positive (got %d)", c.Sync.MaxBatch)
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync backoff must satisfy 0 < backoff_base <= backoff_max")
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter >= 1 {
		return fmt.Errorf("sync.jitter must be in [0, 1) (got %v)", c.Sync.Jitter)
	}
	if c.Daemon.FlushInterval <= 0 || c.Probe.Interval <= 0 {
		return fmt.Errorf("daemon.flush_interval and probe.interval must be positive")
	}
	return nil
}

// StoreDir is the namespace directory holding the store files.
func (c *Config) StoreDir() string {
	return c.StoreConfig(nil).Dir()
}

// FlagsFile returns the flags file path, defaulting to flags.toml in the
// namespace directory.
func (c *Config) FlagsFile() string {
	if c.Flags.File != "" {
		return c.Flags.File
	}
	return filepath.Join(c.StoreDir(), "flags.toml")
}

// StoreConfig builds the store configuration.
func (c *Config) StoreConfig(logger *log.Logger) *store.Config {
	return &store.Config{
		DataDir:    c.DataDir,
		Namespace:  c.Namespace,
		Backend:    c.Store.Backend,
		QuotaBytes: c.Store.QuotaBytes,
		Logger:     logger,
	}
}

// SyncConfig builds the engine configuration.
func (c *Config) SyncConfig(logger *log.Logger) *syncer.Config {
	sc := syncer.DefaultConfig()
	sc.MaxBatch = c.Sync.MaxBatch
	sc.Backoff = syncer.Backoff{
		Base:   c.Sync.BackoffBase,
		Max:    c.Sync.BackoffMax,
		Min:    c.Sync.BackoffMin,
		Jitter: c.Sync.Jitter,
	}
	if logger != nil {
		sc.Logger = logger
	}
	return sc
}

// Applier builds the HTTP applier, or nil when no URL is configured.
func (c *Config) Applier() *apply.HTTPApplier {
	if c.Apply.URL == "" {
		return nil
	}
	a := apply.New(c.Apply.URL)
	if c.Apply.Timeout > 0 {
		a.Timeout = c.Apply.Timeout
	}
	if len(c.Apply.Headers) > 0 {
		a.Header = make(http.Header, len(c.Apply.Headers))
		for k, val := range c.Apply.Headers {
			a.Header.Set(k, val)
		}
	}
	return a
}

// Prober builds the connectivity probe.
func (c *Config) Prober() *netprobe.Prober {
	p := netprobe.New(c.Probe.Address)
	if c.Probe.Timeout > 0 {
		p.Timeout = c.Probe.Timeout
	}
	return p
}

// FallbackFlags returns the flags used when no file or cache is readable.
func (c *Config) FallbackFlags() flags.Flags {
	return flags.Flags{KillSwitch: c.Flags.KillSwitch, OfflineSyncV2: c.Flags.OfflineSyncV2}
}

// DaemonConfig builds the daemon configuration.
func (c *Config) DaemonConfig(logger *log.Logger) *daemon.Config {
	dc := daemon.DefaultConfig()
	dc.FlushInterval = c.Daemon.FlushInterval
	dc.ProbeInterval = c.Probe.Interval
	if c.Daemon.Debounce > 0 {
		dc.DebounceInterval = c.Daemon.Debounce
	}
	dc.FlushMax = c.Sync.MaxBatch
	dc.Verbose = c.Daemon.Verbose
	dc.WatchDirs = []string{c.StoreDir()}
	if logger != nil {
		dc.Logger = logger
	}
	return dc
}
