package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irontracks/itsync/internal/outbox/store"
)

// chdir moves into a fresh directory so no stray itsync.* file is picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ".itsync", cfg.DataDir)
	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, store.BackendAuto, cfg.Store.Backend)
	assert.Equal(t, 8, cfg.Sync.MaxBatch)
	assert.Equal(t, 5*time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Sync.BackoffMax)
	assert.Equal(t, 15*time.Second, cfg.Daemon.FlushInterval)
	assert.Equal(t, 2*time.Second, cfg.Probe.Interval)
	assert.True(t, cfg.FallbackFlags().Enabled())
	assert.Nil(t, cfg.Applier(), "no URL means no HTTP applier")
	assert.Equal(t, filepath.Join(".itsync", "default", "flags.toml"), cfg.FlagsFile())
}

func TestLoad_TOMLFile(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "/var/lib/itsync"
namespace = "user-42"

[store]
backend = "flat"
quota_bytes = 5000000

[sync]
max_batch = 4
backoff_base = "2s"
backoff_max = "1m"

[apply]
url = "https://api.example.com/offline"
timeout = "10s"

[apply.headers]
Authorization = "Bearer abc"

[flags]
kill_switch = true
`), 0644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/itsync", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/itsync", "user-42"), cfg.StoreDir())
	assert.Equal(t, store.BackendFlat, cfg.Store.Backend)
	assert.Equal(t, int64(5000000), cfg.Store.QuotaBytes)

	sc := cfg.SyncConfig(nil)
	assert.Equal(t, 4, sc.MaxBatch)
	assert.Equal(t, 2*time.Second, sc.Backoff.Base)
	assert.Equal(t, time.Minute, sc.Backoff.Max)
	assert.InDelta(t, 0.15, sc.Backoff.Jitter, 1e-9)

	a := cfg.Applier()
	require.NotNil(t, a)
	assert.Equal(t, "https://api.example.com/offline", a.URL)
	assert.Equal(t, 10*time.Second, a.Timeout)
	assert.Equal(t, "Bearer abc", a.Header.Get("Authorization"))

	assert.False(t, cfg.FallbackFlags().Enabled(), "kill switch wins")
}

func TestLoad_YAMLFileInDataDirSearchPath(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".itsync"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".itsync", "itsync.yaml"), []byte(`
daemon:
  flush_interval: 30s
  verbose: true
probe:
  address: api.example.com:443
`), 0644))

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	dc := cfg.DaemonConfig(nil)
	assert.Equal(t, 30*time.Second, dc.FlushInterval)
	assert.True(t, dc.Verbose)
	assert.Equal(t, 8, dc.FlushMax)
	assert.Equal(t, []string{filepath.Join(".itsync", "default")}, dc.WatchDirs)
	assert.Equal(t, "api.example.com:443", cfg.Prober().Address)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "itsync.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nmax_batch = 4\n"), 0644))

	t.Setenv("ITSYNC_SYNC_MAX_BATCH", "3")
	t.Setenv("ITSYNC_STORE_BACKEND", "sqlite")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Sync.MaxBatch)
	assert.Equal(t, store.BackendSQLite, cfg.Store.Backend)
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	dir := chdir(t)
	_, err := Load(viper.New(), filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdir(t)
	base, err := Load(viper.New(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "empty data dir", mutate: func(c *Config) { c.DataDir = " " }},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "redis" }},
		{name: "negative quota", mutate: func(c *Config) { c.Store.QuotaBytes = -1 }},
		{name: "zero batch", mutate: func(c *Config) { c.Sync.MaxBatch = 0 }},
		{name: "max below base", mutate: func(c *Config) { c.Sync.BackoffMax = time.Second }},
		{name: "jitter too large", mutate: func(c *Config) { c.Sync.Jitter = 1 }},
		{name: "zero flush interval", mutate: func(c *Config) { c.Daemon.FlushInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, base.Validate())
}
