package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config selects and locates the backend.
type Config struct {
	// DataDir is the root directory for on-device state.
	DataDir string

	// Namespace scopes the queue layout per installation (or per user, when
	// the caller chooses to pass a user-derived value).
	Namespace string

	// Backend is BackendAuto, BackendSQLite or BackendFlat.
	Backend string

	// QuotaBytes limits the flat backend's total size. Zero means unlimited.
	QuotaBytes int64

	// Logger for storage warnings (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:   ".itsync",
		Namespace: "default",
		Backend:   BackendAuto,
		Logger:    log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
}

// Dir returns the namespace directory holding every store file.
func (c *Config) Dir() string {
	ns := strings.TrimSpace(c.Namespace)
	if ns == "" {
		ns = "default"
	}
	return filepath.Join(c.DataDir, ns)
}

var (
	detectOnce      sync.Once
	sqliteSupported bool

	openSQLite = OpenSQLite
)

// sqliteAvailable reports whether the embedded SQLite engine works in this
// process. The probe runs once per process lifetime and is cached.
func sqliteAvailable(logger *log.Logger) bool {
	detectOnce.Do(func() {
		probe, err := openSQLite(":memory:")
		if err != nil {
			logger.Printf("SQLite unavailable, using flat store: %v", err)
			sqliteSupported = false
			return
		}
		_ = probe.Close()
		sqliteSupported = true
	})
	return sqliteSupported
}

// Open builds an Adapter over the configured backend.
//
// With BackendAuto the primary backend is used when the SQLite engine is
// available and the database opens; otherwise the flat backend takes over.
// Explicit backends fail instead of falling back.
func Open(config *Config) (*Adapter, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	if strings.TrimSpace(config.DataDir) == "" {
		return nil, fmt.Errorf("data dir cannot be empty")
	}

	dir := config.Dir()
	dbPath := filepath.Join(dir, SQLiteFile)

	switch strings.ToLower(strings.TrimSpace(config.Backend)) {
	case BackendSQLite:
		b, err := openSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return NewAdapter(b, config.Logger), nil

	case BackendFlat:
		b, err := OpenFlat(filepath.Join(dir, "flat"), config.QuotaBytes)
		if err != nil {
			return nil, err
		}
		return NewAdapter(b, config.Logger), nil

	case BackendAuto, "":
		if sqliteAvailable(config.Logger) {
			b, err := openSQLite(dbPath)
			if err == nil {
				return NewAdapter(b, config.Logger), nil
			}
			config.Logger.Printf("Warning: cannot open %s, falling back to flat store: %v", dbPath, err)
		}
		b, err := OpenFlat(filepath.Join(dir, "flat"), config.QuotaBytes)
		if err != nil {
			return nil, err
		}
		return NewAdapter(b, config.Logger), nil

	default:
		return nil, fmt.Errorf("unknown backend %q (want %s, %s or %s)",
			config.Backend, BackendAuto, BackendSQLite, BackendFlat)
	}
}
