package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/irontracks/itsync/internal/config"
	"github.com/irontracks/itsync/internal/logging"
	"github.com/irontracks/itsync/internal/outbox"
	"github.com/irontracks/itsync/internal/outbox/flags"
	"github.com/irontracks/itsync/internal/outbox/netprobe"
	"github.com/irontracks/itsync/internal/outbox/queue"
	"github.com/irontracks/itsync/internal/outbox/store"
	"github.com/irontracks/itsync/internal/outbox/syncer"
)

// app is the set of components one command invocation works with.
type app struct {
	cfg      *config.Config
	logs     *logging.Output
	store    *store.Adapter
	queue    *queue.Manager
	notifier *outbox.Notifier
	flags    *flags.FileSource
	prober   *netprobe.Prober
}

// openApp loads configuration and opens the store. The caller must Close it.
func openApp(ctx context.Context, cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.v, opts.ConfigFile)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Err: err}
	}

	logs := logging.Open(logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Quiet:      opts.Quiet,
	}, cmd.ErrOrStderr())

	s, err := store.Open(cfg.StoreConfig(logs.New("store")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	notifier := outbox.NewNotifier()
	fs := flags.NewFileSource(cfg.FlagsFile(), s, cfg.FallbackFlags(), logs.New("flags"))
	fs.Load(ctx)

	return &app{
		cfg:      cfg,
		logs:     logs,
		store:    s,
		queue:    queue.New(s, queue.WithNotifier(notifier), queue.WithLogger(logs.New("queue"))),
		notifier: notifier,
		flags:    fs,
		prober:   cfg.Prober(),
	}, nil
}

// engine builds a sync engine that applies jobs over HTTP.
func (a *app) engine() (*syncer.Engine, error) {
	applier := a.cfg.Applier()
	if applier == nil {
		return nil, commandError("apply.url is not configured (set it in itsync.toml or ITSYNC_APPLY_URL)")
	}
	return syncer.New(a.store, applier.Apply, a.prober, a.cfg.SyncConfig(a.logs.New("sync")),
		syncer.WithNotifier(a.notifier)), nil
}

// watchDir is the directory holding the active backend's files.
func (a *app) watchDir() string {
	if a.store.Backend() == store.BackendFlat {
		return filepath.Join(a.cfg.StoreDir(), "flat")
	}
	return a.cfg.StoreDir()
}

func (a *app) Close() error {
	err := a.store.Close()
	if cerr := a.logs.Close(); err == nil {
		err = cerr
	}
	return err
}
