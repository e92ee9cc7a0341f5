// Package daemon schedules outbox flushes and reports gated queue status.
//
// # Triggers
//
// Every trigger funnels into the sync engine's non-reentrant Flush through a
// single worker goroutine. A trigger that arrives while another is already
// waiting is coalesced with it:
//
//   - start: once, when the daemon starts
//   - online: when the connectivity probe sees an offline to online transition
//   - timer: every FlushInterval, armed only while jobs are pending
//   - visible: when the process receives SIGCONT or SIGUSR1 (unix)
//   - queue: when the queue changes and due jobs exist, debounced
//
// The gate never stops flushing. It only decides how much Status reports, and
// a flags change republishes the status to observers.
//
// # Queue watching
//
// In-process changes arrive on the outbox.Notifier. Changes made by other
// processes (for example "itsync enqueue" while the daemon runs) are picked
// up by a QueueWatcher on the store directories using fsnotify.
//
// # Status
//
// Status reports the full summary when the gate is enabled and a degraded
// summary (pending only, failed and due zero) otherwise:
//
//	sum := daemon.Status(ctx, manager, gate, engine.IsOnline())
//
// # Usage
//
//	d, err := daemon.NewWithConfig(engine, manager, gate, &daemon.Config{
//	    FlushInterval: 15 * time.Second,
//	    ProbeInterval: 2 * time.Second,
//	    WatchDirs:     []string{storeDir},
//	    Notifier:      notifier,
//	})
//	if err != nil {
//	    return err
//	}
//	d.AddObserver(dash)
//	return d.Start(ctx) // blocks until ctx is cancelled
package daemon
