// Package logging builds the component loggers used across itsync.
//
// Every component logs through a standard *log.Logger with its own prefix
// ("[sync] ", "[daemon] ", ...). All loggers share one Output, which writes to
// stderr and, when a log file is configured, to a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes.
type Config struct {
	// File is the rotated log file path. Empty disables file output.
	File string

	MaxSizeMB  int  // Rotate after this many megabytes (lumberjack default: 100)
	MaxBackups int  // Rotated files to keep
	MaxAgeDays int  // Days to keep rotated files
	Compress   bool // Gzip rotated files

	// Quiet drops the stderr copy.
	Quiet bool
}

// Output is the shared destination of every component logger.
type Output struct {
	w    io.Writer
	file *lumberjack.Logger
}

// Open creates an Output. stderr is the console destination (nil: os.Stderr).
func Open(cfg Config, stderr io.Writer) *Output {
	if stderr == nil {
		stderr = os.Stderr
	}

	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, stderr)
	}

	o := &Output{}
	if cfg.File != "" {
		o.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, o.file)
	}

	switch len(writers) {
	case 0:
		o.w = io.Discard
	case 1:
		o.w = writers[0]
	default:
		o.w = io.MultiWriter(writers...)
	}
	return o
}

// Discard returns an Output that drops everything.
func Discard() *Output {
	return &Output{w: io.Discard}
}

// New returns a logger for one component, e.g. New("sync") logs with "[sync] ".
func (o *Output) New(component string) *log.Logger {
	prefix := ""
	if component != "" {
		prefix = "[" + component + "] "
	}
	return log.New(o.w, prefix, log.LstdFlags)
}

// Writer returns the combined destination.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Close flushes and closes the log file, if any.
func (o *Output) Close() error {
	if o.file != nil {
		return o.file.Close()
	}
	return nil
}
