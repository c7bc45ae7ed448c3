// Package logging provides the leveled log sink passed into the digitizer.
// Messages go to stdout, or to a rotating log file when one is configured.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/natefinch/lumberjack"
)

// Logger is the log sink used by every pipeline stage
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config describes where log messages are written
type Config struct {
	// File is the path of the log file. Empty means stdout.
	File string `yaml:"file" toml:"file"`

	// MaxSize is the maximum size in megabytes before the file is rotated
	MaxSize int `yaml:"maxSize" toml:"max_log_size"`

	// MaxAge is the number of days rotated files are retained
	MaxAge int `yaml:"maxAge" toml:"max_log_age"`

	// MaxBackups is the number of rotated files kept
	MaxBackups int `yaml:"maxBackups" toml:"max_log_backups"`

	// Verbose enables debug messages
	Verbose bool `yaml:"verbose" toml:"verbose"`
}

// StdLogger writes level-prefixed messages through a standard library logger
type StdLogger struct {
	out     *log.Logger
	closer  io.Closer
	verbose bool
}

// New creates a logger for the given configuration
func New(cfg Config) *StdLogger {
	if cfg.File == "" {
		return &StdLogger{
			out:     log.New(os.Stdout, "", log.LstdFlags),
			verbose: cfg.Verbose,
		}
	}

	fmt.Printf("Sending log messages to: %s\n", cfg.File)
	l := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize, // megabytes
		MaxAge:     cfg.MaxAge,  // days
		MaxBackups: cfg.MaxBackups,
	}
	return &StdLogger{
		out:     log.New(l, "", log.LstdFlags),
		closer:  l,
		verbose: cfg.Verbose,
	}
}

// NewWriter creates a logger writing to w. Used by tests and tools that
// capture output.
func NewWriter(w io.Writer, verbose bool) *StdLogger {
	return &StdLogger{out: log.New(w, "", 0), verbose: verbose}
}

// Debugf records a message at DEBUG level, only in verbose mode.
func (l *StdLogger) Debugf(format string, args ...interface{}) {
	if l.verbose {
		l.out.Printf(" DEBUG "+format, args...)
	}
}

// Infof is like Debugf, but at Info level and written regardless of verbosity.
func (l *StdLogger) Infof(format string, args ...interface{}) {
	l.out.Printf(" INFO "+format, args...)
}

// Warningf is like Infof, but at Warning level.
func (l *StdLogger) Warningf(format string, args ...interface{}) {
	l.out.Printf(" WARNING "+format, args...)
}

// Errorf is like Infof, but at Error level.
func (l *StdLogger) Errorf(format string, args ...interface{}) {
	l.out.Printf(" ERROR "+format, args...)
}

// Verbose reports whether debug messages are written
func (l *StdLogger) Verbose() bool {
	return l.verbose
}

// Close closes the log file, if any.
func (l *StdLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

type discard struct{}

func (discard) Debugf(string, ...interface{})   {}
func (discard) Infof(string, ...interface{})    {}
func (discard) Warningf(string, ...interface{}) {}
func (discard) Errorf(string, ...interface{})   {}

// Discard returns a logger that drops every message
func Discard() Logger {
	return discard{}
}

// DebugEnabled reports whether l writes debug messages. Loggers without a
// Verbose method are assumed to.
func DebugEnabled(l Logger) bool {
	switch v := l.(type) {
	case nil, discard:
		return false
	case interface{ Verbose() bool }:
		return v.Verbose()
	}
	return true
}

// OrDiscard returns l, or a discarding logger when l is nil
func OrDiscard(l Logger) Logger {
	if l == nil {
		return discard{}
	}
	return l
}
