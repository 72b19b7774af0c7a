// Package debug builds the process logger and carries the global debug
// switch.
package debug

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	enabled     = os.Getenv("BTSMIRROR_DEBUG") != ""
	verboseMode = false
)

// Enabled reports whether debug output is on, via BTSMIRROR_DEBUG or --debug.
func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// Log file rotation defaults.
const (
	DefaultMaxSizeMB  = 50
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 28
)

// Options configures NewLogger.
type Options struct {
	// Format is "text" (default) or "json".
	Format string

	// File, when set, receives the log instead of Stderr. It is rotated
	// by size.
	File string

	// Stderr is the default destination. Nil means os.Stderr.
	Stderr io.Writer
}

// NewLogger returns the process logger. Level is Debug when Enabled,
// Info otherwise. The returned closer flushes and closes the log file, if
// any; it is never nil.
func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	var out io.Writer = opts.Stderr
	if out == nil {
		out = os.Stderr
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    DefaultMaxSizeMB,
			MaxBackups: DefaultMaxBackups,
			MaxAge:     DefaultMaxAgeDays,
			Compress:   true,
		}
		out = lj
		closer = lj
	}

	level := slog.LevelInfo
	if Enabled() {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unknown log format %q (want text or json)", opts.Format)
	}
	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
