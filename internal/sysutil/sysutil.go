// Package sysutil holds process-level helpers: global logger setup and small
// string utilities shared by the command entry points.
package sysutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel configures the global zerolog level based on a string value.
// Supported values (case-insensitive): debug, info, warn, error, fatal, panic.
func SetLogLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// LogOptions controls SetupLogger.
type LogOptions struct {
	Level  string
	Pretty bool
	// File, when set, receives a plain JSON copy of every log line.
	File string
}

// SetupLogger installs the global logger writing to stderr and, optionally,
// to a log file. The returned close func flushes and closes the file; it is
// safe to call when no file was opened.
func SetupLogger(opts LogOptions) (func() error, error) {
	return setupLogger(os.Stderr, opts)
}

func setupLogger(console io.Writer, opts LogOptions) (func() error, error) {
	SetLogLevel(opts.Level)
	zerolog.TimeFieldFormat = time.RFC3339

	out := console
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	}

	closeFn := func() error { return nil }
	if p := strings.TrimSpace(opts.File); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return closeFn, fmt.Errorf("log dir: %w", err)
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // path is from trusted config
		if err != nil {
			return closeFn, fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closeFn = f.Close
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closeFn, nil
}

// FirstNonEmpty returns the first non-empty string from a variadic list.
// If all values are empty, it returns "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
