// File: internal/log/log.go
// Package log configures the process-wide slog logger.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// SupportedLevels lists the accepted -log-level values.
const SupportedLevels = "debug, info, warn, error"

// syncWriter calls Sync() after each Write so diagnostics interleave with
// the reflector's stdout report in order.
type syncWriter struct{ w io.Writer }

func (s syncWriter) Write(p []byte) (n int, err error) {
	n, err = s.w.Write(p)
	if f, ok := s.w.(*os.File); ok && err == nil {
		_ = f.Sync()
	}
	return n, err
}

// Configure installs a text handler on stderr at the given level.
func Configure(level string) error {
	return ConfigureTo(os.Stderr, level)
}

// ConfigureTo installs a text handler writing to w.
func ConfigureTo(w io.Writer, level string) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(syncWriter{w: w}, &slog.HandlerOptions{Level: l})))
	return nil
}

// ParseLevel maps a level name onto slog.Level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be one of %s", level, SupportedLevels)
	}
}
