// Package logging builds the process-wide slog handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelNotice sits between info and warn. It marks events an operator should
// see but that need no action, such as a provider invalidating a sync cursor.
const LevelNotice = slog.Level(slog.LevelInfo + 2)

// Options configures the root logger.
type Options struct {
	Level  string `yaml:"level"`  // debug, info, notice, warn, error (default: info)
	Format string `yaml:"format"` // json or text (default: json)

	// File enables a rotating log file in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`  // default: 100
	MaxBackups int    `yaml:"maxBackups"` // default: 5
	MaxAgeDays int    `yaml:"maxAgeDays"` // default: 28
}

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w, and to a rotating file when opts.File is set.
// The returned closer flushes and closes the file.
func New(w io.Writer, opts Options) (*slog.Logger, io.Closer) {
	if w == nil {
		w = os.Stderr
	}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		w = io.MultiWriter(w, rotator)
		closer = rotator
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: renameLevel,
	}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	return slog.New(handler), closer
}

// renameLevel prints LevelNotice as NOTICE instead of INFO+2.
func renameLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelNotice {
		a.Value = slog.StringValue("NOTICE")
	}
	return a
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
