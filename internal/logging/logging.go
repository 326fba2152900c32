// Package logging builds the process logger: slog to stderr, optionally
// mirrored to a size-rotated file, with a level that can change at runtime.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cashpoint/posync/internal/config"
)

// Logger is a *slog.Logger whose level follows configuration reloads.
type Logger struct {
	*slog.Logger

	level *slog.LevelVar
	file  *lumberjack.Logger
}

// New creates a Logger writing to w and, when cfg.File is set, to a
// rotating log file. It becomes the slog default.
func New(cfg config.LogConfig, w io.Writer) *Logger {
	l := &Logger{level: new(slog.LevelVar)}
	l.SetLevel(cfg.Level)

	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(w, l.file)
	}

	opts := &slog.HandlerOptions{Level: l.level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	l.Logger = slog.New(handler)
	slog.SetDefault(l.Logger)
	return l
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	l := &Logger{level: new(slog.LevelVar)}
	l.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: l.level}))
	return l
}

// SetLevel changes the level. Unknown names fall back to info.
func (l *Logger) SetLevel(name string) {
	lvl, _ := config.ParseLevel(name)
	l.level.Set(lvl)
}

// Level returns the current level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Apply follows a configuration reload.
func (l *Logger) Apply(old, cur *config.Config) {
	if old == nil || !strings.EqualFold(old.Log.Level, cur.Log.Level) {
		l.SetLevel(cur.Log.Level)
		l.Info("log level changed", slog.String("level", l.Level().String()))
	}
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
