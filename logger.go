package replaykit

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with replaykit-specific helpers so log lines
// use consistent field names across the module.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler means
// a text handler to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON lines to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that writes human-readable text to
// stderr.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards everything.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithTable tags the logger with a table name.
func (l *Logger) WithTable(name string) *Logger {
	return &Logger{Logger: l.Logger.With("table", name)}
}

// WithKey tags the logger with an item key.
func (l *Logger) WithKey(key uint64) *Logger {
	return &Logger{Logger: l.Logger.With("key", key)}
}

// LogCheckpoint logs the outcome of a checkpoint save.
func (l *Logger) LogCheckpoint(name string, tables int, err error) {
	if err != nil {
		l.Error("checkpoint failed", "error", err)
		return
	}
	l.Info("checkpoint saved", "artifact", name, "tables", tables)
}

// LogRestore logs the outcome of a checkpoint load.
func (l *Logger) LogRestore(tables, chunks int, err error) {
	if err != nil {
		l.Error("checkpoint restore failed", "error", err)
		return
	}
	l.Info("checkpoint restored", "tables", tables, "chunks", chunks)
}
