// Package log configures the logging utilities for the project.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

var globalLevel = &slog.LevelVar{}

// InitHandler initializes the log handler.
func InitHandler() {
	// Use the journal handler if stderr is connected to the journal
	isJournalStream, err := journal.StderrIsJournalStream()
	if err != nil {
		slog.Warn(fmt.Sprintf("Error checking if stderr is connected to the journal: %v", err))
	}

	if isJournalStream {
		slog.SetDefault(slog.New(&JournalHandler{}))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: globalLevel})))
}

// SetLevel change global handler log level.
func SetLevel(l slog.Level) {
	globalLevel.Set(l)
	slog.SetLogLoggerLevel(l)
}

// GetLevel returns the current global log level.
func GetLevel() slog.Level {
	return globalLevel.Level()
}

func logf(ctx context.Context, level slog.Level, format string, args ...any) {
	l := slog.Default()
	if !l.Enabled(ctx, level) {
		return
	}
	l.Log(ctx, level, fmt.Sprintf(format, args...))
}

// Debug logs msg at debug level.
func Debug(ctx context.Context, msg string) { logf(ctx, slog.LevelDebug, "%s", msg) }

// Debugf logs a formatted message at debug level.
func Debugf(ctx context.Context, format string, args ...any) {
	logf(ctx, slog.LevelDebug, format, args...)
}

// Info logs msg at info level.
func Info(ctx context.Context, msg string) { logf(ctx, slog.LevelInfo, "%s", msg) }

// Infof logs a formatted message at info level.
func Infof(ctx context.Context, format string, args ...any) {
	logf(ctx, slog.LevelInfo, format, args...)
}

// Warning logs msg at warning level.
func Warning(ctx context.Context, msg string) { logf(ctx, slog.LevelWarn, "%s", msg) }

// Warningf logs a formatted message at warning level.
func Warningf(ctx context.Context, format string, args ...any) {
	logf(ctx, slog.LevelWarn, format, args...)
}

// Error logs msg at error level.
func Error(ctx context.Context, msg string) { logf(ctx, slog.LevelError, "%s", msg) }

// Errorf logs a formatted message at error level.
func Errorf(ctx context.Context, format string, args ...any) {
	logf(ctx, slog.LevelError, format, args...)
}

// Separator logs a visual separator between scenario steps.
func Separator(ctx context.Context) {
	logf(ctx, slog.LevelInfo, "%s", strings.Repeat("=", 60))
}
