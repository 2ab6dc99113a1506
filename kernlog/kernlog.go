// Package kernlog is a minimal leveled logger over the standard library's
// structured logging package. The VM core is silent by default, matching
// the teacher's own VM-relevant packages which log nothing and panic on
// invariant violations instead; kernlog exists only for the handful of
// genuinely ambient events an operator would want to see: TLB-shootdown
// failures, INTERP-segment warnings, and allocator-exhaustion notices.
package kernlog

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu      sync.Mutex
	current *slog.Logger
)

func logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	return current
}

// SetLogger replaces the package-wide logger, for tests that want to
// capture output.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// Warn logs a warning-level event with the given key/value attributes.
func Warn(msg string, args ...any) { logger().Warn(msg, args...) }

// Info logs an info-level event with the given key/value attributes.
func Info(msg string, args ...any) { logger().Info(msg, args...) }
