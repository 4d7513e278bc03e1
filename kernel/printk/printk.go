// Package printk is the system-wide diagnostic sink: background
// daemons log through it and continue serving unrelated requests
// regardless of log volume. It wraps log/slog.
package printk

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu     sync.RWMutex
	logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// SetOutput replaces the underlying logger, e.g. to redirect to a ring
// buffer in a test.
func SetOutput(l *slog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// For returns a logger scoped to the named kernel component.
func For(component string) *slog.Logger {
	return current().With("component", component)
}
