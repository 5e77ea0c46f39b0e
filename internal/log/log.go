// Package log provides the process-wide structured logger.
//
// The teacher proxy (tqdbproxy) logs with the standard library's log
// package and a bracketed component tag, e.g. "[PostgreSQL] Listening
// on %s". This package carries the component tag as zap's logger name
// (a separate field of each entry, not a prefix in the message text)
// and backs it with zap.SugaredLogger so every call site can attach
// structured fields
// such as conn_id, shard and role without hand-building format
// strings.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.SugaredLogger
)

// Init configures the global logger. Call once at process start;
// safe to call multiple times, only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		if debug {
			cfg = zap.NewDevelopmentConfig()
		}
		cfg.OutputPaths = []string{"stderr"}
		base, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			// Logging must never be fatal to startup; fall back to a no-op core.
			base = zap.NewNop()
		}
		logger = base.Sugar()
	})
}

func l() *zap.SugaredLogger {
	if logger == nil {
		Init(os.Getenv("PGDOG_DEBUG") != "")
	}
	return logger
}

// Component returns a logger named name; zap records the name as the
// entry's logger field and leaves the message text unchanged.
func Component(name string) *zap.SugaredLogger {
	return l().Named(name)
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
