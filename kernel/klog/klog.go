// Package klog provides the structured logging facade used throughout the
// kernel core. It wraps go.uber.org/zap behind a logr.Logger so that every
// component logs through the same narrow interface regardless of which
// concrete backend is installed.
package klog

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	current logr.Logger
)

func init() {
	zapLog, err := zap.NewDevelopment()
	if err != nil {
		// zap.NewDevelopment only fails if the console encoder config is
		// broken, which never happens with the built-in config.
		panic(err)
	}
	current = zapr.NewLogger(zapLog)
}

// Set installs l as the process-wide default logger. Callers that want to
// redirect kernel log output (to a test's t.Log, to a production JSON
// encoder, ...) call this once during setup.
func Set(l logr.Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// L returns the process-wide default logger.
func L() logr.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Named returns the default logger scoped with name, e.g. klog.Named("sched").
func Named(name string) logr.Logger {
	return L().WithName(name)
}

// NewDiscard returns a logger that drops everything, for use in tests that
// don't want kernel log noise.
func NewDiscard() logr.Logger {
	return logr.Discard()
}
