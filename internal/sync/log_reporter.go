package sync

import (
	"log/slog"
	"sync"

	"github.com/open-sspm/open-spend/internal/connectors/registry"
)

// LogReporter logs sync lifecycle events. It counts consecutive failures per
// integration so a repeated failure and the first success after it are
// visible in the log.
type LogReporter struct {
	Logger *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

func (r *LogReporter) Report(e registry.Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if !e.Done {
		logger.Debug("sync started", "integration", e.Integration)
		return
	}

	attrs := []any{"integration", e.Integration, "duration", e.Duration}
	if e.Err != nil {
		attrs = append(attrs, "consecutive_failures", r.recordFailure(e.Integration), "err", e.Err)
		logger.Error("sync failed", attrs...)
		return
	}

	attrs = append(attrs, "items", e.Items)
	if prev := r.recordSuccess(e.Integration); prev > 0 {
		logger.Info("sync recovered", append(attrs, "previous_failures", prev)...)
		return
	}
	logger.Info("sync complete", attrs...)
}

func (r *LogReporter) recordFailure(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures == nil {
		r.failures = make(map[string]int)
	}
	r.failures[name]++
	return r.failures[name]
}

// recordSuccess resets the failure streak and returns its length.
func (r *LogReporter) recordSuccess(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.failures[name]
	delete(r.failures, name)
	return prev
}
