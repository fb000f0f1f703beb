package sync

import (
	"context"
	"errors"
)

// Runner executes a single sync pass.
type Runner interface {
	RunOnce(context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(context.Context) error

func (f RunnerFunc) RunOnce(ctx context.Context) error {
	return f(ctx)
}

// ErrSyncAlreadyRunning is returned by a try-lock runner when another sync pass
// is already in progress.
var ErrSyncAlreadyRunning = errors.New("sync is already running")
