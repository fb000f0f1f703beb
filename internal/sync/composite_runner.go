package sync

import (
	"context"
	"errors"
)

// ErrNoConnectedIntegrations is returned when a sync pass finds nothing to
// sync for an organization.
var ErrNoConnectedIntegrations = errors.New("no integrations are connected")

type compositeRunner struct {
	runners []Runner
}

// NewCompositeRunner runs each runner in turn, typically one per
// organization. Hard failures are joined; otherwise any success is success.
func NewCompositeRunner(runners ...Runner) Runner {
	filtered := make([]Runner, 0, len(runners))
	for _, runner := range runners {
		if runner != nil {
			filtered = append(filtered, runner)
		}
	}
	return &compositeRunner{runners: filtered}
}

func (r *compositeRunner) RunOnce(ctx context.Context) error {
	if r == nil || len(r.runners) == 0 {
		return ErrNoConnectedIntegrations
	}

	var (
		hardErrs   []error
		anySuccess bool
		busyCount  int
	)

	for _, runner := range r.runners {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := runner.RunOnce(ctx)
		switch {
		case err == nil:
			anySuccess = true
		case errors.Is(err, ErrSyncAlreadyRunning):
			busyCount++
		case isOnlyIdleError(err):
		default:
			hardErrs = append(hardErrs, err)
		}
	}

	if len(hardErrs) > 0 {
		return errors.Join(hardErrs...)
	}
	if anySuccess {
		return nil
	}
	if busyCount > 0 {
		return ErrSyncAlreadyRunning
	}
	return ErrNoConnectedIntegrations
}

// isOnlyIdleError reports whether every leaf of err is
// ErrNoConnectedIntegrations.
func isOnlyIdleError(err error) bool {
	if err == nil {
		return false
	}
	children := unwrapErrors(err)
	if len(children) == 0 {
		return err == ErrNoConnectedIntegrations
	}
	for _, child := range children {
		if !isOnlyIdleError(child) {
			return false
		}
	}
	return true
}

func unwrapErrors(err error) []error {
	if err == nil {
		return nil
	}

	type multiUnwrapper interface {
		Unwrap() []error
	}
	if unwrapped, ok := err.(multiUnwrapper); ok {
		return unwrapped.Unwrap()
	}

	single := errors.Unwrap(err)
	if single == nil {
		return nil
	}
	return []error{single}
}
