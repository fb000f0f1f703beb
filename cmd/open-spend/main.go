package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/open-sspm/open-spend/internal/logging"
)

const (
	exitFailure  = 1
	exitCanceled = 130
)

func main() {
	os.Exit(run(Execute, os.Stderr))
}

// run executes the CLI and reports a failure once, in the form the running
// command uses for its output.
func run(execute func() error, stderr io.Writer) int {
	err := execute()
	if err == nil {
		return 0
	}
	code, report := classifyFailure(err)
	if report != nil {
		reportFailure(stderr, report, code)
	}
	return code
}

// classifyFailure returns the exit status for err and the error to report.
// The error is nil when the command asked to exit quietly.
func classifyFailure(err error) (int, error) {
	var ee *exitError
	switch {
	case errors.As(err, &ee):
		if ee.silent {
			return ee.code, nil
		}
		if ee.err != nil {
			return ee.code, ee.err
		}
		return ee.code, err
	case errors.Is(err, context.Canceled):
		return exitCanceled, err
	default:
		return exitFailure, err
	}
}

// reportFailure writes err as a structured log line for service commands
// and as plain text for interactive ones.
func reportFailure(w io.Writer, err error, code int) {
	cc := currentCommandExecutionContext()
	if !cc.UsesStructuredLog {
		if code == exitCanceled {
			fmt.Fprintln(w, "canceled")
			return
		}
		fmt.Fprintln(w, err)
		return
	}

	cfg, cfgErr := logging.LoadConfigFromEnv()
	if cfgErr != nil {
		cfg = logging.DefaultConfig()
	}
	msg := "command failed"
	if code == exitCanceled {
		msg = "command canceled"
	}
	logging.NewLogger(cfg, w, cc.CommandPath).Error(msg, "exit_code", code, "error", err)
}

// exitError carries a specific exit status out of a command's RunE.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// exitForRunError maps a failed run to its exit status. Cancellation exits
// quietly since the operator interrupted it.
func exitForRunError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &exitError{code: exitCanceled, err: err, silent: true}
	}
	return &exitError{code: exitFailure, err: err}
}
