package sync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsImmediatelyAndOnTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	runner := RunnerFunc(func(context.Context) error {
		if calls.Add(1) >= 3 {
			cancel()
		}
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		(&Scheduler{Runner: runner, Interval: 5 * time.Millisecond}).Run(ctx)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	if got := calls.Load(); got < 3 {
		t.Fatalf("runner calls = %d, want >= 3", got)
	}
}

func TestSchedulerLogsIdleAndFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    string
		wantErr bool
	}{
		{name: "already running", err: ErrSyncAlreadyRunning, want: "previous pass still running"},
		{name: "no integrations", err: ErrNoConnectedIntegrations, want: "no connected integrations"},
		{name: "failure", err: errors.New("stripe down"), want: "initial sync failed", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			s := &Scheduler{
				Runner:   RunnerFunc(func(context.Context) error { return tc.err }),
				Interval: time.Hour,
				Logger:   logger,
			}
			s.runOnce(context.Background(), "initial sync failed")

			out := buf.String()
			if !strings.Contains(out, tc.want) {
				t.Fatalf("log = %q, want %q", out, tc.want)
			}
			if got := strings.Contains(out, "level=ERROR"); got != tc.wantErr {
				t.Fatalf("error level logged = %v, want %v (log %q)", got, tc.wantErr, out)
			}
		})
	}
}

func TestSchedulerWithoutIntervalDoesNothing(t *testing.T) {
	var calls atomic.Int32
	s := &Scheduler{Runner: RunnerFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	})}
	s.Run(context.Background())
	if calls.Load() != 0 {
		t.Fatalf("runner called %d times with zero interval", calls.Load())
	}
}
