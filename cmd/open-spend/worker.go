package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/open-sspm/open-spend/internal/config"
	"github.com/open-sspm/open-spend/internal/connectors/configstore"
	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/integrations"
	"github.com/open-sspm/open-spend/internal/metrics"
	"github.com/open-sspm/open-spend/internal/sync"
	"github.com/spf13/cobra"
)

var workerOrgs []string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Periodically sync every connected integration of the given organizations.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(workerOrgs)
	},
}

func init() {
	workerCmd.Flags().StringSliceVar(&workerOrgs, "org", nil, "organization id to sync (repeatable)")
	_ = workerCmd.MarkFlagRequired("org")
}

func runWorker(orgs []string) error {
	cfg, err := config.LoadOptionalDB()
	if err != nil {
		return err
	}
	if cfg.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be > 0 to run the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	_, metricsErrCh := metrics.StartServer(ctx, cfg.MetricsAddr)
	if metricsErrCh != nil {
		go func() {
			if err := <-metricsErrCh; err != nil {
				slog.Error("metrics server failed", "err", err)
			}
		}()
	}

	var locker sync.Locker = &sync.MutexLocker{}
	if a.pool != nil {
		locker = &sync.AdvisoryLocker{Pool: a.pool}
	}

	runners := make([]sync.Runner, 0, len(orgs))
	for _, org := range orgs {
		org = strings.TrimSpace(org)
		if org == "" {
			continue
		}
		runners = append(runners, sync.NewTryLockRunner(locker, org, orgSyncRunner(a.service, a.credentials, org)))
	}
	if len(runners) == 0 {
		return errors.New("at least one --org is required")
	}

	slog.Info("sync worker started", "interval", cfg.SyncInterval, "organizations", len(runners))
	scheduler := sync.Scheduler{Runner: sync.NewCompositeRunner(runners...), Interval: cfg.SyncInterval}
	scheduler.Run(ctx)
	return nil
}

// orgSyncRunner syncs all stored integrations of one organization. An
// organization without stored credentials is idle, not failed.
func orgSyncRunner(svc *integrations.Service, creds configstore.Store, org string) sync.Runner {
	return sync.RunnerFunc(func(ctx context.Context) error {
		stored, err := creds.List(ctx, org)
		if err != nil {
			return fmt.Errorf("%s: list credentials: %w", org, err)
		}
		if len(stored) == 0 {
			return fmt.Errorf("%s: %w", org, sync.ErrNoConnectedIntegrations)
		}
		result, err := svc.SyncAll(ctx, org, registry.ImportOptions{})
		if err != nil {
			return fmt.Errorf("%s: %w", org, err)
		}
		if result.Success {
			return nil
		}
		var errs []error
		for _, ir := range result.Integrations {
			if ir.Result.Err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", org, ir.Name, ir.Result.Err))
			}
		}
		if len(errs) == 0 {
			return fmt.Errorf("%s: sync did not succeed", org)
		}
		return errors.Join(errs...)
	})
}
