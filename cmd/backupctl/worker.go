package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"

	"github.com/edvin/sitebackup/internal/activity"
	"github.com/edvin/sitebackup/internal/eventlog"
	"github.com/edvin/sitebackup/internal/history"
	"github.com/edvin/sitebackup/internal/metrics"
	"github.com/edvin/sitebackup/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background backups from the Temporal task queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx, "worker", true)
		if err != nil {
			return err
		}
		defer a.close()
		logger := a.logger

		tc, err := a.dialTemporal()
		if err != nil {
			return err
		}
		defer tc.Close()

		runs := history.NewService(a.pool)
		failStaleRuns(ctx, a, runs)

		// One run at a time: a second activity would only lose the lease race.
		w := worker.New(tc, a.cfg.Temporal.TaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: 1,
			Interceptors:                       []interceptor.WorkerInterceptor{&workflow.ActivityErrorTyper{}},
		})
		w.RegisterWorkflow(workflow.CreateSiteBackupWorkflow)
		w.RegisterActivity(activity.NewSiteBackup(a.runnerFactory(eventlog.NewLoggerChannel(logger))))
		w.RegisterActivity(activity.NewBackupHistory(runs))

		if a.cfg.HTTP.MetricsAddr != "" {
			metrics.RegisterPgxPoolMetrics(a.pool)
			metricsSrv := metrics.NewServer(a.cfg.HTTP.MetricsAddr, a.pool.Ping)
			go func() {
				logger.Info().Str("addr", a.cfg.HTTP.MetricsAddr).Msg("starting metrics server")
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer metricsSrv.Close()
		}

		logger.Info().Str("taskQueue", a.cfg.Temporal.TaskQueue).Msg("starting temporal worker")
		if err := w.Run(worker.InterruptCh()); err != nil {
			return err
		}
		logger.Info().Msg("worker stopped")
		return nil
	},
}

// failStaleRuns fails runs left running by a worker that died mid-run. It
// only does so once the crashed holder's lease has expired.
func failStaleRuns(ctx context.Context, a *app, runs *history.Service) {
	held, err := a.leases.IsHeld(ctx, a.cfg.Tenant.ID)
	if err != nil {
		a.logger.Warn().Err(err).Msg("could not check operation lease, leaving stale runs alone")
		return
	}
	if held {
		return
	}

	n, err := runs.FailStale(ctx, a.cfg.Tenant.ID, "Backup was interrupted: the worker stopped while it was running")
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to mark stale runs as failed")
		return
	}
	if n > 0 {
		a.logger.Warn().Int64("count", n).Msg("marked stale runs as failed")
	}
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
