package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edvin/sitebackup/internal/backup"
	"github.com/edvin/sitebackup/internal/core"
	"github.com/edvin/sitebackup/internal/eventlog"
	"github.com/edvin/sitebackup/internal/history"
	"github.com/edvin/sitebackup/internal/lease"
)

var runFlags struct {
	background  bool
	path        string
	withUploads bool
	requestedBy string
	ticket      string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a backup",
	Long: `Create a backup in the foreground, streaming progress to the terminal.
With --background the backup is handed to a worker and the command returns
once the run is queued.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if runFlags.background {
			return runBackground(ctx, cmd)
		}
		return runForeground(ctx, cmd)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runFlags.background, "background", false, "run on a worker instead of in this process")
	runCmd.Flags().StringVar(&runFlags.path, "path", "", "archive file name or path (directories only with local storage)")
	runCmd.Flags().BoolVar(&runFlags.withUploads, "with-uploads", true, "include uploads and optimized images (default from backup.with_uploads)")
	runCmd.Flags().StringVar(&runFlags.requestedBy, "requested-by", "", "user the run is reported to (default system)")
	runCmd.Flags().StringVar(&runFlags.ticket, "ticket", "", "ticket reference recorded with the run")
	rootCmd.AddCommand(runCmd)
}

// withUploads resolves --with-uploads against the configured default.
func withUploads(cmd *cobra.Command, configured bool) bool {
	if cmd.Flags().Changed("with-uploads") {
		return runFlags.withUploads
	}
	return configured
}

func runForeground(ctx context.Context, cmd *cobra.Command) error {
	a, err := newApp(ctx, "run", true)
	if err != nil {
		return err
	}
	defer a.close()

	runID := backup.NewRunID()
	runner, closeRun, err := a.runnerFactory(eventlog.NewConsoleChannel(os.Stdout))(ctx, runID)
	if err != nil {
		return fmt.Errorf("prepare backup run: %w", err)
	}
	defer closeRun()

	res, err := runner.Run(ctx, backup.Options{
		RunID:        runID,
		RequestedBy:  runFlags.requestedBy,
		PathOverride: runFlags.path,
		WithUploads:  withUploads(cmd, a.cfg.Backup.WithUploads),
		Ticket:       runFlags.ticket,
	})
	if err != nil {
		if errors.Is(err, lease.ErrAlreadyHeld) {
			return fmt.Errorf("another backup or restore is running; try again later")
		}
		return fmt.Errorf("backup %s: %w", runID, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), res.StoredAt())
	return nil
}

func runBackground(ctx context.Context, cmd *cobra.Command) error {
	a, err := newApp(ctx, "worker", true)
	if err != nil {
		return err
	}
	defer a.close()

	tc, err := a.dialTemporal()
	if err != nil {
		return err
	}
	defer tc.Close()

	svc := core.NewBackupService(history.NewService(a.pool), a.leases, tc, a.cfg.Tenant.ID, a.cfg.Temporal.TaskQueue)
	b, err := svc.Start(ctx, core.StartRequest{
		RequestedBy:  runFlags.requestedBy,
		PathOverride: runFlags.path,
		WithUploads:  withUploads(cmd, a.cfg.Backup.WithUploads),
		Ticket:       runFlags.ticket,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Backup %s queued (workflow %s)\n", b.ID, core.WorkflowID(b.ID))
	return nil
}
