package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/edvin/sitebackup/internal/backup"
	"github.com/edvin/sitebackup/internal/lease"
)

const defaultHeartbeatInterval = 10 * time.Second

// RunSiteBackupParams holds the parameters for RunSiteBackup.
type RunSiteBackupParams struct {
	RunID        string
	RequestedBy  string
	PathOverride string
	WithUploads  bool
	Ticket       string
}

// BackupResult is the outcome of a successful RunSiteBackup.
type BackupResult struct {
	RunID       string
	Filename    string
	StoragePath string
	SizeBytes   int64
	Checksum    string
	Warnings    bool
}

// Runner executes one backup run.
type Runner interface {
	Run(ctx context.Context, opts backup.Options) (*backup.Result, error)
}

// RunnerFactory prepares a runner for a single run. The returned close
// function releases per-run resources such as log files.
type RunnerFactory func(ctx context.Context, runID string) (Runner, func() error, error)

// SiteBackup contains the activity that runs a backup on a worker.
type SiteBackup struct {
	newRunner         RunnerFactory
	heartbeatInterval time.Duration
}

// NewSiteBackup creates a new SiteBackup activity struct.
func NewSiteBackup(newRunner RunnerFactory) *SiteBackup {
	return &SiteBackup{newRunner: newRunner, heartbeatInterval: defaultHeartbeatInterval}
}

// RunSiteBackup runs a complete backup, heartbeating until it returns.
// Contention and aborts are reported as non-retryable.
func (a *SiteBackup) RunSiteBackup(ctx context.Context, params RunSiteBackupParams) (*BackupResult, error) {
	logger := activity.GetLogger(ctx)

	runner, closeRun, err := a.newRunner(ctx, params.RunID)
	if err != nil {
		return nil, fmt.Errorf("prepare backup run: %w", err)
	}
	defer func() {
		if err := closeRun(); err != nil {
			logger.Warn("failed to close backup run", "run_id", params.RunID, "error", err)
		}
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		a.heartbeat(hbCtx, params.RunID)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	res, err := runner.Run(ctx, backup.Options{
		RunID:        params.RunID,
		RequestedBy:  params.RequestedBy,
		PathOverride: params.PathOverride,
		WithUploads:  params.WithUploads,
		Ticket:       params.Ticket,
	})
	if err != nil {
		if errors.Is(err, lease.ErrAlreadyHeld) || errors.Is(err, lease.ErrAborted) {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), "BackupNotRetryable", err)
		}
		return nil, fmt.Errorf("run backup %s: %w", params.RunID, err)
	}

	return &BackupResult{
		RunID:       res.RunID,
		Filename:    res.Filename,
		StoragePath: res.StoragePath,
		SizeBytes:   res.SizeBytes,
		Checksum:    res.Checksum,
		Warnings:    res.Warnings,
	}, nil
}

func (a *SiteBackup) heartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			activity.RecordHeartbeat(ctx, runID)
		}
	}
}

// FailureRecorder marks a run as failed.
type FailureRecorder interface {
	MarkFailed(ctx context.Context, id, message string) error
}

// BackupHistory contains activities that update run history.
type BackupHistory struct {
	history FailureRecorder
}

// NewBackupHistory creates a new BackupHistory activity struct.
func NewBackupHistory(history FailureRecorder) *BackupHistory {
	return &BackupHistory{history: history}
}

// MarkBackupFailedParams holds the parameters for MarkBackupFailed.
type MarkBackupFailedParams struct {
	ID            string
	StatusMessage string
}

// MarkBackupFailed fails a run whose activity never reported a result, for
// example after a heartbeat timeout.
func (a *BackupHistory) MarkBackupFailed(ctx context.Context, params MarkBackupFailedParams) error {
	return a.history.MarkFailed(ctx, params.ID, params.StatusMessage)
}
