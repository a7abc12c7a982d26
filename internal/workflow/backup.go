package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/sitebackup/internal/activity"
)

// CreateSiteBackupWorkflow runs a full site backup on a worker. The activity
// is never retried: a second attempt would race the first for the lease.
func CreateSiteBackupWorkflow(ctx workflow.Context, params activity.RunSiteBackupParams) (*activity.BackupResult, error) {
	runCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var result activity.BackupResult
	err := workflow.ExecuteActivity(runCtx, "RunSiteBackup", params).Get(ctx, &result)
	if err != nil {
		_ = setBackupFailed(ctx, params.RunID, err)
		return nil, err
	}
	return &result, nil
}

// setBackupFailed records err on runs the activity did not finish itself.
func setBackupFailed(ctx workflow.Context, runID string, err error) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    1 * time.Second,
			MaximumInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})
	return workflow.ExecuteActivity(ctx, "MarkBackupFailed", activity.MarkBackupFailedParams{
		ID:            runID,
		StatusMessage: err.Error(),
	}).Get(ctx, nil)
}
