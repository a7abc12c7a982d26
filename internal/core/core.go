// Package core holds the services behind the HTTP API and the CLI's
// background commands.
package core

import (
	"context"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/sitebackup/internal/history"
)

// ErrNotFound is returned when a run does not exist for the tenant.
var ErrNotFound = history.ErrNotFound

// startWorkflow starts a workflow by name. Starting an ID that is still
// running fails instead of attaching to the existing execution.
func startWorkflow(ctx context.Context, tc temporalclient.Client, taskQueue, workflowName, wfID string, arg any) error {
	_, err := tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:                                       wfID,
		TaskQueue:                                taskQueue,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, workflowName, arg)
	return err
}
