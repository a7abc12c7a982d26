package workflow

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
)

// ActivityErrorTyper tags untyped activity failures with the activity name,
// so a failed run shows "RunSiteBackup" or "MarkBackupFailed" in the
// Temporal UI instead of a generic application error.
type ActivityErrorTyper struct {
	interceptor.WorkerInterceptorBase
}

func (t *ActivityErrorTyper) InterceptActivity(
	ctx context.Context,
	next interceptor.ActivityInboundInterceptor,
) interceptor.ActivityInboundInterceptor {
	i := &activityErrorTyper{}
	i.Next = next
	return i
}

type activityErrorTyper struct {
	interceptor.ActivityInboundInterceptorBase
}

func (i *activityErrorTyper) ExecuteActivity(
	ctx context.Context,
	in *interceptor.ExecuteActivityInput,
) (any, error) {
	result, err := i.Next.ExecuteActivity(ctx, in)
	if err == nil {
		return result, nil
	}
	return result, typeActivityError(activity.GetInfo(ctx).ActivityType.Name, err)
}

// typeActivityError keeps errors that already carry a type, including the
// non-retryable contention and abort failures.
func typeActivityError(activityName string, err error) error {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return err
	}
	return temporal.NewApplicationError(err.Error(), activityName, err)
}
