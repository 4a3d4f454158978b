package workflow

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
)

var activityFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "orchestrator_activity_failures_total",
	Help: "Failed deployment activity attempts by activity and error type.",
}, []string{"activity", "type"})

// ActivityErrorInterceptor gives untyped activity errors the activity name
// as their type and counts every failed attempt.
type ActivityErrorInterceptor struct {
	interceptor.WorkerInterceptorBase
}

func (e *ActivityErrorInterceptor) InterceptActivity(
	ctx context.Context,
	next interceptor.ActivityInboundInterceptor,
) interceptor.ActivityInboundInterceptor {
	return &activityErrorInterceptor{next: next}
}

type activityErrorInterceptor struct {
	interceptor.ActivityInboundInterceptorBase
	next interceptor.ActivityInboundInterceptor
}

func (e *activityErrorInterceptor) Init(outbound interceptor.ActivityOutboundInterceptor) error {
	return e.next.Init(outbound)
}

func (e *activityErrorInterceptor) ExecuteActivity(
	ctx context.Context,
	in *interceptor.ExecuteActivityInput,
) (interface{}, error) {
	result, err := e.next.ExecuteActivity(ctx, in)
	if err != nil {
		err = typeActivityError(activity.GetInfo(ctx).ActivityType.Name, err)
	}
	return result, err
}

// typeActivityError keeps an existing application error type and otherwise
// wraps err with the activity name as its type.
func typeActivityError(activityName string, err error) error {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		activityFailures.WithLabelValues(activityName, appErr.Type()).Inc()
		return err
	}
	activityFailures.WithLabelValues(activityName, activityName).Inc()
	return temporal.NewApplicationError(err.Error(), activityName, err)
}
