package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/0711-os/orchestrator/internal/activity"
	"github.com/0711-os/orchestrator/internal/connection"
	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/orchestrator"
)

// ApplyAttempts bounds how often onboarding re-applies a manifest whose
// reconcile left failed units.
const ApplyAttempts = 3

// applyBackoff is the pause before the n-th re-apply.
func applyBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 30 * time.Second
}

func deploymentActivityCtx(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    5 * time.Second,
			MaximumInterval:    time.Minute,
			BackoffCoefficient: 2.0,
		},
	})
}

// OnboardCustomerWorkflow plans a customer's stack and applies it. A
// reconcile that leaves failed units is re-applied with a growing pause;
// units that already run are not touched again.
func OnboardCustomerWorkflow(ctx workflow.Context, params activity.OnboardParams) (*model.DeploymentOutcome, error) {
	ctx = deploymentActivityCtx(ctx)
	logger := workflow.GetLogger(ctx)

	var plan activity.PlanResult
	if err := workflow.ExecuteActivity(ctx, "PlanDeployment", params).Get(ctx, &plan); err != nil {
		return nil, fmt.Errorf("plan deployment for %s: %w", params.CustomerID, err)
	}
	logger.Info("deployment planned", "customer", params.CustomerID, "base_port", plan.BasePort, "units", len(plan.Units))

	var outcome model.DeploymentOutcome
	for attempt := 1; attempt <= ApplyAttempts; attempt++ {
		err := workflow.ExecuteActivity(ctx, "ApplyDeployment", activity.ApplyParams{
			CustomerID: params.CustomerID,
		}).Get(ctx, &outcome)
		if err != nil {
			return nil, fmt.Errorf("apply deployment for %s: %w", params.CustomerID, err)
		}
		if outcome.Status == model.StatusDeployed {
			return &outcome, nil
		}
		logger.Warn("deployment has failed units", "customer", params.CustomerID,
			"attempt", attempt, "failed", outcome.FailedUnitNames())
		if attempt < ApplyAttempts {
			if err := workflow.Sleep(ctx, applyBackoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return &outcome, fmt.Errorf("deployment for %s still has failed units after %d attempts: %v",
		params.CustomerID, ApplyAttempts, outcome.FailedUnitNames())
}

// InstallConnectorWorkflow activates one connector for a customer.
func InstallConnectorWorkflow(ctx workflow.Context, params orchestrator.InstallRequest) (*orchestrator.InstallResult, error) {
	ctx = deploymentActivityCtx(ctx)

	var res orchestrator.InstallResult
	if err := workflow.ExecuteActivity(ctx, "InstallConnector", params).Get(ctx, &res); err != nil {
		return nil, fmt.Errorf("install %s for %s: %w", params.Connector, params.CustomerID, err)
	}
	if !res.Activated {
		workflow.GetLogger(ctx).Warn("connector not activated", "customer", params.CustomerID,
			"connector", params.Connector, "message", res.Test.Message)
	}
	return &res, nil
}

// UninstallConnectorWorkflow detaches a sidecar connector.
func UninstallConnectorWorkflow(ctx workflow.Context, params activity.UninstallParams) (bool, error) {
	ctx = deploymentActivityCtx(ctx)

	var removed bool
	if err := workflow.ExecuteActivity(ctx, "UninstallConnector", params).Get(ctx, &removed); err != nil {
		return false, fmt.Errorf("uninstall %s for %s: %w", params.Connector, params.CustomerID, err)
	}
	return removed, nil
}

// OffboardCustomerWorkflow removes every unit of a customer and frees its
// port block.
func OffboardCustomerWorkflow(ctx workflow.Context, customerID string) error {
	ctx = deploymentActivityCtx(ctx)
	return workflow.ExecuteActivity(ctx, "OffboardCustomer", customerID).Get(ctx, nil)
}

// ProbeDeploymentsWorkflow runs on a schedule and checks the sidecars of
// every deployed customer.
func ProbeDeploymentsWorkflow(ctx workflow.Context) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var report connection.CheckReport
	if err := workflow.ExecuteActivity(ctx, "ProbeDeployments").Get(ctx, &report); err != nil {
		return fmt.Errorf("probe deployments: %w", err)
	}
	if len(report.Degraded) > 0 || len(report.Recovered) > 0 {
		workflow.GetLogger(ctx).Info("deployment health changed",
			"checked", report.Checked, "degraded", report.Degraded, "recovered", report.Recovered)
	}
	return nil
}

// EvaluateGrowthWorkflow turns growth figures into recommendations and
// starts the urgent pipelines.
func EvaluateGrowthWorkflow(ctx workflow.Context, params activity.GrowthParams) (*orchestrator.GrowthReport, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})

	var report orchestrator.GrowthReport
	if err := workflow.ExecuteActivity(ctx, "EvaluateGrowth", params).Get(ctx, &report); err != nil {
		return nil, fmt.Errorf("evaluate growth for %s: %w", params.Stats.CustomerID, err)
	}
	return &report, nil
}
