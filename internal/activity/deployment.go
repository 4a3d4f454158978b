package activity

import (
	"context"
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/0711-os/orchestrator/internal/connection"
	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/orchestrator"
	"github.com/0711-os/orchestrator/internal/reconciler"
	"github.com/0711-os/orchestrator/internal/recommend"
)

// Deployment contains the activities that drive customer deployments.
type Deployment struct {
	orch    *orchestrator.Orchestrator
	monitor *connection.Monitor
}

// NewDeployment creates a new Deployment activity struct.
func NewDeployment(orch *orchestrator.Orchestrator, monitor *connection.Monitor) *Deployment {
	return &Deployment{orch: orch, monitor: monitor}
}

// OnboardParams holds parameters for PlanDeployment and the onboarding workflow.
type OnboardParams struct {
	CustomerID  string   `json:"customer_id"`
	CompanyName string   `json:"company_name"`
	Connectors  []string `json:"connectors,omitempty"`
}

// PlanResult summarizes a planned manifest.
type PlanResult struct {
	BasePort int      `json:"base_port"`
	Units    []string `json:"units"`
}

// ApplyParams holds parameters for the ApplyDeployment activity.
type ApplyParams struct {
	CustomerID string `json:"customer_id"`
	Prune      bool   `json:"prune,omitempty"`
}

// UninstallParams holds parameters for the UninstallConnector activity.
type UninstallParams struct {
	CustomerID string `json:"customer_id"`
	Connector  string `json:"connector"`
}

// GrowthParams holds parameters for the EvaluateGrowth activity.
type GrowthParams struct {
	Stats   recommend.CustomerStats   `json:"stats"`
	Changes recommend.ObservedChanges `json:"changes"`
}

// PlanDeployment allocates ports and writes the customer's manifest.
func (a *Deployment) PlanDeployment(ctx context.Context, params OnboardParams) (*PlanResult, error) {
	m, err := a.orch.Plan(ctx, orchestrator.OnboardRequest{
		CustomerID:  params.CustomerID,
		CompanyName: params.CompanyName,
		Connectors:  params.Connectors,
	})
	if err != nil {
		return nil, classify(err)
	}
	return &PlanResult{BasePort: m.Meta.BasePort, Units: m.UnitNames()}, nil
}

// ApplyDeployment reconciles the customer's stored manifest. Per-unit
// failures are part of the returned outcome, not an error.
func (a *Deployment) ApplyDeployment(ctx context.Context, params ApplyParams) (*model.DeploymentOutcome, error) {
	var opts []reconciler.RunOption
	if params.Prune {
		opts = append(opts, reconciler.WithPrune())
	}
	outcome, err := a.orch.Apply(ctx, params.CustomerID, opts...)
	if err != nil {
		return nil, classify(err)
	}
	return outcome, nil
}

// InstallConnector activates one connector for a customer.
func (a *Deployment) InstallConnector(ctx context.Context, params orchestrator.InstallRequest) (*orchestrator.InstallResult, error) {
	res, err := a.orch.InstallConnector(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// UninstallConnector detaches a sidecar connector.
func (a *Deployment) UninstallConnector(ctx context.Context, params UninstallParams) (bool, error) {
	removed, err := a.orch.UninstallConnector(ctx, params.CustomerID, params.Connector)
	if err != nil {
		return false, classify(err)
	}
	return removed, nil
}

// OffboardCustomer tears down the customer's units and frees its ports.
func (a *Deployment) OffboardCustomer(ctx context.Context, customerID string) error {
	return classify(a.orch.Offboard(ctx, customerID))
}

// ProbeDeployments runs one health check pass over deployed customers.
func (a *Deployment) ProbeDeployments(ctx context.Context) (*connection.CheckReport, error) {
	return a.monitor.CheckOnce(ctx)
}

// EvaluateGrowth computes recommendations and starts the urgent ones.
func (a *Deployment) EvaluateGrowth(ctx context.Context, params GrowthParams) (*orchestrator.GrowthReport, error) {
	report, err := a.orch.EvaluateGrowth(ctx, params.Stats, params.Changes)
	if err != nil {
		return nil, classify(err)
	}
	return report, nil
}

// classify marks errors that retrying cannot fix as non-retryable.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrValidation):
		return temporal.NewNonRetryableApplicationError(err.Error(), "VALIDATION_ERROR", err)
	case errors.Is(err, model.ErrNotFound):
		return temporal.NewNonRetryableApplicationError(err.Error(), "NOT_FOUND", err)
	case errors.Is(err, model.ErrPortsExhausted):
		return temporal.NewNonRetryableApplicationError(err.Error(), "PORTS_EXHAUSTED", err)
	}
	return err
}
