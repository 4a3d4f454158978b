// Package orchestrator wires the registry, generator, reconciler, tester
// and sidecar manager into the customer-level operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/0711-os/orchestrator/internal/archive"
	"github.com/0711-os/orchestrator/internal/catalog"
	"github.com/0711-os/orchestrator/internal/connection"
	"github.com/0711-os/orchestrator/internal/manifest"
	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/notify"
	"github.com/0711-os/orchestrator/internal/platform"
	"github.com/0711-os/orchestrator/internal/reconciler"
	"github.com/0711-os/orchestrator/internal/registry"
	"github.com/0711-os/orchestrator/internal/sidecar"
)

// Manifests is the artifact store the orchestrator reads and writes.
type Manifests interface {
	Save(customerID string, m *model.Manifest) error
	Load(customerID string) (*model.Manifest, error)
	Read(customerID string) ([]byte, error)
}

// Deps are the collaborators of an Orchestrator. Archiver, Sink and
// Trigger are optional.
type Deps struct {
	Catalog     catalog.Source
	Registry    registry.Store
	Generator   *manifest.Generator
	Manifests   Manifests
	Reconciler  *reconciler.Reconciler
	States      reconciler.StateStore
	Locker      reconciler.Locker
	Tester      *connection.Tester
	Sidecars    *sidecar.Manager
	Archiver    archive.Archiver
	Sink        notify.Sink
	Trigger     PipelineTrigger
	StorageRoot string
	// AutoTriggerMinPriority is the lowest recommendation priority that is
	// started without an operator. Zero disables auto-triggering.
	AutoTriggerMinPriority int
}

// Orchestrator runs the customer-level control flow.
type Orchestrator struct {
	Deps
	logger zerolog.Logger
}

func New(deps Deps, logger zerolog.Logger) *Orchestrator {
	if deps.Archiver == nil {
		deps.Archiver = archive.Nop{}
	}
	if deps.Sink == nil {
		deps.Sink = notify.Nop{}
	}
	return &Orchestrator{
		Deps:   deps,
		logger: logger.With().Str("component", "orchestrator").Logger(),
	}
}

// OnboardRequest selects the stack of one customer.
type OnboardRequest struct {
	CustomerID  string   `json:"customer_id" validate:"required,slug"`
	CompanyName string   `json:"company_name" validate:"required,max=200"`
	Connectors  []string `json:"connectors,omitempty" validate:"dive,slug"`
}

// Plan allocates the customer's port block, generates the manifest and
// stores it. Sidecars installed individually on an earlier manifest are
// carried over unchanged. Reading the earlier manifest and storing the new
// one happen under the customer lock.
func (o *Orchestrator) Plan(ctx context.Context, req OnboardRequest) (*model.Manifest, error) {
	if err := platform.Validate(req); err != nil {
		return nil, err
	}
	// Reject unknown connectors before a port block is reserved.
	cat := o.Catalog.Current()
	for _, name := range req.Connectors {
		if _, ok := cat.Connector(name); !ok {
			return nil, model.NewValidationError("connectors", "unknown connector %q", name)
		}
	}
	alloc, err := o.Registry.Allocate(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	m, err := o.Generator.Generate(manifest.GenerateInput{
		CustomerID:  req.CustomerID,
		CompanyName: req.CompanyName,
		Allocation:  alloc,
		Connectors:  req.Connectors,
		StorageRoot: o.StorageRoot,
	})
	if err != nil {
		return nil, err
	}

	if err := o.store(ctx, req.CustomerID, m); err != nil {
		return nil, err
	}
	o.logger.Info().Str("customer", req.CustomerID).Int("base_port", alloc.BasePort).
		Strs("units", m.UnitNames()).Msg("manifest planned")
	return m, nil
}

func (o *Orchestrator) store(ctx context.Context, customerID string, m *model.Manifest) error {
	unlock, err := o.Locker.Lock(ctx, customerID)
	if err != nil {
		return fmt.Errorf("lock customer %s: %w", customerID, err)
	}
	defer unlock()

	prev, err := o.Manifests.Load(customerID)
	switch {
	case err == nil:
		carrySidecars(prev, m)
	case !errors.Is(err, model.ErrNotFound):
		return err
	}
	if err := manifest.CheckPorts(m); err != nil {
		return err
	}
	if err := o.Manifests.Save(customerID, m); err != nil {
		return fmt.Errorf("save manifest for %s: %w", customerID, err)
	}
	return nil
}

func carrySidecars(prev, next *model.Manifest) {
	if prev.Meta.BasePort != next.Meta.BasePort || prev.Meta.BlockWidth != next.Meta.BlockWidth {
		return
	}
	for name, unit := range prev.Services {
		if unit.Labels[manifest.LabelKind] != manifest.KindSidecar {
			continue
		}
		if _, ok := next.Services[name]; !ok {
			next.Services[name] = unit
		}
	}
}

// Apply reconciles the customer's stored manifest.
func (o *Orchestrator) Apply(ctx context.Context, customerID string, opts ...reconciler.RunOption) (*model.DeploymentOutcome, error) {
	outcome, err := o.Reconciler.ReconcileStored(ctx, customerID, opts...)
	if err != nil {
		o.Sink.Notify(ctx, notify.NewEvent(notify.EventDeploymentFailed, customerID, map[string]any{"error": err.Error()}))
		return nil, err
	}

	o.archive(ctx, customerID, outcome.ManifestRef)

	event := notify.EventDeploymentCompleted
	data := map[string]any{"manifest_ref": outcome.ManifestRef, "units": outcome.Succeeded()}
	if outcome.Status == model.StatusFailed {
		event = notify.EventDeploymentFailed
		data["failed"] = outcome.Failed
	}
	o.Sink.Notify(ctx, notify.NewEvent(event, customerID, data))
	return outcome, nil
}

// archive snapshots the applied manifest under the revision recorded in
// ref. Failures are only logged.
func (o *Orchestrator) archive(ctx context.Context, customerID, ref string) {
	i := strings.LastIndexByte(ref, '@')
	if i < 0 {
		return
	}
	data, err := o.Manifests.Read(customerID)
	if err != nil {
		o.logger.Warn().Err(err).Str("customer", customerID).Msg("read manifest for archive")
		return
	}
	if _, err := o.Archiver.Archive(ctx, customerID, ref[i+1:], data); err != nil {
		o.logger.Warn().Err(err).Str("customer", customerID).Msg("archive manifest")
	}
}

// Onboard plans and applies the customer's stack.
func (o *Orchestrator) Onboard(ctx context.Context, req OnboardRequest) (*model.DeploymentOutcome, error) {
	if _, err := o.Plan(ctx, req); err != nil {
		return nil, err
	}
	return o.Apply(ctx, req.CustomerID)
}

// Offboard tears down every unit of the customer and frees its port block.
// The manifest is kept for audit next to its live path as
// deployment.yaml.offboarded-<time>, so later sidecar installs for the
// customer find no deployment.
func (o *Orchestrator) Offboard(ctx context.Context, customerID string) error {
	if !platform.IsSlug(customerID) {
		return model.NewValidationError("customer_id", "must be a lowercase slug")
	}
	if _, err := o.Reconciler.Teardown(ctx, customerID); err != nil {
		return err
	}
	if err := o.Registry.Release(ctx, customerID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if err := o.States.Delete(ctx, customerID); err != nil {
		return err
	}
	o.logger.Info().Str("customer", customerID).Msg("customer offboarded")
	return nil
}

// Status returns the recorded deployment state.
func (o *Orchestrator) Status(ctx context.Context, customerID string) (*model.DeploymentState, error) {
	return o.States.Get(ctx, customerID)
}

// TestConnection tests a connector endpoint. Problems are reported in the
// result, never as an error.
func (o *Orchestrator) TestConnection(ctx context.Context, connectorName, connectionType, direction string, config map[string]string) model.ConnectionTestResult {
	return o.Tester.TestRaw(ctx, connectorName, connectionType, direction, config)
}

// InstallRequest asks for one connector to be activated for a customer.
type InstallRequest struct {
	CustomerID string            `json:"customer_id" validate:"required,slug"`
	Connector  string            `json:"connector" validate:"required,slug"`
	Direction  string            `json:"direction,omitempty"`
	Config     map[string]string `json:"config,omitempty"`
	LicenseKey string            `json:"license_key,omitempty"`
}

// InstallResult reports an install. Sidecar is set for sidecar connectors.
type InstallResult struct {
	Activated bool                       `json:"activated"`
	Test      model.ConnectionTestResult `json:"test"`
	Sidecar   *model.SidecarResult       `json:"sidecar,omitempty"`
}

// InstallConnector activates a connector. Shared and API connectors are
// tested first and only activated when the test does not fail. Sidecar
// connectors are started first, then tested; a failing test is reported
// but does not undo the install.
func (o *Orchestrator) InstallConnector(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	if err := platform.Validate(req); err != nil {
		return nil, err
	}
	conn, ok := o.Catalog.Current().Connector(req.Connector)
	if !ok {
		return nil, fmt.Errorf("connector %q: %w", req.Connector, model.ErrNotFound)
	}
	dir, err := connection.ParseDirection(req.Direction)
	if err != nil {
		return nil, err
	}

	if conn.Kind != catalog.KindSidecar {
		typ := connection.Shared
		if conn.Kind == catalog.KindAPI {
			typ = connection.API
		}
		res := o.Tester.Test(ctx, connection.Request{ConnectorName: conn.Name, Type: typ, Direction: dir, Config: req.Config})
		result := &InstallResult{Activated: res.Healthy(), Test: res}
		if result.Activated {
			o.Sink.Notify(ctx, notify.NewEvent(notify.EventConnectorInstalled, req.CustomerID, map[string]any{
				"connector": conn.Name,
				"kind":      conn.Kind,
			}))
		}
		return result, nil
	}

	sc, err := o.Sidecars.Add(ctx, sidecar.AddRequest{
		CustomerID: req.CustomerID,
		Connector:  conn.Name,
		Config:     req.Config,
		LicenseKey: req.LicenseKey,
	})
	if err != nil {
		return nil, err
	}
	res := o.Tester.Test(ctx, connection.Request{
		ConnectorName: conn.Name,
		Type:          connection.Sidecar,
		Direction:     dir,
		Config:        map[string]string{"customer_id": req.CustomerID},
	})
	if !res.Healthy() {
		o.logger.Warn().Str("customer", req.CustomerID).Str("connector", conn.Name).Str("message", res.Message).
			Msg("sidecar installed but not healthy yet")
	}
	return &InstallResult{Activated: true, Test: res, Sidecar: sc}, nil
}

// UninstallConnector detaches a sidecar connector. It reports false when
// the connector was not installed.
func (o *Orchestrator) UninstallConnector(ctx context.Context, customerID, connector string) (bool, error) {
	return o.Sidecars.Remove(ctx, customerID, connector)
}
