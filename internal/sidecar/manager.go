// Package sidecar attaches and detaches connector sidecar units on a
// running customer stack without touching any other unit.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/0711-os/orchestrator/internal/catalog"
	"github.com/0711-os/orchestrator/internal/manifest"
	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/notify"
	"github.com/0711-os/orchestrator/internal/platform"
	"github.com/0711-os/orchestrator/internal/reconciler"
	"github.com/0711-os/orchestrator/internal/runtime"
)

var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "orchestrator_sidecar_operations_total",
	Help: "Sidecar add and remove operations by result.",
}, []string{"op", "result"})

// ManifestStore reads and edits a customer's manifest one unit at a time.
type ManifestStore interface {
	Load(customerID string) (*model.Manifest, error)
	AddUnit(customerID, name string, unit model.ServiceUnit) error
	RemoveUnit(customerID, name string) (bool, error)
}

// AddRequest asks for a sidecar connector to be attached.
type AddRequest struct {
	CustomerID string            `json:"customer_id" validate:"required,slug"`
	Connector  string            `json:"connector" validate:"required,slug"`
	Config     map[string]string `json:"config,omitempty"`
	LicenseKey string            `json:"license_key,omitempty"`
}

// Manager adds and removes sidecar units.
type Manager struct {
	catalog   catalog.Source
	manifests ManifestStore
	runtime   runtime.Controller
	locker    reconciler.Locker
	states    reconciler.StateStore
	sink      notify.Sink
	logger    zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStateStore keeps the running-unit list of deployment states current.
func WithStateStore(s reconciler.StateStore) Option {
	return func(m *Manager) { m.states = s }
}

// WithSink sets where install and uninstall events go.
func WithSink(s notify.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

func NewManager(src catalog.Source, manifests ManifestStore, rt runtime.Controller, locker reconciler.Locker, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		catalog:   src,
		manifests: manifests,
		runtime:   rt,
		locker:    locker,
		sink:      notify.Nop{},
		logger:    logger.With().Str("component", "sidecar-manager").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add starts the connector's sidecar unit and records it in the manifest.
// The manifest is only changed once the unit is running. A customer without
// a manifest, or without a deployment state when states are tracked, has
// no deployment and yields model.ErrNotFound.
func (m *Manager) Add(ctx context.Context, req AddRequest) (*model.SidecarResult, error) {
	if err := platform.Validate(req); err != nil {
		return nil, err
	}

	unlock, err := m.locker.Lock(ctx, req.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("lock customer %s: %w", req.CustomerID, err)
	}
	defer unlock()

	if err := m.requireDeployment(ctx, req.CustomerID); err != nil {
		return nil, err
	}
	mf, err := m.manifests.Load(req.CustomerID)
	if err != nil {
		return nil, err
	}
	conn, ok := m.catalog.Current().Connector(req.Connector)
	if !ok {
		return nil, fmt.Errorf("connector %q: %w", req.Connector, model.ErrNotFound)
	}
	name, unit, err := manifest.SidecarUnit(mf.Meta, conn, req.Config, req.LicenseKey)
	if err != nil {
		return nil, err
	}
	hostPort := unit.Ports[0].Host

	if existing, ok := mf.Services[name]; ok {
		if len(existing.Ports) > 0 {
			hostPort = existing.Ports[0].Host
		}
		operationsTotal.WithLabelValues("add", "present").Inc()
		return &model.SidecarResult{
			CustomerID: req.CustomerID,
			Connector:  conn.Name,
			Unit:       name,
			Container:  existing.ContainerName,
			HostPort:   hostPort,
			Status:     model.SidecarPresent,
			Message:    "sidecar already attached",
		}, nil
	}

	for other, svc := range mf.Services {
		for _, p := range svc.Ports {
			if p.Host == hostPort {
				return nil, model.NewValidationError("connector", "port %d is already bound by unit %s", hostPort, other)
			}
		}
	}

	hash, err := manifest.Hash(unit)
	if err != nil {
		return nil, err
	}
	if err := m.runtime.EnsureNetwork(ctx, mf.Meta.Network); err != nil {
		operationsTotal.WithLabelValues("add", "error").Inc()
		return nil, fmt.Errorf("ensure network for %s: %w", req.CustomerID, err)
	}
	spec := runtime.UnitSpec{CustomerID: req.CustomerID, Unit: name, Network: mf.Meta.Network, Service: unit, SpecHash: hash}
	if err := m.runtime.Start(ctx, spec); err != nil {
		operationsTotal.WithLabelValues("add", "error").Inc()
		return nil, fmt.Errorf("start sidecar %s for %s: %w", name, req.CustomerID, err)
	}

	if err := m.manifests.AddUnit(req.CustomerID, name, unit); err != nil {
		m.rollback(ctx, req.CustomerID, name)
		operationsTotal.WithLabelValues("add", "error").Inc()
		return nil, fmt.Errorf("record sidecar %s for %s: %w", name, req.CustomerID, err)
	}

	m.updateRunning(ctx, req.CustomerID, func(units []string) []string {
		if slices.Contains(units, name) {
			return units
		}
		return append(units, name)
	})
	m.sink.Notify(ctx, notify.NewEvent(notify.EventConnectorInstalled, req.CustomerID, map[string]any{
		"connector": conn.Name,
		"host_port": hostPort,
	}))
	operationsTotal.WithLabelValues("add", "ok").Inc()
	m.logger.Info().Str("customer", req.CustomerID).Str("connector", conn.Name).Int("host_port", hostPort).Msg("sidecar attached")

	return &model.SidecarResult{
		CustomerID: req.CustomerID,
		Connector:  conn.Name,
		Unit:       name,
		Container:  unit.ContainerName,
		HostPort:   hostPort,
		Status:     model.SidecarRunning,
	}, nil
}

// Remove stops and removes the connector's sidecar unit and drops it from
// the manifest. It reports false, and changes nothing, if the unit is not
// part of the manifest.
func (m *Manager) Remove(ctx context.Context, customerID, connector string) (bool, error) {
	if !platform.IsSlug(customerID) {
		return false, model.NewValidationError("customer_id", "must be a lowercase slug")
	}
	if !platform.IsSlug(connector) {
		return false, model.NewValidationError("connector", "must be a lowercase slug")
	}
	if manifest.IsBaselineUnit(connector) {
		return false, model.NewValidationError("connector", "%s is a baseline unit and cannot be removed", connector)
	}

	unlock, err := m.locker.Lock(ctx, customerID)
	if err != nil {
		return false, fmt.Errorf("lock customer %s: %w", customerID, err)
	}
	defer unlock()

	mf, err := m.manifests.Load(customerID)
	if err != nil {
		return false, err
	}
	if _, ok := mf.Services[connector]; !ok {
		operationsTotal.WithLabelValues("remove", "absent").Inc()
		return false, nil
	}

	if err := m.runtime.Stop(ctx, customerID, connector); err != nil {
		operationsTotal.WithLabelValues("remove", "error").Inc()
		return false, fmt.Errorf("stop sidecar %s for %s: %w", connector, customerID, err)
	}
	if err := m.runtime.Remove(ctx, customerID, connector); err != nil {
		operationsTotal.WithLabelValues("remove", "error").Inc()
		return false, fmt.Errorf("remove sidecar %s for %s: %w", connector, customerID, err)
	}
	if _, err := m.manifests.RemoveUnit(customerID, connector); err != nil {
		operationsTotal.WithLabelValues("remove", "error").Inc()
		return false, fmt.Errorf("drop sidecar %s for %s: %w", connector, customerID, err)
	}

	m.updateRunning(ctx, customerID, func(units []string) []string {
		out := units[:0]
		for _, u := range units {
			if u != connector {
				out = append(out, u)
			}
		}
		return out
	})
	m.sink.Notify(ctx, notify.NewEvent(notify.EventConnectorUninstalled, customerID, map[string]any{"connector": connector}))
	operationsTotal.WithLabelValues("remove", "ok").Inc()
	m.logger.Info().Str("customer", customerID).Str("connector", connector).Msg("sidecar detached")
	return true, nil
}

func (m *Manager) requireDeployment(ctx context.Context, customerID string) error {
	if m.states == nil {
		return nil
	}
	_, err := m.states.Get(ctx, customerID)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("deployment for %s: %w", customerID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read deployment state for %s: %w", customerID, err)
	}
	return nil
}

func (m *Manager) rollback(ctx context.Context, customerID, unit string) {
	ctx = context.WithoutCancel(ctx)
	if err := m.runtime.Stop(ctx, customerID, unit); err != nil {
		m.logger.Error().Err(err).Str("customer", customerID).Str("unit", unit).Msg("rollback stop failed")
	}
	if err := m.runtime.Remove(ctx, customerID, unit); err != nil {
		m.logger.Error().Err(err).Str("customer", customerID).Str("unit", unit).Msg("rollback remove failed")
	}
}

// updateRunning edits the recorded running units. The deployment status is
// left alone; a missing state is not an error.
func (m *Manager) updateRunning(ctx context.Context, customerID string, edit func([]string) []string) {
	if m.states == nil {
		return
	}
	st, err := m.states.Get(ctx, customerID)
	if errors.Is(err, model.ErrNotFound) {
		return
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("customer", customerID).Msg("read deployment state")
		return
	}
	st.RunningUnits = edit(append([]string(nil), st.RunningUnits...))
	sort.Strings(st.RunningUnits)
	if err := m.states.Put(ctx, st); err != nil {
		m.logger.Warn().Err(err).Str("customer", customerID).Msg("update running units")
	}
}
