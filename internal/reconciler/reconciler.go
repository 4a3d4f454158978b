// Package reconciler brings a customer's runtime units in line with the
// customer's manifest and records the resulting deployment state.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/0711-os/orchestrator/internal/manifest"
	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/runtime"
)

var (
	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_reconcile_duration_seconds",
		Help:    "Duration of full reconciliations.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	})
	reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_reconcile_total",
		Help: "Reconciliations by final status.",
	}, []string{"status"})
	unitActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_reconcile_unit_actions_total",
		Help: "Per-unit reconcile actions by action and result.",
	}, []string{"action", "result"})
)

const DefaultTimeout = 10 * time.Minute

// Locker serializes operations per customer across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// ArtifactStore persists the intended-state manifest.
type ArtifactStore interface {
	Save(customerID string, m *model.Manifest) error
	Load(customerID string) (*model.Manifest, error)
	Path(customerID string) string
	// Retire moves the manifest out of the live path and returns where it
	// went. A customer without a manifest yields model.ErrNotFound.
	Retire(customerID string, at time.Time) (string, error)
}

// Reconciler applies manifests against a runtime.Controller.
type Reconciler struct {
	runtime   runtime.Controller
	states    StateStore
	artifacts ArtifactStore
	locker    Locker
	timeout   time.Duration
	logger    zerolog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTimeout bounds every Reconcile call.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func New(rt runtime.Controller, states StateStore, artifacts ArtifactStore, locker Locker, logger zerolog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		runtime:   rt,
		states:    states,
		artifacts: artifacts,
		locker:    locker,
		timeout:   DefaultTimeout,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOption adjusts a single Reconcile call.
type RunOption func(*runOptions)

type runOptions struct {
	prune bool
}

// WithPrune removes units that are running but absent from the manifest.
// Without it such units are left alone.
func WithPrune() RunOption {
	return func(o *runOptions) { o.prune = true }
}

// Reconcile makes the customer's runtime match m and stores m as the
// customer's manifest. Per-unit failures are reported in the outcome, whose
// status is then failed; already started units keep running. The returned
// error is reserved for failures that prevented reconciling at all. Calling
// Reconcile again with the same manifest only touches units that are
// missing, changed or not running.
func (r *Reconciler) Reconcile(ctx context.Context, customerID string, m *model.Manifest, opts ...RunOption) (*model.DeploymentOutcome, error) {
	return r.run(ctx, customerID, func() (*model.Manifest, bool, error) { return m, true, nil }, opts)
}

// ReconcileStored reconciles the customer's stored manifest. The manifest
// is read while the customer lock is held, so a sidecar attached just
// before the call is part of what gets applied.
func (r *Reconciler) ReconcileStored(ctx context.Context, customerID string, opts ...RunOption) (*model.DeploymentOutcome, error) {
	return r.run(ctx, customerID, func() (*model.Manifest, bool, error) {
		m, err := r.artifacts.Load(customerID)
		return m, false, err
	}, opts)
}

// prepare checks m and computes the per-unit spec hashes and its revision.
func prepare(customerID string, m *model.Manifest) (map[string]string, string, error) {
	if m.Meta.CustomerID != customerID {
		return nil, "", model.NewValidationError("manifest.customer_id", "manifest belongs to %q, not %q", m.Meta.CustomerID, customerID)
	}
	if err := manifest.CheckPorts(m); err != nil {
		return nil, "", err
	}
	hashes := make(map[string]string, len(m.Services))
	for name, unit := range m.Services {
		h, err := manifest.Hash(unit)
		if err != nil {
			return nil, "", fmt.Errorf("hash unit %s: %w", name, err)
		}
		hashes[name] = h
	}
	rev, err := manifest.Revision(m)
	if err != nil {
		return nil, "", err
	}
	return hashes, rev, nil
}

// run reconciles the manifest returned by load, which is called with the
// customer lock held. save reports whether the manifest must be stored.
func (r *Reconciler) run(ctx context.Context, customerID string, load func() (*model.Manifest, bool, error), opts []RunOption) (*model.DeploymentOutcome, error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	unlock, err := r.locker.Lock(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("lock customer %s: %w", customerID, err)
	}
	defer unlock()

	m, save, err := load()
	if err != nil {
		return nil, err
	}
	hashes, rev, err := prepare(customerID, m)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	logger := r.logger.With().Str("customer", customerID).Str("revision", rev).Logger()
	ref := r.artifacts.Path(customerID) + "@" + rev

	if _, err := Transition(ctx, r.states, customerID, model.StatusDeploying, func(st *model.DeploymentState) {
		st.ManifestRef = ref
	}); err != nil {
		return nil, err
	}
	logger.Info().Int("units", len(m.Services)).Msg("reconcile started")

	// Persisting the final state must survive an expired reconcile deadline.
	finalCtx := context.WithoutCancel(ctx)

	if save {
		if err := r.artifacts.Save(customerID, m); err != nil {
			return nil, r.abort(finalCtx, customerID, fmt.Errorf("save manifest: %w", err))
		}
	}
	if err := r.runtime.EnsureNetwork(ctx, m.Meta.Network); err != nil {
		return nil, r.abort(finalCtx, customerID, fmt.Errorf("ensure network: %w", err))
	}
	observed, err := r.runtime.List(ctx, customerID)
	if err != nil {
		return nil, r.abort(finalCtx, customerID, fmt.Errorf("list units: %w", err))
	}

	outcome := &model.DeploymentOutcome{
		CustomerID:  customerID,
		ManifestRef: ref,
		Failed:      map[string]string{},
	}

	for _, name := range m.UnitNames() {
		obs, present := observed[name]
		if present && obs.Running && obs.SpecHash == hashes[name] {
			outcome.Unchanged = append(outcome.Unchanged, name)
			unitActionsTotal.WithLabelValues("unchanged", "ok").Inc()
			continue
		}

		action := "create"
		if present {
			action = "update"
		}
		err := r.runtime.Start(ctx, runtime.UnitSpec{
			CustomerID: customerID,
			Unit:       name,
			Network:    m.Meta.Network,
			Service:    m.Services[name],
			SpecHash:   hashes[name],
		})
		if err != nil {
			outcome.Failed[name] = err.Error()
			unitActionsTotal.WithLabelValues(action, "error").Inc()
			logger.Warn().Err(err).Str("unit", name).Str("action", action).Msg("unit failed")
			continue
		}
		unitActionsTotal.WithLabelValues(action, "ok").Inc()
		if action == "create" {
			outcome.Created = append(outcome.Created, name)
		} else {
			outcome.Updated = append(outcome.Updated, name)
		}
	}

	// Units outside the manifest: pruned on request, otherwise untouched.
	var extra []string
	for name, obs := range observed {
		if _, declared := m.Services[name]; declared {
			continue
		}
		if !ro.prune {
			if obs.Running {
				extra = append(extra, name)
			}
			continue
		}
		if err := r.prune(ctx, customerID, name); err != nil {
			outcome.Failed[name] = err.Error()
			unitActionsTotal.WithLabelValues("remove", "error").Inc()
			logger.Warn().Err(err).Str("unit", name).Msg("prune failed")
			continue
		}
		unitActionsTotal.WithLabelValues("remove", "ok").Inc()
		outcome.Removed = append(outcome.Removed, name)
	}
	sort.Strings(outcome.Removed)

	outcome.Status = model.StatusDeployed
	if len(outcome.Failed) > 0 {
		outcome.Status = model.StatusFailed
	}

	running := append(outcome.Succeeded(), extra...)
	sort.Strings(running)
	failed := outcome.Failed
	_, err = Transition(finalCtx, r.states, customerID, outcome.Status, func(st *model.DeploymentState) {
		st.RunningUnits = running
		st.FailedUnits = failed
		st.LastError = nil
		if joined := outcome.Err(); joined != nil {
			msg := joined.Error()
			st.LastError = &msg
		}
	})
	if err != nil {
		return outcome, err
	}

	reconcileTotal.WithLabelValues(outcome.Status).Inc()
	logger.Info().
		Str("status", outcome.Status).
		Strs("created", outcome.Created).
		Strs("updated", outcome.Updated).
		Int("unchanged", len(outcome.Unchanged)).
		Strs("failed", outcome.FailedUnitNames()).
		Msg("reconcile finished")
	return outcome, nil
}

// Teardown retires the customer's manifest and then stops and removes every
// unit of the customer, declared or not. Once the manifest is retired no
// sidecar can be attached to the customer. It returns the removed unit
// names.
func (r *Reconciler) Teardown(ctx context.Context, customerID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	unlock, err := r.locker.Lock(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("lock customer %s: %w", customerID, err)
	}
	defer unlock()

	retired, err := r.artifacts.Retire(customerID, time.Now())
	switch {
	case err == nil:
		r.logger.Info().Str("customer", customerID).Str("path", retired).Msg("manifest retired")
	case !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("teardown %s: %w", customerID, err)
	}

	observed, err := r.runtime.List(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("teardown %s: list units: %w", customerID, err)
	}
	names := make([]string, 0, len(observed))
	for name := range observed {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := r.prune(ctx, customerID, name); err != nil {
			unitActionsTotal.WithLabelValues("remove", "error").Inc()
			return nil, fmt.Errorf("teardown %s: %w", customerID, err)
		}
		unitActionsTotal.WithLabelValues("remove", "ok").Inc()
	}
	r.logger.Info().Str("customer", customerID).Strs("units", names).Msg("customer torn down")
	return names, nil
}

func (r *Reconciler) prune(ctx context.Context, customerID, unit string) error {
	if err := r.runtime.Stop(ctx, customerID, unit); err != nil {
		return err
	}
	return r.runtime.Remove(ctx, customerID, unit)
}

// abort records a reconcile that could not run and returns cause.
func (r *Reconciler) abort(ctx context.Context, customerID string, cause error) error {
	reconcileTotal.WithLabelValues(model.StatusFailed).Inc()
	msg := cause.Error()
	if _, err := Transition(ctx, r.states, customerID, model.StatusFailed, func(st *model.DeploymentState) {
		st.LastError = &msg
	}); err != nil {
		r.logger.Error().Err(err).Str("customer", customerID).Msg("failed to record failed reconcile")
	}
	return fmt.Errorf("reconcile %s: %w", customerID, cause)
}
