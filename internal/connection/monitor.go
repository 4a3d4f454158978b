package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/0711-os/orchestrator/internal/manifest"
	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/notify"
	"github.com/0711-os/orchestrator/internal/reconciler"
)

var (
	degradedCustomers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_degraded_customers",
		Help: "Customers whose deployment is degraded after the last health check.",
	})
	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_health_probes_total",
		Help: "Sidecar health probes by status.",
	}, []string{"status"})
)

// ManifestLoader reads a customer's manifest artifact.
type ManifestLoader interface {
	Load(customerID string) (*model.Manifest, error)
}

// RemediationPolicy decides what to do when a deployment becomes degraded.
type RemediationPolicy interface {
	Remediate(ctx context.Context, customerID string, failures map[string]model.ConnectionTestResult) error
}

// PolicyFunc adapts a function to RemediationPolicy.
type PolicyFunc func(ctx context.Context, customerID string, failures map[string]model.ConnectionTestResult) error

func (f PolicyFunc) Remediate(ctx context.Context, customerID string, failures map[string]model.ConnectionTestResult) error {
	return f(ctx, customerID, failures)
}

// ManualPolicy only logs; an operator has to intervene.
type ManualPolicy struct {
	Logger zerolog.Logger
}

func (p ManualPolicy) Remediate(_ context.Context, customerID string, failures map[string]model.ConnectionTestResult) error {
	units := make([]string, 0, len(failures))
	for unit := range failures {
		units = append(units, unit)
	}
	sort.Strings(units)
	p.Logger.Warn().Str("customer", customerID).Strs("units", units).Msg("deployment degraded, manual intervention required")
	return nil
}

// CheckReport summarizes one health check pass.
type CheckReport struct {
	Checked   int                 `json:"checked"`
	Degraded  []string            `json:"degraded,omitempty"`
	Recovered []string            `json:"recovered,omitempty"`
	Unhealthy map[string][]string `json:"unhealthy,omitempty"`
}

// Monitor probes the sidecars of deployed customers and moves them between
// deployed and degraded.
type Monitor struct {
	tester      *Tester
	states      reconciler.StateStore
	manifests   ManifestLoader
	locker      reconciler.Locker
	sink        notify.Sink
	policy      RemediationPolicy
	parallelism int
	logger      zerolog.Logger
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithPolicy replaces the default ManualPolicy.
func WithPolicy(p RemediationPolicy) MonitorOption {
	return func(m *Monitor) { m.policy = p }
}

// WithParallelism bounds how many customers are checked at once.
func WithParallelism(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.parallelism = n
		}
	}
}

// WithSink sets where transition events go.
func WithSink(s notify.Sink) MonitorOption {
	return func(m *Monitor) { m.sink = s }
}

func NewMonitor(tester *Tester, states reconciler.StateStore, manifests ManifestLoader, locker reconciler.Locker, logger zerolog.Logger, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		tester:      tester,
		states:      states,
		manifests:   manifests,
		locker:      locker,
		sink:        notify.Nop{},
		parallelism: 8,
		logger:      logger.With().Str("component", "health-monitor").Logger(),
	}
	m.policy = ManualPolicy{Logger: m.logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckOnce runs one health check pass over all deployed and degraded
// customers.
func (m *Monitor) CheckOnce(ctx context.Context) (*CheckReport, error) {
	states, err := m.states.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deployment states: %w", err)
	}

	var (
		mu     sync.Mutex
		report = &CheckReport{Unhealthy: map[string][]string{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)

	for _, st := range states {
		if st.Status != model.StatusDeployed && st.Status != model.StatusDegraded {
			continue
		}
		customerID := st.CustomerID
		g.Go(func() error {
			change, failures, err := m.checkCustomer(gctx, customerID)
			if err != nil {
				// One customer's problem must not stop the pass.
				m.logger.Warn().Err(err).Str("customer", customerID).Msg("health check failed")
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch change {
			case model.StatusDegraded:
				report.Degraded = append(report.Degraded, customerID)
			case model.StatusDeployed:
				report.Recovered = append(report.Recovered, customerID)
			}
			if len(failures) > 0 {
				units := make([]string, 0, len(failures))
				for unit := range failures {
					units = append(units, unit)
				}
				sort.Strings(units)
				report.Unhealthy[customerID] = units
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(report.Degraded)
	sort.Strings(report.Recovered)
	m.updateGauge(ctx)
	return report, nil
}

// checkCustomer probes every sidecar unit of one customer and applies the
// resulting transition. It returns the new status if one was applied.
func (m *Monitor) checkCustomer(ctx context.Context, customerID string) (string, map[string]model.ConnectionTestResult, error) {
	mf, err := m.manifests.Load(customerID)
	if err != nil {
		return "", nil, err
	}

	failures := make(map[string]model.ConnectionTestResult)
	for _, unit := range mf.UnitNames() {
		svc := mf.Services[unit]
		if svc.Labels[manifest.LabelKind] != manifest.KindSidecar {
			continue
		}
		connector := svc.Labels[manifest.LabelConnector]
		if connector == "" {
			connector = unit
		}
		res := m.tester.Test(ctx, Request{
			ConnectorName: connector,
			Type:          Sidecar,
			Direction:     Input,
			Config:        map[string]string{"customer_id": customerID},
		})
		probesTotal.WithLabelValues(res.Status).Inc()
		if !res.Healthy() {
			failures[unit] = res
		}
	}

	unlock, err := m.locker.Lock(ctx, customerID)
	if err != nil {
		return "", failures, fmt.Errorf("lock customer %s: %w", customerID, err)
	}
	defer unlock()

	current, err := m.states.Get(ctx, customerID)
	if err != nil {
		return "", failures, err
	}

	switch {
	case current.Status == model.StatusDeployed && len(failures) > 0:
		summary := summarize(failures)
		if _, err := reconciler.Transition(ctx, m.states, customerID, model.StatusDegraded, func(st *model.DeploymentState) {
			st.LastError = &summary
		}); err != nil {
			return "", failures, ignoreRace(err)
		}
		m.logger.Warn().Str("customer", customerID).Str("failures", summary).Msg("deployment degraded")
		m.sink.Notify(ctx, notify.NewEvent(notify.EventDeploymentDegraded, customerID, map[string]any{"failures": summary}))
		if err := m.policy.Remediate(ctx, customerID, failures); err != nil {
			m.logger.Error().Err(err).Str("customer", customerID).Msg("remediation failed")
		}
		return model.StatusDegraded, failures, nil

	case current.Status == model.StatusDegraded && len(failures) == 0:
		if _, err := reconciler.Transition(ctx, m.states, customerID, model.StatusDeployed, func(st *model.DeploymentState) {
			st.LastError = nil
		}); err != nil {
			return "", failures, ignoreRace(err)
		}
		m.logger.Info().Str("customer", customerID).Msg("deployment recovered")
		m.sink.Notify(ctx, notify.NewEvent(notify.EventDeploymentRecovered, customerID, nil))
		return model.StatusDeployed, failures, nil
	}
	return "", failures, nil
}

func (m *Monitor) updateGauge(ctx context.Context) {
	states, err := m.states.List(ctx)
	if err != nil {
		return
	}
	n := 0
	for _, st := range states {
		if st.Status == model.StatusDegraded {
			n++
		}
	}
	degradedCustomers.Set(float64(n))
}

func summarize(failures map[string]model.ConnectionTestResult) string {
	units := make([]string, 0, len(failures))
	for unit := range failures {
		units = append(units, unit)
	}
	sort.Strings(units)
	parts := make([]string, 0, len(units))
	for _, unit := range units {
		parts = append(parts, unit+": "+failures[unit].Message)
	}
	return strings.Join(parts, "; ")
}

// ignoreRace drops the error raised when a reconcile moved the deployment
// on while it was being probed.
func ignoreRace(err error) error {
	if errors.Is(err, model.ErrInvalidTransition) {
		return nil
	}
	return err
}
