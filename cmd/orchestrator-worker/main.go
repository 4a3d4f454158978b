package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"

	"github.com/0711-os/orchestrator/internal/activity"
	"github.com/0711-os/orchestrator/internal/archive"
	"github.com/0711-os/orchestrator/internal/catalog"
	"github.com/0711-os/orchestrator/internal/config"
	"github.com/0711-os/orchestrator/internal/connection"
	"github.com/0711-os/orchestrator/internal/db"
	"github.com/0711-os/orchestrator/internal/lock"
	"github.com/0711-os/orchestrator/internal/logging"
	"github.com/0711-os/orchestrator/internal/manifest"
	"github.com/0711-os/orchestrator/internal/metrics"
	"github.com/0711-os/orchestrator/internal/notify"
	"github.com/0711-os/orchestrator/internal/orchestrator"
	"github.com/0711-os/orchestrator/internal/reconciler"
	"github.com/0711-os/orchestrator/internal/registry"
	"github.com/0711-os/orchestrator/internal/runtime"
	"github.com/0711-os/orchestrator/internal/sidecar"
	"github.com/0711-os/orchestrator/internal/workflow"
)

const probeScheduleID = "deployment-health-probe"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create storage root")
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			logger.Fatal().Err(err).Msg("failed to run migrations")
		}
		pool, err = db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		metrics.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool)
	}

	regOpts := registry.Options{Floor: cfg.PortFloor, BlockWidth: cfg.PortBlockWidth}
	var (
		reg    registry.Store
		states reconciler.StateStore
	)
	if cfg.RegistryBackend == config.RegistryFile {
		reg = registry.NewFileStore(cfg.RegistryFile, regOpts)
	} else {
		reg = registry.NewPostgresStore(pool, regOpts)
	}
	if pool != nil {
		states = reconciler.NewPostgresStateStore(pool)
	} else {
		states = reconciler.NewMemoryStateStore()
		logger.Warn().Msg("no DATABASE_URL, deployment state is kept in memory")
	}

	var src catalog.Source = catalog.NewStatic(catalog.Default())
	if cfg.ConnectorCatalog != "" {
		watcher, err := catalog.NewWatcher(cfg.ConnectorCatalog, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load connector catalog")
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("catalog watcher stopped")
			}
		}()
		src = watcher
	}

	rt, err := runtime.NewDockerController(cfg.DockerHost, cfg.RuntimeTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create docker client")
	}
	defer rt.Close()

	var sink notify.Sink = notify.Nop{}
	if cfg.WebhookURL != "" {
		webhook := notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookTimeout, logger)
		webhook.Start()
		defer webhook.Close()
		sink = webhook
	}

	var archiver archive.Archiver = archive.Nop{}
	if cfg.ArchiveBucket != "" {
		archiver = archive.NewS3Archiver(cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket, logger)
	}

	locker := lock.NewKeyed(cfg.StorageRoot)
	manifests := manifest.NewFileStore(cfg.StorageRoot)
	rec := reconciler.New(rt, states, manifests, locker, logger, reconciler.WithTimeout(cfg.ReconcileTimeout))
	tester := connection.NewTester(src, logger, connection.WithTimeout(cfg.ConnectionTimeout))
	monitor := connection.NewMonitor(tester, states, manifests, locker, logger,
		connection.WithParallelism(cfg.HealthParallelism),
		connection.WithPolicy(connection.ManualPolicy{Logger: logger}),
		connection.WithSink(sink),
	)
	sidecars := sidecar.NewManager(src, manifests, rt, locker, logger,
		sidecar.WithStateStore(states),
		sidecar.WithSink(sink),
	)

	tlsConfig, err := cfg.TemporalTLS()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure temporal TLS")
	}
	dialOpts := temporalclient.Options{HostPort: cfg.TemporalAddress}
	if tlsConfig != nil {
		dialOpts.ConnectionOptions = temporalclient.ConnectionOptions{TLS: tlsConfig}
		logger.Info().Msg("temporal mTLS enabled")
	}
	tc, err := temporalclient.Dial(dialOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to temporal")
	}
	defer tc.Close()

	orch := orchestrator.New(orchestrator.Deps{
		Catalog:                src,
		Registry:               reg,
		Generator:              manifest.NewGenerator(src, manifest.DefaultImages()),
		Manifests:              manifests,
		Reconciler:             rec,
		States:                 states,
		Locker:                 locker,
		Tester:                 tester,
		Sidecars:               sidecars,
		Archiver:               archiver,
		Sink:                   sink,
		Trigger:                orchestrator.NewTemporalTrigger(tc, cfg.TemporalTaskQueue),
		StorageRoot:            cfg.StorageRoot,
		AutoTriggerMinPriority: cfg.AutoTriggerMinPriority,
	}, logger)

	w := worker.New(tc, cfg.TemporalTaskQueue, worker.Options{
		Interceptors: []interceptor.WorkerInterceptor{&workflow.ActivityErrorInterceptor{}},
	})
	w.RegisterActivity(activity.NewDeployment(orch, monitor))

	w.RegisterWorkflow(workflow.OnboardCustomerWorkflow)
	w.RegisterWorkflow(workflow.InstallConnectorWorkflow)
	w.RegisterWorkflow(workflow.UninstallConnectorWorkflow)
	w.RegisterWorkflow(workflow.OffboardCustomerWorkflow)
	w.RegisterWorkflow(workflow.ProbeDeploymentsWorkflow)
	w.RegisterWorkflow(workflow.EvaluateGrowthWorkflow)

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr, readiness(pool))
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	go func() {
		logger.Info().Str("taskQueue", cfg.TemporalTaskQueue).Msg("starting temporal worker")
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Fatal().Err(err).Msg("worker failed")
		}
	}()

	registerProbeSchedule(ctx, tc, cfg, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	cancel()
}

func readiness(pool *pgxpool.Pool) metrics.ReadyFunc {
	if pool == nil {
		return nil
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pool.Ping(ctx)
	}
}

// registerProbeSchedule runs the health probe every HEALTH_INTERVAL. An
// existing schedule is left as is so that re-deploys do not fail.
func registerProbeSchedule(ctx context.Context, tc temporalclient.Client, cfg *config.Config, logger zerolog.Logger) {
	_, err := tc.ScheduleClient().Create(ctx, temporalclient.ScheduleOptions{
		ID: probeScheduleID,
		Spec: temporalclient.ScheduleSpec{
			Intervals: []temporalclient.ScheduleIntervalSpec{{Every: cfg.HealthInterval}},
		},
		Action: &temporalclient.ScheduleWorkflowAction{
			ID:        probeScheduleID,
			Workflow:  workflow.ProbeDeploymentsWorkflow,
			TaskQueue: cfg.TemporalTaskQueue,
		},
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "AlreadyExists") || strings.Contains(err.Error(), "already registered") {
			logger.Info().Str("id", probeScheduleID).Msg("probe schedule already exists, skipping")
			return
		}
		logger.Fatal().Err(err).Str("id", probeScheduleID).Msg("failed to create probe schedule")
	}
	logger.Info().Str("id", probeScheduleID).Dur("every", cfg.HealthInterval).Msg("created probe schedule")
}
