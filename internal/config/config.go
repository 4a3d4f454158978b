package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Registry backends.
const (
	RegistryPostgres = "postgres"
	RegistryFile     = "file"
)

type Config struct {
	DatabaseURL       string
	TemporalAddress   string
	TemporalTaskQueue string
	MetricsAddr       string
	LogLevel          string
	ServiceName       string
	MigrationsDir     string

	StorageRoot     string
	RegistryBackend string
	RegistryFile    string
	PortFloor       int
	PortBlockWidth  int

	DockerHost       string
	ConnectorCatalog string

	WebhookURL     string
	WebhookTimeout time.Duration

	ConnectionTimeout time.Duration
	RuntimeTimeout    time.Duration
	ReconcileTimeout  time.Duration
	HealthInterval    time.Duration
	HealthParallelism int

	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveAccessKey string
	ArchiveSecretKey string

	AutoTriggerMinPriority int

	TemporalTLSCert       string
	TemporalTLSKey        string
	TemporalTLSCACert     string
	TemporalTLSServerName string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		TemporalAddress:   getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue: getEnv("TEMPORAL_TASK_QUEUE", "orchestrator-tasks"),
		MetricsAddr:       getEnv("METRICS_LISTEN_ADDR", ":9100"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		ServiceName:       getEnv("SERVICE_NAME", "orchestrator-worker"),
		MigrationsDir:     getEnv("MIGRATIONS_DIR", "migrations"),

		StorageRoot:     getEnv("STORAGE_ROOT", "/var/lib/0711/customers"),
		RegistryBackend: getEnv("REGISTRY_BACKEND", RegistryPostgres),
		RegistryFile:    getEnv("REGISTRY_FILE", ""),

		DockerHost:       getEnv("DOCKER_HOST", ""),
		ConnectorCatalog: getEnv("CONNECTOR_CATALOG", ""),

		WebhookURL: getEnv("WEBHOOK_URL", ""),

		ArchiveBucket:    getEnv("ARCHIVE_BUCKET", ""),
		ArchiveEndpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveAccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),

		TemporalTLSCert:       getEnv("TEMPORAL_TLS_CERT", ""),
		TemporalTLSKey:        getEnv("TEMPORAL_TLS_KEY", ""),
		TemporalTLSCACert:     getEnv("TEMPORAL_TLS_CA_CERT", ""),
		TemporalTLSServerName: getEnv("TEMPORAL_TLS_SERVER_NAME", ""),
	}
	if cfg.RegistryFile == "" {
		cfg.RegistryFile = filepath.Join(cfg.StorageRoot, "registry.yaml")
	}

	var err error
	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"PORT_FLOOR", 5100, &cfg.PortFloor},
		{"PORT_BLOCK_WIDTH", 100, &cfg.PortBlockWidth},
		{"HEALTH_PARALLELISM", 8, &cfg.HealthParallelism},
		{"AUTO_TRIGGER_MIN_PRIORITY", 5, &cfg.AutoTriggerMinPriority},
	}
	for _, v := range ints {
		if *v.dst, err = getEnvInt(v.key, v.fallback); err != nil {
			return nil, err
		}
	}
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"WEBHOOK_TIMEOUT", 10 * time.Second, &cfg.WebhookTimeout},
		{"CONNECTION_TIMEOUT", 5 * time.Second, &cfg.ConnectionTimeout},
		{"RUNTIME_TIMEOUT", 60 * time.Second, &cfg.RuntimeTimeout},
		{"RECONCILE_TIMEOUT", 10 * time.Minute, &cfg.ReconcileTimeout},
		{"HEALTH_INTERVAL", time.Minute, &cfg.HealthInterval},
	}
	for _, v := range durations {
		if *v.dst, err = getEnvDuration(v.key, v.fallback); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks that the settings the given binary needs are present.
func (c *Config) Validate(binary string) error {
	var missing []string
	var problems []string

	switch binary {
	case "worker":
		if c.TemporalAddress == "" {
			missing = append(missing, "TEMPORAL_ADDRESS")
		}
		if c.TemporalTaskQueue == "" {
			missing = append(missing, "TEMPORAL_TASK_QUEUE")
		}
		if c.StorageRoot == "" {
			missing = append(missing, "STORAGE_ROOT")
		}
		switch c.RegistryBackend {
		case RegistryPostgres:
			if c.DatabaseURL == "" {
				missing = append(missing, "DATABASE_URL")
			}
		case RegistryFile:
			if c.RegistryFile == "" {
				missing = append(missing, "REGISTRY_FILE")
			}
		default:
			problems = append(problems, fmt.Sprintf("REGISTRY_BACKEND must be %q or %q, got %q", RegistryPostgres, RegistryFile, c.RegistryBackend))
		}
	default:
		return fmt.Errorf("unknown binary %q", binary)
	}

	if c.PortFloor < 1024 || c.PortFloor > 65535 {
		problems = append(problems, fmt.Sprintf("PORT_FLOOR must be between 1024 and 65535, got %d", c.PortFloor))
	}
	if c.PortBlockWidth < 21 {
		problems = append(problems, fmt.Sprintf("PORT_BLOCK_WIDTH must be at least 21, got %d", c.PortBlockWidth))
	}
	if c.AutoTriggerMinPriority < 0 || c.AutoTriggerMinPriority > 5 {
		problems = append(problems, "AUTO_TRIGGER_MIN_PRIORITY must be between 0 and 5")
	}
	if c.ArchiveBucket != "" && c.ArchiveEndpoint == "" {
		problems = append(problems, "ARCHIVE_ENDPOINT is required when ARCHIVE_BUCKET is set")
	}
	if (c.TemporalTLSCert == "") != (c.TemporalTLSKey == "") {
		problems = append(problems, "TEMPORAL_TLS_CERT and TEMPORAL_TLS_KEY must both be set")
	}

	if len(missing) > 0 {
		problems = append([]string{"missing required config: " + strings.Join(missing, ", ")}, problems...)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// TemporalTLS builds the client TLS config for Temporal. It returns nil
// when no client certificate is configured.
func (c *Config) TemporalTLS() (*tls.Config, error) {
	if c.TemporalTLSCert == "" && c.TemporalTLSKey == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TemporalTLSCert, c.TemporalTLSKey)
	if err != nil {
		return nil, fmt.Errorf("load temporal client cert: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   c.TemporalTLSServerName,
	}
	if c.TemporalTLSCACert != "" {
		caPEM, err := os.ReadFile(c.TemporalTLSCACert)
		if err != nil {
			return nil, fmt.Errorf("read temporal CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse temporal CA cert %s", c.TemporalTLSCACert)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
