// Package catalog holds the data-driven connector tables: which connectors
// exist, how they are deployed, and where platform-operated shared services
// listen.
package catalog

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/0711-os/orchestrator/internal/platform"
)

// Connector kinds.
const (
	KindShared  = "shared"
	KindSidecar = "sidecar"
	KindAPI     = "api"
)

// Baseline unit port offsets inside a customer's block. Sidecar offsets
// must not reuse them.
const (
	OffsetInference       = 0
	OffsetEmbeddings      = 1
	OffsetConsoleBackend  = 10
	OffsetConsoleFrontend = 20
)

// BaselineOffsets lists the offsets reserved by the baseline units.
var BaselineOffsets = []int{OffsetInference, OffsetEmbeddings, OffsetConsoleBackend, OffsetConsoleFrontend}

// Baseline unit names.
const (
	UnitInference       = "inference"
	UnitEmbeddings      = "embeddings"
	UnitConsoleBackend  = "console-backend"
	UnitConsoleFrontend = "console-frontend"
)

// BaselineUnits lists the units every customer runs.
var BaselineUnits = []string{UnitInference, UnitEmbeddings, UnitConsoleBackend, UnitConsoleFrontend}

const defaultHealthPath = "/health"

// Connector describes an installable integration.
type Connector struct {
	Name          string            `yaml:"name"`
	Kind          string            `yaml:"kind"`
	Category      string            `yaml:"category,omitempty"`
	Image         string            `yaml:"image,omitempty"`
	Offset        int               `yaml:"offset,omitempty"`
	ContainerPort int               `yaml:"container_port,omitempty"`
	HealthPath    string            `yaml:"health_path,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	GPUCount      int               `yaml:"gpu_count,omitempty"`
}

// SharedService is a platform-operated service reachable by a well-known name.
type SharedService struct {
	Name       string `yaml:"name"`
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port"`
	HealthPath string `yaml:"health_path,omitempty"`
}

// Catalog is an immutable, indexed connector catalog.
type Catalog struct {
	Connectors []Connector     `yaml:"connectors"`
	Shared     []SharedService `yaml:"shared"`

	connectors map[string]Connector
	shared     map[string]SharedService
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// New builds a catalog from in-memory tables.
func New(connectors []Connector, shared []SharedService) (*Catalog, error) {
	c := &Catalog{Connectors: connectors, Shared: shared}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) index() error {
	c.connectors = make(map[string]Connector, len(c.Connectors))
	c.shared = make(map[string]SharedService, len(c.Shared))

	reserved := make(map[int]string)
	for _, off := range BaselineOffsets {
		reserved[off] = "baseline"
	}

	for i := range c.Connectors {
		conn := &c.Connectors[i]
		if !platform.IsSlug(conn.Name) {
			return fmt.Errorf("connector %q: invalid name", conn.Name)
		}
		if _, dup := c.connectors[conn.Name]; dup {
			return fmt.Errorf("connector %q: duplicate name", conn.Name)
		}
		if conn.HealthPath == "" {
			conn.HealthPath = defaultHealthPath
		}
		switch conn.Kind {
		case KindShared, KindAPI:
		case KindSidecar:
			if conn.Image == "" {
				return fmt.Errorf("connector %q: sidecar requires an image", conn.Name)
			}
			if conn.ContainerPort <= 0 {
				return fmt.Errorf("connector %q: sidecar requires a container_port", conn.Name)
			}
			if conn.Offset <= 0 {
				return fmt.Errorf("connector %q: sidecar requires a positive offset", conn.Name)
			}
			if owner, taken := reserved[conn.Offset]; taken {
				return fmt.Errorf("connector %q: offset %d already used by %s", conn.Name, conn.Offset, owner)
			}
			reserved[conn.Offset] = conn.Name
		default:
			return fmt.Errorf("connector %q: unknown kind %q", conn.Name, conn.Kind)
		}
		c.connectors[conn.Name] = *conn
	}
	if err := checkUnitNames(c.ConnectorNames()); err != nil {
		return err
	}

	for i := range c.Shared {
		svc := &c.Shared[i]
		if svc.Name == "" || svc.Port <= 0 || svc.Port > 65535 {
			return fmt.Errorf("shared service %q: name and a valid port are required", svc.Name)
		}
		if _, dup := c.shared[svc.Name]; dup {
			return fmt.Errorf("shared service %q: duplicate name", svc.Name)
		}
		if svc.Host == "" {
			svc.Host = svc.Name
		}
		if svc.HealthPath == "" {
			svc.HealthPath = defaultHealthPath
		}
		c.shared[svc.Name] = *svc
	}
	return nil
}

// checkUnitNames rejects connector names that could produce another
// customer's container name. Containers are named <customer>-<unit> and
// customer IDs may contain dashes, so acme-foo/inference and
// acme/foo-inference would share a name if foo-inference were allowed.
func checkUnitNames(connectors []string) error {
	units := append(slices.Clone(BaselineUnits), connectors...)
	for _, name := range connectors {
		if slices.Contains(BaselineUnits, name) {
			return fmt.Errorf("connector %q: name is taken by a baseline unit", name)
		}
		for _, unit := range units {
			if unit != name && strings.HasSuffix(name, "-"+unit) {
				return fmt.Errorf("connector %q: name ends in unit name %q", name, unit)
			}
		}
	}
	return nil
}

// Connector looks up a connector by name.
func (c *Catalog) Connector(name string) (Connector, bool) {
	conn, ok := c.connectors[name]
	return conn, ok
}

// SharedService looks up a shared service by name.
func (c *Catalog) SharedService(name string) (SharedService, bool) {
	svc, ok := c.shared[name]
	return svc, ok
}

// ConnectorNames returns all connector names, sorted.
func (c *Catalog) ConnectorNames() []string {
	names := make([]string, 0, len(c.connectors))
	for name := range c.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source provides the current catalog. Implementations may swap the
// catalog at runtime; callers must not cache the result across operations.
type Source interface {
	Current() *Catalog
}

// Static is a Source that never changes.
type Static struct {
	c *Catalog
}

// NewStatic wraps a catalog as a Source.
func NewStatic(c *Catalog) *Static {
	return &Static{c: c}
}

// Current implements Source.
func (s *Static) Current() *Catalog {
	return s.c
}
