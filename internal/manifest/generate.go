// Package manifest generates per-customer service topologies and persists
// them as compose-style YAML artifacts.
package manifest

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/0711-os/orchestrator/internal/catalog"
	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/platform"
)

// Baseline unit names.
const (
	UnitInference       = catalog.UnitInference
	UnitEmbeddings      = catalog.UnitEmbeddings
	UnitConsoleBackend  = catalog.UnitConsoleBackend
	UnitConsoleFrontend = catalog.UnitConsoleFrontend
)

// Unit labels written to every unit and copied onto its container.
const (
	LabelCustomer   = "os.0711.customer"
	LabelUnit       = "os.0711.unit"
	LabelKind       = "os.0711.kind"
	LabelConnector  = "os.0711.connector"
	LabelHealthPath = "os.0711.health-path"

	KindBaseline = "baseline"
	KindSidecar  = "sidecar"
)

// Container-side ports of the baseline units.
const (
	inferencePort       = 8000
	embeddingsPort      = 8001
	consoleBackendPort  = 8080
	consoleFrontendPort = 3000
)

// Images names the container images of the baseline units.
type Images struct {
	Inference       string
	Embeddings      string
	ConsoleBackend  string
	ConsoleFrontend string
}

// DefaultImages returns the images released with the platform.
func DefaultImages() Images {
	return Images{
		Inference:       "ghcr.io/0711-os/inference:latest",
		Embeddings:      "ghcr.io/0711-os/embeddings:latest",
		ConsoleBackend:  "ghcr.io/0711-os/console-backend:latest",
		ConsoleFrontend: "ghcr.io/0711-os/console-frontend:latest",
	}
}

// IsBaselineUnit reports whether name is one of the fixed baseline units.
func IsBaselineUnit(name string) bool {
	switch name {
	case UnitInference, UnitEmbeddings, UnitConsoleBackend, UnitConsoleFrontend:
		return true
	}
	return false
}

// GenerateInput is everything a manifest is derived from.
type GenerateInput struct {
	CustomerID  string                   `validate:"required,slug"`
	CompanyName string                   `validate:"required,max=200"`
	Allocation  model.ResourceAllocation
	Connectors  []string                 `validate:"dive,slug"`
	StorageRoot string                   `validate:"required"`
}

// Generator turns a customer's identity, resource block and connector
// selection into a manifest. It has no side effects.
type Generator struct {
	catalog catalog.Source
	images  Images
}

func NewGenerator(src catalog.Source, images Images) *Generator {
	return &Generator{catalog: src, images: images}
}

// Generate builds the manifest for one customer. The same input always
// produces the same manifest.
func (g *Generator) Generate(in GenerateInput) (*model.Manifest, error) {
	if err := platform.Validate(in); err != nil {
		return nil, err
	}
	if err := checkAllocation(in.CustomerID, in.Allocation); err != nil {
		return nil, err
	}

	cat := g.catalog.Current()
	connectors := NormalizeConnectors(in.Connectors)

	var sidecars []catalog.Connector
	for _, name := range connectors {
		conn, ok := cat.Connector(name)
		if !ok {
			return nil, model.NewValidationError("connectors", "unknown connector %q", name)
		}
		if conn.Kind == catalog.KindSidecar {
			sidecars = append(sidecars, conn)
		}
	}

	meta := model.ManifestMeta{
		CustomerID:  in.CustomerID,
		CompanyName: in.CompanyName,
		BasePort:    in.Allocation.BasePort,
		BlockWidth:  in.Allocation.BlockWidth,
		Network:     platform.NetworkName(in.CustomerID),
		StorageRoot: filepath.Clean(in.StorageRoot),
		Connectors:  connectors,
	}

	required := catalog.OffsetConsoleFrontend
	for _, sc := range sidecars {
		if sc.Offset > required {
			required = sc.Offset
		}
	}
	if required+1 > meta.BlockWidth {
		return nil, model.NewValidationError("allocation.block_width",
			"block of %d ports cannot hold offset %d", meta.BlockWidth, required)
	}

	m := &model.Manifest{
		Meta:     meta,
		Services: g.baseline(meta, sidecars),
		Networks: map[string]model.Network{
			meta.Network: {Name: meta.Network, Driver: "bridge"},
		},
		Volumes: map[string]model.Volume{
			cacheVolume(meta.CustomerID): {Name: cacheVolume(meta.CustomerID)},
		},
	}

	for _, sc := range sidecars {
		name, unit, err := SidecarUnit(meta, sc, nil, "")
		if err != nil {
			return nil, err
		}
		if _, clash := m.Services[name]; clash {
			return nil, model.NewValidationError("connectors", "connector %q collides with a baseline unit", name)
		}
		m.Services[name] = unit
	}

	if err := CheckPorts(m); err != nil {
		return nil, err
	}
	return m, nil
}

func checkAllocation(customerID string, a model.ResourceAllocation) error {
	if a.CustomerID != customerID {
		return model.NewValidationError("allocation.customer_id",
			"allocation belongs to %q, not %q", a.CustomerID, customerID)
	}
	if a.BasePort <= 0 || a.BlockWidth <= 0 {
		return model.NewValidationError("allocation", "base port and block width must be positive")
	}
	if a.LastPort() > 65535 {
		return model.NewValidationError("allocation", "block %d-%d exceeds the port space", a.BasePort, a.LastPort())
	}
	return nil
}

// NormalizeConnectors sorts and de-duplicates a connector selection.
func NormalizeConnectors(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, name := range in {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckPorts verifies that every host port lies in the manifest's block and
// that no two units share one.
func CheckPorts(m *model.Manifest) error {
	alloc := m.Meta.Allocation()
	owner := make(map[int]string)
	for _, name := range m.UnitNames() {
		for _, p := range m.Services[name].Ports {
			if !alloc.Contains(p.Host) {
				return model.NewValidationError("services."+name+".ports",
					"host port %d outside block %d-%d", p.Host, alloc.BasePort, alloc.LastPort())
			}
			if other, taken := owner[p.Host]; taken {
				return model.NewValidationError("services."+name+".ports",
					"host port %d already bound by %s", p.Host, other)
			}
			owner[p.Host] = name
		}
	}
	return nil
}

func (g *Generator) baseline(meta model.ManifestMeta, sidecars []catalog.Connector) map[string]model.ServiceUnit {
	cid := meta.CustomerID
	dir := platform.CustomerDir(meta.StorageRoot, cid)
	host := func(unit string) string { return platform.ContainerName(cid, unit) }

	backendEnv := map[string]string{
		"CUSTOMER_ID":        cid,
		"COMPANY_NAME":       meta.CompanyName,
		"DATA_DIR":           "/data",
		"PORT":               strconv.Itoa(consoleBackendPort),
		"INFERENCE_URL":      fmt.Sprintf("http://%s:%d", host(UnitInference), inferencePort),
		"EMBEDDINGS_URL":     fmt.Sprintf("http://%s:%d", host(UnitEmbeddings), embeddingsPort),
		"CONNECTORS_ENABLED": strings.Join(meta.Connectors, ","),
	}
	for _, sc := range sidecars {
		key := "CONNECTOR_" + envName(sc.Name) + "_URL"
		backendEnv[key] = fmt.Sprintf("http://%s:%d", host(sc.Name), sc.ContainerPort)
	}

	return map[string]model.ServiceUnit{
		UnitInference: g.unit(meta, UnitInference, g.images.Inference, catalog.OffsetInference, inferencePort,
			map[string]string{
				"CUSTOMER_ID": cid,
				"MODEL_DIR":   "/models",
				"PORT":        strconv.Itoa(inferencePort),
			},
			[]string{filepath.Join(dir, "models") + ":/models"},
			&model.Deploy{Resources: model.DeployResources{Reservations: model.Reservations{
				Memory:  "16g",
				Devices: []model.DeviceReservation{{Driver: "nvidia", Count: 1, Capabilities: []string{"gpu"}}},
			}}},
		),
		UnitEmbeddings: g.unit(meta, UnitEmbeddings, g.images.Embeddings, catalog.OffsetEmbeddings, embeddingsPort,
			map[string]string{
				"CUSTOMER_ID": cid,
				"INDEX_DIR":   "/data/embeddings",
				"PORT":        strconv.Itoa(embeddingsPort),
			},
			[]string{filepath.Join(dir, "embeddings") + ":/data/embeddings"},
			&model.Deploy{Resources: model.DeployResources{Reservations: model.Reservations{Memory: "4g"}}},
		),
		UnitConsoleBackend: g.unit(meta, UnitConsoleBackend, g.images.ConsoleBackend, catalog.OffsetConsoleBackend, consoleBackendPort,
			backendEnv,
			[]string{
				filepath.Join(dir, "data") + ":/data",
				cacheVolume(cid) + ":/cache",
			},
			nil,
		),
		UnitConsoleFrontend: g.unit(meta, UnitConsoleFrontend, g.images.ConsoleFrontend, catalog.OffsetConsoleFrontend, consoleFrontendPort,
			map[string]string{
				"CUSTOMER_ID":  cid,
				"COMPANY_NAME": meta.CompanyName,
				"API_URL":      fmt.Sprintf("http://%s:%d", host(UnitConsoleBackend), consoleBackendPort),
				"PORT":         strconv.Itoa(consoleFrontendPort),
			},
			nil,
			nil,
		),
	}
}

func (g *Generator) unit(meta model.ManifestMeta, name, image string, offset, containerPort int,
	env map[string]string, volumes []string, deploy *model.Deploy) model.ServiceUnit {
	return model.ServiceUnit{
		Image:         image,
		ContainerName: platform.ContainerName(meta.CustomerID, name),
		Environment:   env,
		Ports:         []model.PortBinding{{Host: meta.BasePort + offset, Container: containerPort}},
		Volumes:       volumes,
		Networks:      []string{meta.Network},
		Labels: map[string]string{
			LabelCustomer:   meta.CustomerID,
			LabelUnit:       name,
			LabelKind:       KindBaseline,
			LabelHealthPath: "/health",
		},
		Restart: "unless-stopped",
		Deploy:  deploy,
	}
}

// SidecarUnit derives the unit of a sidecar connector for the customer
// described by meta. config entries become CONNECTOR_CONFIG_* variables and
// a non-empty licenseKey becomes LICENSE_KEY.
func SidecarUnit(meta model.ManifestMeta, conn catalog.Connector, config map[string]string, licenseKey string) (string, model.ServiceUnit, error) {
	if conn.Kind != catalog.KindSidecar {
		return "", model.ServiceUnit{}, model.NewValidationError("connector", "%q is a %s connector, not a sidecar", conn.Name, conn.Kind)
	}
	if IsBaselineUnit(conn.Name) {
		return "", model.ServiceUnit{}, model.NewValidationError("connector", "connector %q collides with a baseline unit", conn.Name)
	}
	if conn.Offset >= meta.BlockWidth {
		return "", model.ServiceUnit{}, model.NewValidationError("allocation.block_width",
			"block of %d ports cannot hold offset %d", meta.BlockWidth, conn.Offset)
	}

	env := map[string]string{
		"CUSTOMER_ID": meta.CustomerID,
		"CONNECTOR":   conn.Name,
		"DATA_DIR":    "/data",
		"PORT":        strconv.Itoa(conn.ContainerPort),
	}
	for k, v := range conn.Env {
		env[k] = v
	}
	for k, v := range config {
		env["CONNECTOR_CONFIG_"+envName(k)] = v
	}
	if licenseKey != "" {
		env["LICENSE_KEY"] = licenseKey
	}

	unit := model.ServiceUnit{
		Image:         conn.Image,
		ContainerName: platform.ContainerName(meta.CustomerID, conn.Name),
		Environment:   env,
		Ports:         []model.PortBinding{{Host: meta.BasePort + conn.Offset, Container: conn.ContainerPort}},
		Volumes: []string{
			filepath.Join(platform.CustomerDir(meta.StorageRoot, meta.CustomerID), "connectors", conn.Name) + ":/data",
		},
		Networks: []string{meta.Network},
		Labels: map[string]string{
			LabelCustomer:   meta.CustomerID,
			LabelUnit:       conn.Name,
			LabelKind:       KindSidecar,
			LabelConnector:  conn.Name,
			LabelHealthPath: conn.HealthPath,
		},
		Restart: "unless-stopped",
	}
	if conn.GPUCount > 0 {
		unit.Deploy = &model.Deploy{Resources: model.DeployResources{Reservations: model.Reservations{
			Devices: []model.DeviceReservation{{Driver: "nvidia", Count: conn.GPUCount, Capabilities: []string{"gpu"}}},
		}}}
	}
	return conn.Name, unit, nil
}

func cacheVolume(customerID string) string {
	return customerID + "-cache"
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}
