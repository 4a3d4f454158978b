package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the compose-style service topology of one customer's stack.
type Manifest struct {
	Meta     ManifestMeta           `yaml:"x-orchestrator"`
	Services map[string]ServiceUnit `yaml:"services"`
	Networks map[string]Network     `yaml:"networks,omitempty"`
	Volumes  map[string]Volume      `yaml:"volumes,omitempty"`
}

// ManifestMeta records the identity and resources a manifest was generated from.
type ManifestMeta struct {
	CustomerID  string   `yaml:"customer_id"`
	CompanyName string   `yaml:"company_name"`
	BasePort    int      `yaml:"base_port"`
	BlockWidth  int      `yaml:"block_width"`
	Network     string   `yaml:"network"`
	StorageRoot string   `yaml:"storage_root"`
	Connectors  []string `yaml:"connectors,omitempty"`
}

// Allocation returns the resource block the manifest was generated for.
func (m ManifestMeta) Allocation() ResourceAllocation {
	return ResourceAllocation{CustomerID: m.CustomerID, BasePort: m.BasePort, BlockWidth: m.BlockWidth}
}

// ServiceUnit is one service entry of a manifest.
type ServiceUnit struct {
	Image         string            `yaml:"image"`
	ContainerName string            `yaml:"container_name"`
	Command       []string          `yaml:"command,omitempty"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	Ports         []PortBinding     `yaml:"ports,omitempty"`
	Volumes       []string          `yaml:"volumes,omitempty"`
	Networks      []string          `yaml:"networks,omitempty"`
	Labels        map[string]string `yaml:"labels,omitempty"`
	Restart       string            `yaml:"restart,omitempty"`
	Deploy        *Deploy           `yaml:"deploy,omitempty"`
}

// GPUCount returns the number of GPUs reserved for the unit.
func (u ServiceUnit) GPUCount() int {
	if u.Deploy == nil {
		return 0
	}
	n := 0
	for _, d := range u.Deploy.Resources.Reservations.Devices {
		for _, c := range d.Capabilities {
			if c == "gpu" {
				n += d.Count
				break
			}
		}
	}
	return n
}

// Deploy mirrors the compose deploy section.
type Deploy struct {
	Resources DeployResources `yaml:"resources"`
}

// DeployResources holds resource reservations.
type DeployResources struct {
	Reservations Reservations `yaml:"reservations"`
}

// Reservations holds reserved memory and devices.
type Reservations struct {
	Memory  string              `yaml:"memory,omitempty"`
	Devices []DeviceReservation `yaml:"devices,omitempty"`
}

// DeviceReservation reserves devices such as GPUs.
type DeviceReservation struct {
	Driver       string   `yaml:"driver,omitempty"`
	Count        int      `yaml:"count"`
	Capabilities []string `yaml:"capabilities"`
}

// Network is a compose network definition.
type Network struct {
	Name     string `yaml:"name,omitempty"`
	Driver   string `yaml:"driver,omitempty"`
	Internal bool   `yaml:"internal,omitempty"`
}

// Volume is a compose named volume definition.
type Volume struct {
	Name   string `yaml:"name,omitempty"`
	Driver string `yaml:"driver,omitempty"`
}

// PortBinding publishes a container port on a host port.
// It is written as "host:container" in the manifest.
type PortBinding struct {
	Host      int
	Container int
}

func (p PortBinding) String() string {
	return fmt.Sprintf("%d:%d", p.Host, p.Container)
}

// MarshalYAML implements yaml.Marshaler.
func (p PortBinding) MarshalYAML() (any, error) {
	return p.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *PortBinding) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParsePortBinding(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePortBinding parses "host:container" (an optional "/tcp" suffix is ignored).
func ParsePortBinding(s string) (PortBinding, error) {
	s = strings.TrimSuffix(s, "/tcp")
	host, container, ok := strings.Cut(s, ":")
	if !ok {
		return PortBinding{}, fmt.Errorf("invalid port binding %q: expected host:container", s)
	}
	h, err := strconv.Atoi(host)
	if err != nil {
		return PortBinding{}, fmt.Errorf("invalid host port in %q: %w", s, err)
	}
	c, err := strconv.Atoi(container)
	if err != nil {
		return PortBinding{}, fmt.Errorf("invalid container port in %q: %w", s, err)
	}
	return PortBinding{Host: h, Container: c}, nil
}

// UnitNames returns the manifest's unit names in sorted order.
func (m *Manifest) UnitNames() []string {
	names := make([]string, 0, len(m.Services))
	for name := range m.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HostPorts returns every host port bound by any unit, keyed by port.
func (m *Manifest) HostPorts() map[int]string {
	ports := make(map[int]string)
	for name, unit := range m.Services {
		for _, p := range unit.Ports {
			ports[p.Host] = name
		}
	}
	return ports
}
