package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParsePortBinding(t *testing.T) {
	p, err := ParsePortBinding("5110:8080")
	require.NoError(t, err)
	assert.Equal(t, PortBinding{Host: 5110, Container: 8080}, p)

	p, err = ParsePortBinding("5120:3000/tcp")
	require.NoError(t, err)
	assert.Equal(t, PortBinding{Host: 5120, Container: 3000}, p)

	_, err = ParsePortBinding("5110")
	assert.Error(t, err)
	_, err = ParsePortBinding("abc:80")
	assert.Error(t, err)
}

func TestPortBinding_ComposeShortSyntax(t *testing.T) {
	unit := ServiceUnit{Image: "nginx", Ports: []PortBinding{{Host: 5120, Container: 3000}}}

	data, err := yaml.Marshal(unit)
	require.NoError(t, err)
	assert.Contains(t, string(data), "- 5120:3000")

	var decoded ServiceUnit
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, unit.Ports, decoded.Ports)
}

func TestServiceUnit_GPUCount(t *testing.T) {
	assert.Equal(t, 0, ServiceUnit{}.GPUCount())

	u := ServiceUnit{Deploy: &Deploy{Resources: DeployResources{Reservations: Reservations{
		Devices: []DeviceReservation{
			{Driver: "nvidia", Count: 2, Capabilities: []string{"gpu"}},
			{Driver: "other", Count: 4, Capabilities: []string{"compute"}},
		},
	}}}}
	assert.Equal(t, 2, u.GPUCount())
}

func TestManifest_HostPortsAndNames(t *testing.T) {
	m := &Manifest{Services: map[string]ServiceUnit{
		"embeddings": {Ports: []PortBinding{{Host: 5101, Container: 8001}}},
		"inference":  {Ports: []PortBinding{{Host: 5100, Container: 8000}}},
	}}

	assert.Equal(t, []string{"embeddings", "inference"}, m.UnitNames())
	assert.Equal(t, map[int]string{5100: "inference", 5101: "embeddings"}, m.HostPorts())
}

func TestResourceAllocation_Ranges(t *testing.T) {
	a := ResourceAllocation{CustomerID: "acme", BasePort: 5100, BlockWidth: 100}
	b := ResourceAllocation{CustomerID: "globex", BasePort: 5200, BlockWidth: 100}

	first, last := a.PortRange()
	assert.Equal(t, 5100, first)
	assert.Equal(t, 5199, last)
	assert.True(t, a.Contains(5199))
	assert.False(t, a.Contains(5200))
	assert.False(t, a.Overlaps(b))
	assert.True(t, a.Overlaps(ResourceAllocation{BasePort: 5150, BlockWidth: 100}))
}

func TestDeploymentOutcome(t *testing.T) {
	o := &DeploymentOutcome{
		Created:   []string{"inference"},
		Unchanged: []string{"console-backend"},
		Failed:    map[string]string{"embeddings": "image not found"},
	}

	assert.Equal(t, []string{"console-backend", "inference"}, o.Succeeded())
	assert.Equal(t, []string{"embeddings"}, o.FailedUnitNames())
	require.Error(t, o.Err())
	assert.Contains(t, o.Err().Error(), "unit embeddings: image not found")

	assert.NoError(t, (&DeploymentOutcome{}).Err())
}
