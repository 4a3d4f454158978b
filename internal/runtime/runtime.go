// Package runtime controls the container units of customer stacks.
package runtime

import (
	"context"

	"github.com/0711-os/orchestrator/internal/model"
)

// LabelSpecHash carries the hash of the unit spec a container was created
// from, so callers can tell changed units from unchanged ones.
const LabelSpecHash = "os.0711.spec-hash"

// UnitSpec is one unit to run on a customer's network.
type UnitSpec struct {
	CustomerID string
	Unit       string
	Network    string
	Service    model.ServiceUnit
	SpecHash   string
}

// UnitStatus is the observed state of a unit's container.
type UnitStatus struct {
	Unit        string
	ContainerID string
	Container   string
	State       string // running, exited, created, ...
	Running     bool
	SpecHash    string
}

// Controller starts, stops and lists units. Failures of unit operations
// are returned as *model.RuntimeControlError carrying runtime output.
type Controller interface {
	EnsureNetwork(ctx context.Context, name string) error
	// Start creates the unit's container, replacing an existing one, and
	// starts it.
	Start(ctx context.Context, spec UnitSpec) error
	// Stop and Remove succeed when the unit does not exist.
	Stop(ctx context.Context, customerID, unit string) error
	Remove(ctx context.Context, customerID, unit string) error
	// List returns the customer's units keyed by unit name.
	List(ctx context.Context, customerID string) (map[string]UnitStatus, error)
}
