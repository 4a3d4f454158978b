// Package registry is the durable ledger of per-customer port blocks.
package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/0711-os/orchestrator/internal/model"
)

const (
	DefaultFloor      = 5100
	DefaultBlockWidth = 100
	maxPort           = 65535
)

// Allocation results, shared by every Store.
const (
	resultCreated  = "created"
	resultExisting = "existing"
	resultError    = "error"
)

var allocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "orchestrator_registry_allocations_total",
	Help: "Port block allocation requests by result.",
}, []string{"result"})

// Store allocates and records port blocks. Allocate is idempotent per
// customer and durable before it returns.
type Store interface {
	Allocate(ctx context.Context, customerID string) (model.ResourceAllocation, error)
	Get(ctx context.Context, customerID string) (model.ResourceAllocation, error)
	List(ctx context.Context) ([]model.ResourceAllocation, error)
	Release(ctx context.Context, customerID string) error
}

// Options control where blocks start and how wide they are.
type Options struct {
	Floor      int
	BlockWidth int
}

func (o Options) withDefaults() Options {
	if o.Floor <= 0 {
		o.Floor = DefaultFloor
	}
	if o.BlockWidth <= 0 {
		o.BlockWidth = DefaultBlockWidth
	}
	return o
}

type span struct {
	base, width int
}

// firstFreeBase returns the lowest floor+k*width whose block overlaps none of
// the taken spans. Spans need not be aligned or sorted.
func firstFreeBase(taken []span, floor, width int) (int, error) {
	sorted := make([]span, len(taken))
	copy(sorted, taken)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].base < sorted[j].base })

	base := floor
	for _, s := range sorted {
		end := s.base + s.width - 1
		if end < base {
			continue
		}
		if s.base > base+width-1 {
			break
		}
		// Overlap: jump to the first aligned base past this span.
		base = floor + ((end-floor)/width+1)*width
	}
	if base+width-1 > maxPort {
		return 0, model.ErrPortsExhausted
	}
	return base, nil
}

func validateCustomerID(customerID string) error {
	if customerID == "" {
		return model.NewValidationError("customer_id", "must not be empty")
	}
	return nil
}

func notFound(customerID string) error {
	return fmt.Errorf("allocation for %s: %w", customerID, model.ErrNotFound)
}
