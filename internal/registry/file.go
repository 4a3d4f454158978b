package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/0711-os/orchestrator/internal/lock"
	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/platform"
)

// FileStore keeps allocations in a YAML ledger. Every read-modify-write
// holds an exclusive flock on "<path>.lock", so several processes can
// share one ledger.
type FileStore struct {
	path string
	opts Options
	now  func() time.Time
}

type ledger struct {
	Allocations []model.ResourceAllocation `yaml:"allocations"`
}

func NewFileStore(path string, opts Options) *FileStore {
	return &FileStore{path: path, opts: opts.withDefaults(), now: time.Now}
}

// Path returns the ledger file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Allocate(ctx context.Context, customerID string) (model.ResourceAllocation, error) {
	if err := validateCustomerID(customerID); err != nil {
		return model.ResourceAllocation{}, err
	}

	var (
		alloc   model.ResourceAllocation
		created bool
	)
	err := s.withLedger(ctx, func(l *ledger) (bool, error) {
		if existing, ok := l.find(customerID); ok {
			alloc = existing
			return false, nil
		}
		taken := make([]span, 0, len(l.Allocations))
		for _, a := range l.Allocations {
			taken = append(taken, span{base: a.BasePort, width: a.BlockWidth})
		}
		base, err := firstFreeBase(taken, s.opts.Floor, s.opts.BlockWidth)
		if err != nil {
			return false, err
		}
		alloc = model.ResourceAllocation{
			CustomerID: customerID,
			BasePort:   base,
			BlockWidth: s.opts.BlockWidth,
			CreatedAt:  s.now().UTC(),
		}
		l.Allocations = append(l.Allocations, alloc)
		created = true
		return true, nil
	})
	if err != nil {
		allocationsTotal.WithLabelValues(resultError).Inc()
		return model.ResourceAllocation{}, fmt.Errorf("allocate ports for %s: %w", customerID, err)
	}
	if created {
		allocationsTotal.WithLabelValues(resultCreated).Inc()
	} else {
		allocationsTotal.WithLabelValues(resultExisting).Inc()
	}
	return alloc, nil
}

func (s *FileStore) Get(ctx context.Context, customerID string) (model.ResourceAllocation, error) {
	var (
		alloc model.ResourceAllocation
		found bool
	)
	err := s.withLedger(ctx, func(l *ledger) (bool, error) {
		alloc, found = l.find(customerID)
		return false, nil
	})
	if err != nil {
		return model.ResourceAllocation{}, fmt.Errorf("get allocation %s: %w", customerID, err)
	}
	if !found {
		return model.ResourceAllocation{}, notFound(customerID)
	}
	return alloc, nil
}

func (s *FileStore) List(ctx context.Context) ([]model.ResourceAllocation, error) {
	var allocs []model.ResourceAllocation
	err := s.withLedger(ctx, func(l *ledger) (bool, error) {
		allocs = append(allocs, l.Allocations...)
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].BasePort < allocs[j].BasePort })
	return allocs, nil
}

func (s *FileStore) Release(ctx context.Context, customerID string) error {
	err := s.withLedger(ctx, func(l *ledger) (bool, error) {
		for i, a := range l.Allocations {
			if a.CustomerID == customerID {
				l.Allocations = append(l.Allocations[:i], l.Allocations[i+1:]...)
				return true, nil
			}
		}
		return false, notFound(customerID)
	})
	if err != nil {
		return fmt.Errorf("release allocation %s: %w", customerID, err)
	}
	return nil
}

// withLedger runs fn on the ledger under the file lock and writes the ledger
// back atomically when fn reports a change.
func (s *FileStore) withLedger(ctx context.Context, fn func(*ledger) (bool, error)) error {
	held, err := lock.Acquire(ctx, s.path+".lock")
	if err != nil {
		return err
	}
	defer held.Release()

	l, err := s.read()
	if err != nil {
		return err
	}
	changed, err := fn(l)
	if err != nil || !changed {
		return err
	}

	data, err := yaml.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := platform.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

func (s *FileStore) read() (*ledger, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &ledger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	var l ledger
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", s.path, err)
	}
	return &l, nil
}

func (l *ledger) find(customerID string) (model.ResourceAllocation, bool) {
	for _, a := range l.Allocations {
		if a.CustomerID == customerID {
			return a, true
		}
	}
	return model.ResourceAllocation{}, false
}
