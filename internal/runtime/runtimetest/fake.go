// Package runtimetest provides an in-memory runtime.Controller for tests.
package runtimetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/platform"
	"github.com/0711-os/orchestrator/internal/runtime"
)

// Fake records every call and keeps unit state in memory. Failures are
// injected per operation and unit with FailOn.
type Fake struct {
	mu       sync.Mutex
	units    map[string]map[string]runtime.UnitStatus
	specs    map[string]runtime.UnitSpec
	networks map[string]bool
	calls    []string
	failures map[string]error
	listErr  error
	nextID   int
}

func New() *Fake {
	return &Fake{
		units:    make(map[string]map[string]runtime.UnitStatus),
		specs:    make(map[string]runtime.UnitSpec),
		networks: make(map[string]bool),
		failures: make(map[string]error),
	}
}

// FailOn makes op ("start", "stop", "remove") fail for unit until cleared
// with a nil error.
func (f *Fake) FailOn(op, unit string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + " " + unit
	if err == nil {
		delete(f.failures, key)
		return
	}
	f.failures[key] = err
}

// FailList makes List fail until cleared with nil.
func (f *Fake) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// SetState overrides the observed state of an existing unit.
func (f *Fake) SetState(customerID, unit, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.units[customerID][unit]
	if !ok {
		return
	}
	st.State = state
	st.Running = state == "running"
	f.units[customerID][unit] = st
}

// Calls returns the recorded calls, e.g. "start acme/inference".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts recorded calls of op (any unit).
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) > len(op) && c[:len(op)+1] == op+" " {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Running returns the names of the customer's running units, sorted.
func (f *Fake) Running(customerID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name, st := range f.units[customerID] {
		if st.Running {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Spec returns the last spec started for a unit.
func (f *Fake) Spec(customerID, unit string) (runtime.UnitSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.specs[customerID+"/"+unit]
	return s, ok
}

// HasNetwork reports whether EnsureNetwork was called for name.
func (f *Fake) HasNetwork(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[name]
}

func (f *Fake) EnsureNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "network "+name)
	f.networks[name] = true
	return nil
}

func (f *Fake) Start(ctx context.Context, spec runtime.UnitSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("start %s/%s", spec.CustomerID, spec.Unit))

	if err, ok := f.failures["start "+spec.Unit]; ok {
		return &model.RuntimeControlError{Op: "start", Unit: spec.Unit, Output: "simulated failure", Err: err}
	}

	if f.units[spec.CustomerID] == nil {
		f.units[spec.CustomerID] = make(map[string]runtime.UnitStatus)
	}
	f.nextID++
	name := spec.Service.ContainerName
	if name == "" {
		name = platform.ContainerName(spec.CustomerID, spec.Unit)
	}
	f.units[spec.CustomerID][spec.Unit] = runtime.UnitStatus{
		Unit:        spec.Unit,
		ContainerID: fmt.Sprintf("c%d", f.nextID),
		Container:   name,
		State:       "running",
		Running:     true,
		SpecHash:    spec.SpecHash,
	}
	f.specs[spec.CustomerID+"/"+spec.Unit] = spec
	return nil
}

func (f *Fake) Stop(_ context.Context, customerID, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("stop %s/%s", customerID, unit))

	if err, ok := f.failures["stop "+unit]; ok {
		return &model.RuntimeControlError{Op: "stop", Unit: unit, Err: err}
	}
	if st, ok := f.units[customerID][unit]; ok {
		st.State = "exited"
		st.Running = false
		f.units[customerID][unit] = st
	}
	return nil
}

func (f *Fake) Remove(_ context.Context, customerID, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("remove %s/%s", customerID, unit))

	if err, ok := f.failures["remove "+unit]; ok {
		return &model.RuntimeControlError{Op: "remove", Unit: unit, Err: err}
	}
	delete(f.units[customerID], unit)
	delete(f.specs, customerID+"/"+unit)
	return nil
}

func (f *Fake) List(_ context.Context, customerID string) (map[string]runtime.UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "list "+customerID)

	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make(map[string]runtime.UnitStatus, len(f.units[customerID]))
	for name, st := range f.units[customerID] {
		out[name] = st
	}
	return out, nil
}

// ErrSimulated is a convenient error for FailOn.
var ErrSimulated = errors.New("simulated runtime failure")

var _ runtime.Controller = (*Fake)(nil)
