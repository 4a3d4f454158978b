package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// DeploymentState is the observed deployment record of one customer.
type DeploymentState struct {
	CustomerID   string            `json:"customer_id" db:"customer_id"`
	Status       string            `json:"status" db:"status"`
	RunningUnits []string          `json:"running_units" db:"running_units"`
	FailedUnits  map[string]string `json:"failed_units,omitempty" db:"failed_units"`
	ManifestRef  string            `json:"manifest_ref" db:"manifest_ref"`
	LastError    *string           `json:"last_error,omitempty" db:"last_error"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// DeploymentOutcome reports what a reconcile did per unit.
type DeploymentOutcome struct {
	CustomerID  string            `json:"customer_id"`
	Status      string            `json:"status"`
	ManifestRef string            `json:"manifest_ref"`
	Created     []string          `json:"created,omitempty"`
	Updated     []string          `json:"updated,omitempty"`
	Unchanged   []string          `json:"unchanged,omitempty"`
	Removed     []string          `json:"removed,omitempty"`
	Failed      map[string]string `json:"failed,omitempty"`
}

// Succeeded returns every unit confirmed running after the reconcile, sorted.
func (o *DeploymentOutcome) Succeeded() []string {
	units := make([]string, 0, len(o.Created)+len(o.Updated)+len(o.Unchanged))
	units = append(units, o.Created...)
	units = append(units, o.Updated...)
	units = append(units, o.Unchanged...)
	sort.Strings(units)
	return units
}

// FailedUnitNames returns the failed unit names, sorted.
func (o *DeploymentOutcome) FailedUnitNames() []string {
	names := make([]string, 0, len(o.Failed))
	for name := range o.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Err joins the per-unit failures, or returns nil if every unit succeeded.
func (o *DeploymentOutcome) Err() error {
	if len(o.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(o.Failed))
	for _, name := range o.FailedUnitNames() {
		errs = append(errs, fmt.Errorf("unit %s: %s", name, o.Failed[name]))
	}
	return errors.Join(errs...)
}
