package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/0711-os/orchestrator/internal/model"
)

// StateStore persists one DeploymentState per customer. Get returns
// model.ErrNotFound for customers that were never deployed.
type StateStore interface {
	Get(ctx context.Context, customerID string) (*model.DeploymentState, error)
	Put(ctx context.Context, state *model.DeploymentState) error
	List(ctx context.Context) ([]model.DeploymentState, error)
	// Delete forgets a customer. Deleting an unknown customer is not an error.
	Delete(ctx context.Context, customerID string) error
}

// Transition moves a customer to status to, applying mutate to the record
// before it is stored. Customers without a record start as pending.
// Callers serialize transitions per customer.
func Transition(ctx context.Context, store StateStore, customerID, to string, mutate func(*model.DeploymentState)) (*model.DeploymentState, error) {
	st, err := store.Get(ctx, customerID)
	if errors.Is(err, model.ErrNotFound) {
		st = &model.DeploymentState{CustomerID: customerID, Status: model.StatusPending}
	} else if err != nil {
		return nil, fmt.Errorf("load state for %s: %w", customerID, err)
	}

	if !model.CanTransition(st.Status, to) {
		return nil, fmt.Errorf("%s: %s -> %s: %w", customerID, st.Status, to, model.ErrInvalidTransition)
	}
	st.Status = to
	if mutate != nil {
		mutate(st)
	}
	st.UpdatedAt = time.Now().UTC()

	if err := store.Put(ctx, st); err != nil {
		return nil, fmt.Errorf("store state for %s: %w", customerID, err)
	}
	return st, nil
}

// MemoryStateStore keeps states in process memory.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]model.DeploymentState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]model.DeploymentState)}
}

func (s *MemoryStateStore) Get(_ context.Context, customerID string) (*model.DeploymentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[customerID]
	if !ok {
		return nil, fmt.Errorf("deployment state for %s: %w", customerID, model.ErrNotFound)
	}
	return cloneState(st), nil
}

func (s *MemoryStateStore) Put(_ context.Context, state *model.DeploymentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.CustomerID] = *cloneState(*state)
	return nil
}

func (s *MemoryStateStore) List(_ context.Context) ([]model.DeploymentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DeploymentState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *cloneState(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out, nil
}

func (s *MemoryStateStore) Delete(_ context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, customerID)
	return nil
}

func cloneState(st model.DeploymentState) *model.DeploymentState {
	c := st
	c.RunningUnits = append([]string(nil), st.RunningUnits...)
	if st.FailedUnits != nil {
		c.FailedUnits = make(map[string]string, len(st.FailedUnits))
		for k, v := range st.FailedUnits {
			c.FailedUnits[k] = v
		}
	}
	if st.LastError != nil {
		e := *st.LastError
		c.LastError = &e
	}
	return &c
}

// DB is the subset of pgxpool.Pool the state store needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStateStore keeps states in the deployment_states table.
type PostgresStateStore struct {
	db DB
}

func NewPostgresStateStore(db DB) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

const stateColumns = `customer_id, status, running_units, failed_units, manifest_ref, last_error, updated_at`

func (s *PostgresStateStore) Get(ctx context.Context, customerID string) (*model.DeploymentState, error) {
	st, err := scanState(s.db.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM deployment_states WHERE customer_id = $1`, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("deployment state for %s: %w", customerID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment state %s: %w", customerID, err)
	}
	return st, nil
}

func (s *PostgresStateStore) Put(ctx context.Context, st *model.DeploymentState) error {
	failed := st.FailedUnits
	if failed == nil {
		failed = map[string]string{}
	}
	running := st.RunningUnits
	if running == nil {
		running = []string{}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO deployment_states (`+stateColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (customer_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   running_units = EXCLUDED.running_units,
		   failed_units = EXCLUDED.failed_units,
		   manifest_ref = EXCLUDED.manifest_ref,
		   last_error = EXCLUDED.last_error,
		   updated_at = EXCLUDED.updated_at`,
		st.CustomerID, st.Status, running, failed, st.ManifestRef, st.LastError, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put deployment state %s: %w", st.CustomerID, err)
	}
	return nil
}

func (s *PostgresStateStore) List(ctx context.Context) ([]model.DeploymentState, error) {
	rows, err := s.db.Query(ctx, `SELECT `+stateColumns+` FROM deployment_states ORDER BY customer_id`)
	if err != nil {
		return nil, fmt.Errorf("list deployment states: %w", err)
	}
	defer rows.Close()

	var states []model.DeploymentState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment state: %w", err)
		}
		states = append(states, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployment states: %w", err)
	}
	return states, nil
}

func (s *PostgresStateStore) Delete(ctx context.Context, customerID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM deployment_states WHERE customer_id = $1`, customerID); err != nil {
		return fmt.Errorf("delete deployment state %s: %w", customerID, err)
	}
	return nil
}

func scanState(row pgx.Row) (*model.DeploymentState, error) {
	var st model.DeploymentState
	err := row.Scan(&st.CustomerID, &st.Status, &st.RunningUnits, &st.FailedUnits,
		&st.ManifestRef, &st.LastError, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
