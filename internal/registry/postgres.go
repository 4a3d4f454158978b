package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/0711-os/orchestrator/internal/model"
)

// advisoryLockKey scopes pg_advisory_xact_lock to the allocation table.
const advisoryLockKey int64 = 0x0711_0001

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps allocations in the resource_allocations table. The
// scan-and-reserve step runs in one transaction under a transaction-scoped
// advisory lock, so concurrent allocators in any process are serialized.
type PostgresStore struct {
	db   DB
	opts Options
	now  func() time.Time
}

func NewPostgresStore(db DB, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.withDefaults(), now: time.Now}
}

func (s *PostgresStore) Allocate(ctx context.Context, customerID string) (model.ResourceAllocation, error) {
	if err := validateCustomerID(customerID); err != nil {
		return model.ResourceAllocation{}, err
	}

	alloc, err := s.allocate(ctx, customerID)
	if err != nil {
		allocationsTotal.WithLabelValues(resultError).Inc()
		return model.ResourceAllocation{}, fmt.Errorf("allocate ports for %s: %w", customerID, err)
	}
	return alloc, nil
}

func (s *PostgresStore) allocate(ctx context.Context, customerID string) (model.ResourceAllocation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return model.ResourceAllocation{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return model.ResourceAllocation{}, fmt.Errorf("acquire registry lock: %w", err)
	}

	existing, err := scanAllocation(tx.QueryRow(ctx,
		`SELECT customer_id, base_port, block_width, created_at
		 FROM resource_allocations WHERE customer_id = $1`, customerID))
	if err == nil {
		allocationsTotal.WithLabelValues(resultExisting).Inc()
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.ResourceAllocation{}, fmt.Errorf("lookup: %w", err)
	}

	rows, err := tx.Query(ctx, "SELECT base_port, block_width FROM resource_allocations ORDER BY base_port")
	if err != nil {
		return model.ResourceAllocation{}, fmt.Errorf("scan blocks: %w", err)
	}
	var taken []span
	for rows.Next() {
		var sp span
		if err := rows.Scan(&sp.base, &sp.width); err != nil {
			rows.Close()
			return model.ResourceAllocation{}, fmt.Errorf("scan block: %w", err)
		}
		taken = append(taken, sp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.ResourceAllocation{}, fmt.Errorf("iterate blocks: %w", err)
	}

	base, err := firstFreeBase(taken, s.opts.Floor, s.opts.BlockWidth)
	if err != nil {
		return model.ResourceAllocation{}, err
	}

	alloc := model.ResourceAllocation{
		CustomerID: customerID,
		BasePort:   base,
		BlockWidth: s.opts.BlockWidth,
		CreatedAt:  s.now().UTC(),
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO resource_allocations (customer_id, base_port, block_width, created_at)
		 VALUES ($1, $2, $3, $4)`,
		alloc.CustomerID, alloc.BasePort, alloc.BlockWidth, alloc.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ResourceAllocation{}, fmt.Errorf("%w: %v", model.ErrAllocationConflict, err)
		}
		return model.ResourceAllocation{}, fmt.Errorf("insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return model.ResourceAllocation{}, fmt.Errorf("%w: %v", model.ErrAllocationConflict, err)
		}
		return model.ResourceAllocation{}, fmt.Errorf("commit: %w", err)
	}
	allocationsTotal.WithLabelValues(resultCreated).Inc()
	return alloc, nil
}

func (s *PostgresStore) Get(ctx context.Context, customerID string) (model.ResourceAllocation, error) {
	alloc, err := scanAllocation(s.db.QueryRow(ctx,
		`SELECT customer_id, base_port, block_width, created_at
		 FROM resource_allocations WHERE customer_id = $1`, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ResourceAllocation{}, notFound(customerID)
	}
	if err != nil {
		return model.ResourceAllocation{}, fmt.Errorf("get allocation %s: %w", customerID, err)
	}
	return alloc, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]model.ResourceAllocation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT customer_id, base_port, block_width, created_at
		 FROM resource_allocations ORDER BY base_port`)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	var allocs []model.ResourceAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		allocs = append(allocs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return allocs, nil
}

func (s *PostgresStore) Release(ctx context.Context, customerID string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM resource_allocations WHERE customer_id = $1", customerID)
	if err != nil {
		return fmt.Errorf("release allocation %s: %w", customerID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(customerID)
	}
	return nil
}

func scanAllocation(row pgx.Row) (model.ResourceAllocation, error) {
	var a model.ResourceAllocation
	err := row.Scan(&a.CustomerID, &a.BasePort, &a.BlockWidth, &a.CreatedAt)
	return a, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
