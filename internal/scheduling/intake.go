package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rowQuerier is the narrow Exec/QueryRow surface ProcessedOrderStore needs,
// letting tests substitute a pgxmock connection for the pool.
type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedOrderStore records order ids that have already been accepted by
// intake, grounded on the teacher's events.ProcessedStore
// (AlreadyProcessed/MarkProcessed) used for inbound webhook de-duplication.
type ProcessedOrderStore struct {
	db rowQuerier
}

// NewProcessedOrderStore builds a Postgres-backed ProcessedOrderStore.
func NewProcessedOrderStore(db *pgxpool.Pool) *ProcessedOrderStore {
	if db == nil {
		panic("scheduling: pgx pool required")
	}
	return &ProcessedOrderStore{db: db}
}

// newProcessedOrderStoreWithConn builds a ProcessedOrderStore over any
// rowQuerier, used by tests to wire in a pgxmock connection.
func newProcessedOrderStoreWithConn(db rowQuerier) *ProcessedOrderStore {
	if db == nil {
		panic("scheduling: connection required")
	}
	return &ProcessedOrderStore{db: db}
}

// AlreadyProcessed reports whether orderID has already been accepted.
func (s *ProcessedOrderStore) AlreadyProcessed(ctx context.Context, orderID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM processed_order_events WHERE order_id = $1`, orderID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scheduling: check processed order: %w", err)
	}
	return true, nil
}

// MarkProcessed records orderID as accepted. Returns false if it was already
// recorded (a benign race, not an error).
func (s *ProcessedOrderStore) MarkProcessed(ctx context.Context, orderID string) (bool, error) {
	ct, err := s.db.Exec(ctx, `
		INSERT INTO processed_order_events (order_id, processed_at)
		VALUES ($1, now())
		ON CONFLICT DO NOTHING
	`, orderID)
	if err != nil {
		return false, fmt.Errorf("scheduling: mark processed order: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Intake wraps the Engine with order-id idempotency: receiving the same
// order webhook twice never creates two sessions or enqueues the same
// order twice.
type Intake struct {
	engine    *Engine
	processed *ProcessedOrderStore
}

// NewIntake builds an Intake over an Engine and its idempotency store.
func NewIntake(engine *Engine, processed *ProcessedOrderStore) *Intake {
	return &Intake{engine: engine, processed: processed}
}

// Accept handles one inbound order webhook delivery. A duplicate order_id
// is a silent no-op, not an error — callers should still ack the webhook.
func (i *Intake) Accept(ctx context.Context, order Order) error {
	if order.OrderID == "" {
		return errors.New("scheduling: intake: order id required")
	}

	marked, err := i.processed.MarkProcessed(ctx, order.OrderID)
	if err != nil {
		return fmt.Errorf("scheduling: intake: mark processed: %w", err)
	}
	if !marked {
		return nil
	}

	return i.engine.Start(ctx, order)
}
