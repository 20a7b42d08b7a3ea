package order

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists orders. Create writes the header, every line item and
// the idempotency key atomically; UpdateState is a compare-and-swap on version.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByIntentID(ctx context.Context, intentID string) (*Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	UpdateState(ctx context.Context, o *Order, expectedVersion int64) error
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

const (
	defaultStaleBatch = 100
	// MaxStaleBatch caps one ListStale call.
	MaxStaleBatch = 1000
)

// StaleBatch clamps a requested expiry batch size to (0, MaxStaleBatch].
func StaleBatch(n int) int {
	switch {
	case n <= 0:
		return defaultStaleBatch
	case n > MaxStaleBatch:
		return MaxStaleBatch
	}
	return n
}

type PGRepo struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewPGRepo(db *pgxpool.Pool, timeout time.Duration) *PGRepo {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PGRepo{db: db, timeout: timeout}
}

// NewPool opens a pgx pool and waits briefly for the database to answer.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	for i := 0; i < 10; i++ {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = pool.Ping(pctx)
		cancel()
		if err == nil {
			return pool, nil
		}
		slog.Info("waiting for database", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	pool.Close()
	return nil, fmt.Errorf("database not reachable: %w", err)
}

func (r *PGRepo) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := r.db.Exec(ctx, schema)
	return err
}

func (r *PGRepo) Create(ctx context.Context, o *Order) error {
	if err := o.CheckInvariants(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
    INSERT INTO orders (id, user_ref, idempotency_key, request_fingerprint, status, currency,
      subtotal, discount, shipping_cost, tax, total,
      gateway_intent_id, gateway_client_secret, version, created_at, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
  `, o.ID, o.UserRef, o.IdempotencyKey, o.RequestFingerprint, string(o.Status), o.Currency,
		money(o.Subtotal), money(o.Discount), money(o.ShippingCost), money(o.Tax), money(o.Total),
		o.GatewayIntentID, o.GatewayClientSecret, o.Version, o.CreatedAt); err != nil {
		return mapUnique(err)
	}

	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, `
      INSERT INTO order_line_items (order_id, line_ordinal, product_ref, quantity, unit_price, line_subtotal)
      VALUES ($1,$2,$3,$4,$5,$6)
    `, o.ID, it.Ordinal, it.ProductRef, it.Quantity, money(it.UnitPrice), money(it.LineSubtotal)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const orderColumns = `id, user_ref, idempotency_key, request_fingerprint, status, currency,
  subtotal::text, discount::text, shipping_cost::text, tax::text, total::text,
  gateway_intent_id, gateway_client_secret,
  COALESCE(gateway_payment_id, ''), COALESCE(gateway_signature, ''), COALESCE(failure_reason, ''),
  version, created_at, updated_at, paid_at, failed_at, cancelled_at`

func (r *PGRepo) GetByID(ctx context.Context, id string) (*Order, error) {
	// ids are UUIDs; anything else cannot exist
	if uuid.Validate(id) != nil {
		return nil, ErrNotFound
	}
	return r.getWhere(ctx, "id = $1", id)
}

func (r *PGRepo) GetByIntentID(ctx context.Context, intentID string) (*Order, error) {
	return r.getWhere(ctx, "gateway_intent_id = $1", intentID)
}

func (r *PGRepo) GetByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	return r.getWhere(ctx, "idempotency_key = $1", key)
}

func (r *PGRepo) getWhere(ctx context.Context, cond string, arg any) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		o      Order
		status string
		amt    [5]string
	)
	err := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+cond, arg).Scan(
		&o.ID, &o.UserRef, &o.IdempotencyKey, &o.RequestFingerprint, &status, &o.Currency,
		&amt[0], &amt[1], &amt[2], &amt[3], &amt[4],
		&o.GatewayIntentID, &o.GatewayClientSecret,
		&o.GatewayPaymentID, &o.GatewaySignature, &o.FailureReason,
		&o.Version, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.FailedAt, &o.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	dst := []*decimal.Decimal{&o.Subtotal, &o.Discount, &o.ShippingCost, &o.Tax, &o.Total}
	for i, s := range amt {
		if *dst[i], err = decimal.NewFromString(s); err != nil {
			return nil, fmt.Errorf("order %s: bad amount %q: %w", o.ID, s, err)
		}
	}

	rows, err := r.db.Query(ctx, `
    SELECT order_id, line_ordinal, product_ref, quantity, unit_price::text, line_subtotal::text
    FROM order_line_items WHERE order_id = $1 ORDER BY line_ordinal
  `, o.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it           LineItem
			price, lsubt string
		)
		if err := rows.Scan(&it.OrderID, &it.Ordinal, &it.ProductRef, &it.Quantity, &price, &lsubt); err != nil {
			return nil, err
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if it.LineSubtotal, err = decimal.NewFromString(lsubt); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

func (r *PGRepo) UpdateState(ctx context.Context, o *Order, expectedVersion int64) error {
	if uuid.Validate(o.ID) != nil {
		return ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, `
    UPDATE orders
    SET status = $3, gateway_payment_id = $4, gateway_signature = $5, failure_reason = $6,
        paid_at = $7, failed_at = $8, cancelled_at = $9, version = $10, updated_at = $11
    WHERE id = $1 AND version = $2
  `, o.ID, expectedVersion, string(o.Status), nullable(o.GatewayPaymentID), nullable(o.GatewaySignature),
		nullable(o.FailureReason), o.PaidAt, o.FailedAt, o.CancelledAt, o.Version, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: order %s expected version %d", ErrConcurrencyConflict, o.ID, expectedVersion)
}

func (r *PGRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	limit = StaleBatch(limit)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx, `
    SELECT id FROM orders
    WHERE status = 'awaiting_payment' AND created_at < $1
    ORDER BY created_at LIMIT $2
  `, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func mapUnique(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case "orders_idempotency_key_uq":
		return ErrDuplicateIdempotencyKey
	case "orders_gateway_intent_id_uq":
		return ErrDuplicateIntent
	}
	return err
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
