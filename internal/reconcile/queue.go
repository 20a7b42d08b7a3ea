// Package reconcile holds settlement cases that need an operator or a
// follow-up job: money or intents that exist at the gateway without a
// matching, payable order.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Kind string

const (
	// IntentWithoutOrder: the gateway opened an intent but the order write never committed.
	IntentWithoutOrder Kind = "intent_without_order"
	// OrphanIntent: a concurrent request for the same idempotency key won; this intent is unused.
	OrphanIntent Kind = "orphan_intent"
	// PaymentWithoutOrder: a correctly signed payment names an intent no order carries.
	PaymentWithoutOrder Kind = "payment_without_order"
	// PaymentOnClosedOrder: a correctly signed payment arrived for a cancelled or failed order.
	PaymentOnClosedOrder Kind = "payment_on_closed_order"
	// DuplicatePayment: an already paid order received a second, different payment.
	DuplicatePayment Kind = "duplicate_payment"
)

var ErrEmpty = errors.New("reconciliation queue is empty")

type Entry struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	OrderID          string    `json:"order_id,omitempty"`
	UserRef          string    `json:"user_ref,omitempty"`
	IdempotencyKey   string    `json:"idempotency_key,omitempty"`
	GatewayIntentID  string    `json:"gateway_intent_id,omitempty"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	Amount           string    `json:"amount,omitempty"`
	Currency         string    `json:"currency,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type Queue interface {
	Enqueue(ctx context.Context, e Entry) error
	// List returns up to limit entries, oldest first, without removing them.
	List(ctx context.Context, limit int) ([]Entry, error)
	// Pop removes and returns the oldest entry, or ErrEmpty.
	Pop(ctx context.Context) (Entry, error)
}

func stamp(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}

// RedisQueue keeps entries in a redis list: LPUSH on enqueue, oldest at the tail.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

func NewRedisQueue(addr, key string) *RedisQueue {
	return &RedisQueue{rdb: redis.NewClient(&redis.Options{Addr: addr}), key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, e Entry) error {
	stamp(&e)
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.key, b).Err()
}

func (q *RedisQueue) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	// tail holds the oldest
	raw, err := q.rdb.LRange(ctx, q.key, int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e Entry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			return nil, fmt.Errorf("reconcile: decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *RedisQueue) Pop(ctx context.Context) (Entry, error) {
	raw, err := q.rdb.RPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrEmpty
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, fmt.Errorf("reconcile: decode entry: %w", err)
	}
	return e, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error { return q.rdb.Ping(ctx).Err() }

func (q *RedisQueue) Close() error { return q.rdb.Close() }

// MemQueue is a process-local Queue.
type MemQueue struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemQueue() *MemQueue { return &MemQueue{} }

func (q *MemQueue) Enqueue(_ context.Context, e Entry) error {
	stamp(&e)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	return nil
}

func (q *MemQueue) List(_ context.Context, limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]Entry(nil), q.entries[:n]...), nil
}

func (q *MemQueue) Pop(_ context.Context) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, ErrEmpty
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, nil
}
