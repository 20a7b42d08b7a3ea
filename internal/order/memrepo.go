package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemRepo is an in-process Repository for local runs and tests.
type MemRepo struct {
	mu       sync.Mutex
	byID     map[string]*Order
	byKey    map[string]string
	byIntent map[string]string
}

func NewMemRepo() *MemRepo {
	return &MemRepo{
		byID:     map[string]*Order{},
		byKey:    map[string]string{},
		byIntent: map[string]string{},
	}
}

func (m *MemRepo) Create(ctx context.Context, o *Order) error {
	if err := o.CheckInvariants(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[o.IdempotencyKey]; ok {
		return ErrDuplicateIdempotencyKey
	}
	if _, ok := m.byIntent[o.GatewayIntentID]; ok {
		return ErrDuplicateIntent
	}
	c := o.Clone()
	for i := range c.Items {
		c.Items[i].OrderID = c.ID
	}
	m.byID[c.ID] = c
	m.byKey[c.IdempotencyKey] = c.ID
	m.byIntent[c.GatewayIntentID] = c.ID
	return nil
}

func (m *MemRepo) GetByID(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemRepo) GetByIntentID(ctx context.Context, intentID string) (*Order, error) {
	m.mu.Lock()
	id, ok := m.byIntent[intentID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MemRepo) GetByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	m.mu.Lock()
	id, ok := m.byKey[key]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MemRepo) UpdateState(ctx context.Context, o *Order, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: order %s expected version %d, have %d",
			ErrConcurrencyConflict, o.ID, expectedVersion, cur.Version)
	}
	// header only; items stay as created
	next := o.Clone()
	next.Items = cur.Items
	m.byID[o.ID] = next
	return nil
}

func (m *MemRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*Order
	for _, o := range m.byID {
		if o.Status == StatusAwaitingPayment && o.CreatedAt.Before(cutoff) {
			stale = append(stale, o)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit = StaleBatch(limit); len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, 0, len(stale))
	for _, o := range stale {
		ids = append(ids, o.ID)
	}
	return ids, nil
}
