package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeMC777/checkout-settlement/internal/events"
)

func seedOrder(t *testing.T, repo Repository, createdAt time.Time) *Order {
	t.Helper()
	items := []LineItem{NewLineItem(0, "A", 2, decimal.NewFromInt(149))}
	sub := Subtotal(items)
	o := &Order{
		ID:              uuid.NewString(),
		UserRef:         "user-1",
		IdempotencyKey:  uuid.NewString(),
		Status:          StatusAwaitingPayment,
		Currency:        "INR",
		Subtotal:        sub,
		Total:           Total(sub, decimal.Zero, decimal.Zero, decimal.Zero),
		GatewayIntentID: "order_" + uuid.NewString(),
		Version:         1,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
		Items:           items,
	}
	require.NoError(t, repo.Create(context.Background(), o))
	return o
}

var paidEvidence = Evidence{GatewayPaymentID: "pay_123", Signature: "sig"}

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func TestTransition_PaidSetsEvidence(t *testing.T) {
	t.Parallel()
	repo := NewMemRepo()
	rec := &recorder{}
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l := NewLedger(repo, WithEvents(rec), WithClock(func() time.Time { return at }))
	o := seedOrder(t, repo, at.Add(-time.Minute))

	res, err := l.Transition(context.Background(), o.ID, StatusPaid, paidEvidence)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, StatusAwaitingPayment, res.From)

	got, err := repo.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	assert.Equal(t, "pay_123", got.GatewayPaymentID)
	assert.Equal(t, "sig", got.GatewaySignature)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.PaidAt)
	assert.True(t, got.PaidAt.Equal(at))
	assert.Nil(t, got.CancelledAt)
	require.Len(t, rec.got, 1)
	assert.Equal(t, events.OrderPaid, rec.got[0].Type)
}

func TestTransition_DuplicatePaidIsNoop(t *testing.T) {
	t.Parallel()
	repo := NewMemRepo()
	rec := &recorder{}
	l := NewLedger(repo, WithEvents(rec))
	o := seedOrder(t, repo, time.Now())

	_, err := l.Transition(context.Background(), o.ID, StatusPaid, paidEvidence)
	require.NoError(t, err)
	first, _ := repo.GetByID(context.Background(), o.ID)

	res, err := l.Transition(context.Background(), o.ID, StatusPaid, paidEvidence)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	second, _ := repo.GetByID(context.Background(), o.ID)
	assert.Equal(t, first, second)
	assert.Len(t, rec.got, 1)
}

func TestTransition_PaidWithOtherPaymentID(t *testing.T) {
	t.Parallel()
	repo := NewMemRepo()
	l := NewLedger(repo)
	o := seedOrder(t, repo, time.Now())

	_, err := l.Transition(context.Background(), o.ID, StatusPaid, paidEvidence)
	require.NoError(t, err)

	_, err = l.Transition(context.Background(), o.ID, StatusPaid, Evidence{GatewayPaymentID: "pay_999", Signature: "x"})
	assert.ErrorIs(t, err, ErrOrderNotPayable)
}

func TestTransition_PaidRequiresEvidence(t *testing.T) {
	t.Parallel()
	repo := NewMemRepo()
	l := NewLedger(repo)
	o := seedOrder(t, repo, time.Now())

	_, err := l.Transition(context.Background(), o.ID, StatusPaid, Evidence{GatewayPaymentID: "pay_1"})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, _ := repo.GetByID(context.Background(), o.ID)
	assert.Equal(t, StatusAwaitingPayment, got.Status)
}

func TestTransition_TerminalImmutability(t *testing.T) {
	t.Parallel()
	terminals := []struct {
		status Status
		ev     Evidence
	}{
		{StatusPaid, paidEvidence},
		{StatusPaymentFailed, Evidence{Reason: "declined"}},
		{StatusCancelled, Evidence{Reason: "changed mind"}},
	}
	targets := []Status{StatusCreated, StatusAwaitingPayment, StatusPaid, StatusPaymentFailed, StatusCancelled}

	for _, term := range terminals {
		for _, target := range targets {
			term, target := term, target
			t.Run(string(term.status)+"->"+string(target), func(t *testing.T) {
				t.Parallel()
				repo := NewMemRepo()
				l := NewLedger(repo)
				o := seedOrder(t, repo, time.Now())
				_, err := l.Transition(context.Background(), o.ID, term.status, term.ev)
				require.NoError(t, err)
				before, _ := repo.GetByID(context.Background(), o.ID)

				ev := Evidence{GatewayPaymentID: "pay_other", Signature: "s", Reason: "again"}
				if target == term.status {
					ev = term.ev
				}
				res, err := l.Transition(context.Background(), o.ID, target, ev)
				after, _ := repo.GetByID(context.Background(), o.ID)
				assert.Equal(t, before, after)

				if target == term.status {
					require.NoError(t, err)
					assert.False(t, res.Changed)
					return
				}
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrOrderNotPayable), "err=%v", err)
				if target == StatusPaid {
					assert.ErrorIs(t, err, ErrOrderNotPayable)
				}
			})
		}
	}
}

func TestTransition_CancelledCannotBePaid(t *testing.T) {
	t.Parallel()
	repo := NewMemRepo()
	l := NewLedger(repo)
	o := seedOrder(t, repo, time.Now())

	_, err := l.Cancel(context.Background(), o.ID, "")
	require.NoError(t, err)

	_, err = l.Transition(context.Background(), o.ID, StatusPaid, paidEvidence)
	assert.ErrorIs(t, err, ErrOrderNotPayable)
}

func TestTransition_ConcurrentPaidSettlesOnce(t *testing.T) {
	t.Parallel()
	for round := 0; round < 50; round++ {
		repo := NewMemRepo()
		rec := &recorder{}
		l := NewLedger(repo, WithEvents(rec))
		o := seedOrder(t, repo, time.Now())

		var (
			wg      sync.WaitGroup
			start   = make(chan struct{})
			errs    = make([]error, 2)
			changed = make([]bool, 2)
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				res, err := l.Transition(context.Background(), o.ID, StatusPaid, paidEvidence)
				errs[i], changed[i] = err, res.Changed
			}(i)
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.True(t, changed[0] != changed[1], "exactly one call must apply the change")

		got, err := repo.GetByID(context.Background(), o.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPaid, got.Status)
		assert.Equal(t, o.Version+1, got.Version)
		assert.Len(t, rec.got, 1)
	}
}

func TestTransition_PaidRacingCancelResolvesToOne(t *testing.T) {
	t.Parallel()
	for round := 0; round < 50; round++ {
		repo := NewMemRepo()
		l := NewLedger(repo)
		o := seedOrder(t, repo, time.Now())

		var wg sync.WaitGroup
		var payErr, cancelErr error
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, payErr = l.Transition(context.Background(), o.ID, StatusPaid, paidEvidence)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = l.Cancel(context.Background(), o.ID, "user")
		}()
		close(start)
		wg.Wait()

		got, _ := repo.GetByID(context.Background(), o.ID)
		assert.Equal(t, o.Version+1, got.Version)
		switch got.Status {
		case StatusPaid:
			assert.NoError(t, payErr)
			assert.ErrorIs(t, cancelErr, ErrIllegalTransition)
		case StatusCancelled:
			assert.NoError(t, cancelErr)
			assert.ErrorIs(t, payErr, ErrOrderNotPayable)
		default:
			t.Fatalf("unexpected status %s", got.Status)
		}
	}
}

// conflictRepo fails the first n UpdateState calls with a version conflict.
type conflictRepo struct {
	*MemRepo
	mu sync.Mutex
	n  int
}

func (c *conflictRepo) UpdateState(ctx context.Context, o *Order, v int64) error {
	c.mu.Lock()
	if c.n > 0 {
		c.n--
		c.mu.Unlock()
		return ErrConcurrencyConflict
	}
	c.mu.Unlock()
	return c.MemRepo.UpdateState(ctx, o, v)
}

func TestTransition_ConflictRetriedOnce(t *testing.T) {
	t.Parallel()
	repo := &conflictRepo{MemRepo: NewMemRepo(), n: 1}
	l := NewLedger(repo)
	o := seedOrder(t, repo, time.Now())

	res, err := l.Transition(context.Background(), o.ID, StatusPaid, paidEvidence)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	repo2 := &conflictRepo{MemRepo: NewMemRepo(), n: 2}
	l2 := NewLedger(repo2)
	o2 := seedOrder(t, repo2, time.Now())
	_, err = l2.Transition(context.Background(), o2.ID, StatusPaid, paidEvidence)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestTransition_NotFound(t *testing.T) {
	t.Parallel()
	l := NewLedger(NewMemRepo())
	_, err := l.Transition(context.Background(), uuid.NewString(), StatusCancelled, Evidence{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireStale(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMemRepo()
	l := NewLedger(repo, WithSettlementWindow(30*time.Minute), WithClock(func() time.Time { return now }))

	stale := seedOrder(t, repo, now.Add(-time.Hour))
	fresh := seedOrder(t, repo, now.Add(-time.Minute))
	paid := seedOrder(t, repo, now.Add(-2*time.Hour))
	_, err := l.Transition(context.Background(), paid.ID, StatusPaid, paidEvidence)
	require.NoError(t, err)

	n, err := l.ExpireStale(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := repo.GetByID(context.Background(), stale.ID)
	assert.Equal(t, StatusPaymentFailed, got.Status)
	assert.Equal(t, ReasonWindowElapsed, got.FailureReason)
	require.NotNil(t, got.FailedAt)

	got, _ = repo.GetByID(context.Background(), fresh.ID)
	assert.Equal(t, StatusAwaitingPayment, got.Status)
	got, _ = repo.GetByID(context.Background(), paid.ID)
	assert.Equal(t, StatusPaid, got.Status)

	// late payment loses to the expiry
	_, err = l.Transition(context.Background(), stale.ID, StatusPaid, paidEvidence)
	assert.ErrorIs(t, err, ErrOrderNotPayable)
}

func TestGet_ExpiresOnRead(t *testing.T) {
	t.Parallel()
	now := time.Now()
	repo := NewMemRepo()
	l := NewLedger(repo, WithSettlementWindow(time.Minute), WithClock(func() time.Time { return now }))
	o := seedOrder(t, repo, now.Add(-5*time.Minute))

	got, err := l.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentFailed, got.Status)

	l2 := NewLedger(repo)
	o2 := seedOrder(t, repo, now.Add(-5*time.Minute))
	got, err = l2.Get(context.Background(), o2.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingPayment, got.Status)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	repo := NewMemRepo()
	now := time.Now()
	l := NewLedger(repo, WithSettlementWindow(time.Second))
	o := seedOrder(t, repo, now.Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSweeper(l, 5*time.Millisecond, 10).Run(ctx) }()

	require.Eventually(t, func() bool {
		got, _ := repo.GetByID(context.Background(), o.ID)
		return got.Status == StatusPaymentFailed
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
