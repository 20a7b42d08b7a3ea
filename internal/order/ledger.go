package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MikeMC777/checkout-settlement/internal/events"
)

// Ledger is the only writer of order status. Every change goes through
// Transition, which enforces the legality table and the version check.
type Ledger struct {
	repo   Repository
	events events.Publisher
	log    *slog.Logger
	window time.Duration
	now    func() time.Time
	tracer trace.Tracer
}

type Option func(*Ledger)

func WithEvents(p events.Publisher) Option { return func(l *Ledger) { l.events = p } }
func WithLogger(log *slog.Logger) Option   { return func(l *Ledger) { l.log = log } }
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithSettlementWindow sets how long an order may wait for payment before
// it is failed. Zero disables expiry.
func WithSettlementWindow(d time.Duration) Option { return func(l *Ledger) { l.window = d } }

func NewLedger(repo Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		events: events.Nop{},
		log:    slog.Default(),
		now:    time.Now,
		tracer: otel.Tracer("github.com/MikeMC777/checkout-settlement/internal/order"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Repo() Repository { return l.repo }

type TransitionResult struct {
	Order *Order
	From  Status
	// Changed is false when the order already had the target status.
	Changed bool
}

// Transition moves order id to target. A conflicting concurrent write is
// retried once against the reloaded row before ErrConcurrencyConflict is
// returned.
func (l *Ledger) Transition(ctx context.Context, id string, target Status, ev Evidence) (TransitionResult, error) {
	ctx, span := l.tracer.Start(ctx, "order.transition", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("order.target", string(target)),
	))
	defer span.End()

	if target == StatusPaid && (ev.GatewayPaymentID == "" || ev.Signature == "") {
		err := fmt.Errorf("%w: paid requires payment id and signature", ErrIllegalTransition)
		span.SetStatus(codes.Error, err.Error())
		return TransitionResult{}, err
	}

	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		var res TransitionResult
		res, err = l.try(ctx, id, target, ev)
		if err == nil {
			span.SetAttributes(
				attribute.String("order.from", string(res.From)),
				attribute.Bool("order.changed", res.Changed),
			)
			if res.Changed {
				l.log.InfoContext(ctx, "order_transition",
					"order_id", id, "from", res.From, "to", target, "version", res.Order.Version)
				l.publish(ctx, res.Order)
			}
			return res, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			break
		}
		l.log.InfoContext(ctx, "order_transition_conflict", "order_id", id, "to", target, "attempt", attempt)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return TransitionResult{}, err
}

func (l *Ledger) try(ctx context.Context, id string, target Status, ev Evidence) (TransitionResult, error) {
	cur, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	if cur.Status == target {
		if target == StatusPaid && cur.GatewayPaymentID != ev.GatewayPaymentID {
			return TransitionResult{}, fmt.Errorf("%w: order %s already paid by %s",
				ErrOrderNotPayable, id, cur.GatewayPaymentID)
		}
		return TransitionResult{Order: cur, From: cur.Status}, nil
	}
	if !CanTransition(cur.Status, target) {
		if target == StatusPaid {
			return TransitionResult{}, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, id, cur.Status)
		}
		return TransitionResult{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.Status, target)
	}

	next := cur.next(target, ev, l.now().UTC())
	if err := l.repo.UpdateState(ctx, next, cur.Version); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Order: next, From: cur.Status, Changed: true}, nil
}

// Get loads an order. An order still awaiting payment past the settlement
// window is failed first, so readers never see it pending forever.
func (l *Ledger) Get(ctx context.Context, id string) (*Order, error) {
	o, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.stale(o) {
		return o, nil
	}
	res, err := l.Transition(ctx, id, StatusPaymentFailed, Evidence{Reason: ReasonWindowElapsed})
	switch {
	case err == nil:
		return res.Order, nil
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrConcurrencyConflict):
		// settled by someone else in the meantime
		return l.repo.GetByID(ctx, id)
	default:
		return nil, err
	}
}

func (l *Ledger) Cancel(ctx context.Context, id, reason string) (*Order, error) {
	if reason == "" {
		reason = "cancelled by customer"
	}
	res, err := l.Transition(ctx, id, StatusCancelled, Evidence{Reason: reason})
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

// ExpireStale fails up to limit orders whose settlement window has elapsed
// and returns how many it changed. limit is clamped with StaleBatch.
func (l *Ledger) ExpireStale(ctx context.Context, limit int) (int, error) {
	if l.window <= 0 {
		return 0, nil
	}
	ids, err := l.repo.ListStale(ctx, l.now().Add(-l.window), StaleBatch(limit))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		res, err := l.Transition(ctx, id, StatusPaymentFailed, Evidence{Reason: ReasonWindowElapsed})
		switch {
		case err == nil:
			if res.Changed {
				n++
			}
		case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrConcurrencyConflict):
			l.log.InfoContext(ctx, "expire_skipped", "order_id", id, "error", err)
		default:
			return n, err
		}
	}
	return n, nil
}

func (l *Ledger) stale(o *Order) bool {
	return l.window > 0 && o.Status == StatusAwaitingPayment && l.now().Sub(o.CreatedAt) > l.window
}

func (l *Ledger) publish(ctx context.Context, o *Order) {
	if err := l.events.Publish(ctx, EventFor(o)); err != nil {
		l.log.WarnContext(ctx, "publish_event_error", "order_id", o.ID, "status", o.Status, "error", err)
	}
}

// EventFor describes the current state of o as a lifecycle event.
func EventFor(o *Order) events.Event {
	var t events.Type
	switch o.Status {
	case StatusPaid:
		t = events.OrderPaid
	case StatusPaymentFailed:
		t = events.OrderPaymentFailed
	case StatusCancelled:
		t = events.OrderCancelled
	default:
		t = events.OrderAwaitingPayment
	}
	return events.Event{
		Type:            t,
		OrderID:         o.ID,
		UserRef:         o.UserRef,
		Status:          string(o.Status),
		Version:         o.Version,
		Currency:        o.Currency,
		Total:           o.Total.StringFixed(2),
		GatewayIntentID: o.GatewayIntentID,
		Reason:          o.FailureReason,
		OccurredAt:      o.UpdatedAt,
	}
}
