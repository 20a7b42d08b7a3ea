package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MikeMC777/checkout-settlement/internal/catalog"
	"github.com/MikeMC777/checkout-settlement/internal/events"
	"github.com/MikeMC777/checkout-settlement/internal/gateway"
	"github.com/MikeMC777/checkout-settlement/internal/order"
	"github.com/MikeMC777/checkout-settlement/internal/reconcile"
)

type Gateway interface {
	CreateIntent(ctx context.Context, amount decimal.Decimal, currency, receipt string) (gateway.Intent, error)
}

type Catalog interface {
	GetCurrentPrice(ctx context.Context, productRef string) (decimal.Decimal, error)
}

type UserValidator interface {
	ValidateUser(ctx context.Context, userRef string) (bool, error)
}

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

type LineInput struct {
	ProductRef string
	Quantity   int
	UnitPrice  decimal.Decimal
}

// IntentRequest carries an already priced cart.
type IntentRequest struct {
	IdempotencyKey string
	UserRef        string
	Items          []LineInput
	ShippingCost   decimal.Decimal
	Tax            decimal.Decimal
	Discount       decimal.Decimal
	Currency       string
	DeclaredTotal  decimal.Decimal
}

type IntentResult struct {
	Order        *order.Order
	ClientSecret string
	// Replayed is true when the idempotency key already had an order.
	Replayed bool
}

type IntentConfig struct {
	GatewayTimeout  time.Duration
	IdentityTimeout time.Duration
	WriteRetries   int
	WriteRetryBase time.Duration
}

type IntentDeps struct {
	Repo    order.Repository
	Gateway Gateway
	Queue   reconcile.Queue
	Catalog Catalog       // required by Checkout only
	Users   UserValidator // optional
	Events  events.Publisher
	Log     *slog.Logger
	Now     func() time.Time
}

type IntentService struct {
	repo    order.Repository
	gateway Gateway
	catalog Catalog
	users   UserValidator
	events  events.Publisher
	recon   reconciler
	log     *slog.Logger
	cfg     IntentConfig
	now     func() time.Time
	tracer  trace.Tracer
}

func NewIntentService(d IntentDeps, cfg IntentConfig) *IntentService {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.IdentityTimeout <= 0 {
		cfg.IdentityTimeout = 3 * time.Second
	}
	if cfg.WriteRetries < 1 {
		cfg.WriteRetries = 1
	}
	if cfg.WriteRetryBase <= 0 {
		cfg.WriteRetryBase = 200 * time.Millisecond
	}
	return &IntentService{
		repo:    d.Repo,
		gateway: d.Gateway,
		catalog: d.Catalog,
		users:   d.Users,
		events:  d.Events,
		recon:   reconciler{q: d.Queue, log: d.Log},
		log:     d.Log,
		cfg:     cfg,
		now:     d.Now,
		tracer:  otel.Tracer("github.com/MikeMC777/checkout-settlement/internal/payment"),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", order.ErrInvalidOrderRequest, fmt.Sprintf(format, args...))
}

func (r *IntentRequest) normalize() {
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
}

func (r IntentRequest) lineItems() ([]order.LineItem, error) {
	switch {
	case r.IdempotencyKey == "":
		return nil, invalid("idempotency key is required")
	case len(r.IdempotencyKey) > 255:
		return nil, invalid("idempotency key too long")
	case len(r.Items) == 0:
		return nil, invalid("at least one line item is required")
	case !currencyRe.MatchString(r.Currency):
		return nil, invalid("currency %q", r.Currency)
	}
	for name, m := range map[string]decimal.Decimal{
		"shipping_cost": r.ShippingCost, "tax": r.Tax, "discount": r.Discount, "declared_total": r.DeclaredTotal,
	} {
		if !order.ValidMoney(m) {
			return nil, invalid("%s %s", name, m)
		}
	}
	items := make([]order.LineItem, 0, len(r.Items))
	for i, in := range r.Items {
		if strings.TrimSpace(in.ProductRef) == "" {
			return nil, invalid("line %d: product ref is required", i)
		}
		if !order.ValidQuantity(in.Quantity) {
			return nil, invalid("line %d: quantity must be between 1 and %d", i, order.MaxQuantity)
		}
		if !order.ValidMoney(in.UnitPrice) {
			return nil, invalid("line %d: unit price %s", i, in.UnitPrice)
		}
		it := order.NewLineItem(i, in.ProductRef, in.Quantity, in.UnitPrice)
		if !order.ValidMoney(it.LineSubtotal) {
			return nil, invalid("line %d: line subtotal %s too large", i, it.LineSubtotal)
		}
		items = append(items, it)
	}
	return items, nil
}

// OpenIntent opens a gateway intent for the cart and records a pending
// order for it. Repeating a request with the same idempotency key returns
// the order created the first time.
func (s *IntentService) OpenIntent(ctx context.Context, req IntentRequest) (IntentResult, error) {
	ctx, span := s.tracer.Start(ctx, "payment.open_intent")
	defer span.End()

	res, err := s.openIntent(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return IntentResult{}, err
	}
	span.SetAttributes(
		attribute.String("order.id", res.Order.ID),
		attribute.Bool("intent.replayed", res.Replayed),
	)
	return res, nil
}

func (s *IntentService) openIntent(ctx context.Context, req IntentRequest) (IntentResult, error) {
	req.normalize()
	items, err := req.lineItems()
	if err != nil {
		return IntentResult{}, err
	}
	fp := Fingerprint(req)
	if res, ok, err := s.replay(ctx, req.IdempotencyKey, fp); err != nil || ok {
		return res, err
	}

	sub := order.Subtotal(items)
	total := order.Total(sub, req.Discount, req.ShippingCost, req.Tax)
	if total.IsNegative() {
		return IntentResult{}, invalid("discount exceeds order value")
	}
	if !order.ValidMoney(sub) || !order.ValidMoney(total) {
		return IntentResult{}, invalid("order total must be below %s", order.MaxMoney)
	}
	if !total.Equal(req.DeclaredTotal) {
		return IntentResult{}, invalid("declared total %s does not match computed total %s",
			req.DeclaredTotal.StringFixed(2), total.StringFixed(2))
	}

	now := s.now().UTC()
	o := &order.Order{
		ID:                 uuid.NewString(),
		UserRef:            req.UserRef,
		IdempotencyKey:     req.IdempotencyKey,
		RequestFingerprint: fp,
		Status:             order.StatusAwaitingPayment,
		Currency:           req.Currency,
		Subtotal:           sub,
		Discount:           req.Discount,
		ShippingCost:       req.ShippingCost,
		Tax:                req.Tax,
		Total:              total,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
		Items:              items,
	}
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
	}
	if err := o.CheckInvariants(); err != nil {
		return IntentResult{}, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	intent, err := s.gateway.CreateIntent(gctx, total, req.Currency, req.IdempotencyKey)
	cancel()
	if err != nil {
		s.log.WarnContext(ctx, "gateway_create_intent_error", "idempotency_key", req.IdempotencyKey, "error", err)
		if errors.Is(err, gateway.ErrRejected) {
			return IntentResult{}, fmt.Errorf("%w: %v", order.ErrInvalidOrderRequest, err)
		}
		return IntentResult{}, fmt.Errorf("%w: %v", order.ErrGatewayUnavailable, err)
	}
	o.GatewayIntentID = intent.ID
	o.GatewayClientSecret = intent.ClientSecret

	// The intent exists at the gateway now; finish even if the caller goes away.
	wctx := context.WithoutCancel(ctx)
	if err := s.persist(wctx, o); err != nil {
		return s.persistFailed(wctx, o, fp, err)
	}

	s.log.InfoContext(ctx, "intent_opened",
		"order_id", o.ID, "gateway_intent_id", o.GatewayIntentID, "total", o.Total.StringFixed(2), "currency", o.Currency)
	if err := s.events.Publish(ctx, order.EventFor(o)); err != nil {
		s.log.WarnContext(ctx, "publish_event_error", "order_id", o.ID, "error", err)
	}
	return IntentResult{Order: o, ClientSecret: intent.ClientSecret}, nil
}

func (s *IntentService) replay(ctx context.Context, key, fp string) (IntentResult, bool, error) {
	o, err := s.repo.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, order.ErrNotFound) {
		return IntentResult{}, false, nil
	}
	if err != nil {
		return IntentResult{}, false, err
	}
	if o.RequestFingerprint != fp {
		return IntentResult{}, false, invalid("idempotency key %q was used for a different checkout", key)
	}
	return IntentResult{Order: o, ClientSecret: o.GatewayClientSecret, Replayed: true}, true, nil
}

func (s *IntentService) persist(ctx context.Context, o *order.Order) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.WriteRetryBase
	b.MaxInterval = 5 * time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.repo.Create(ctx, o)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, order.ErrDuplicateIdempotencyKey),
			errors.Is(err, order.ErrDuplicateIntent),
			errors.Is(err, order.ErrInvalidOrderRequest):
			return struct{}{}, backoff.Permanent(err)
		}
		s.log.WarnContext(ctx, "order_write_retry", "order_id", o.ID, "attempt", attempt, "error", err)
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.cfg.WriteRetries)))
	return err
}

func (s *IntentService) persistFailed(ctx context.Context, o *order.Order, fp string, err error) (IntentResult, error) {
	entry := reconcile.Entry{
		OrderID:         o.ID,
		UserRef:         o.UserRef,
		IdempotencyKey:  o.IdempotencyKey,
		GatewayIntentID: o.GatewayIntentID,
		Amount:          o.Total.StringFixed(2),
		Currency:        o.Currency,
		Detail:          err.Error(),
	}
	if errors.Is(err, order.ErrDuplicateIdempotencyKey) {
		// a concurrent request with the same key committed first
		entry.Kind = reconcile.OrphanIntent
		s.recon.record(ctx, entry)
		res, ok, rerr := s.replay(ctx, o.IdempotencyKey, fp)
		if rerr != nil {
			return IntentResult{}, rerr
		}
		if ok {
			return res, nil
		}
		return IntentResult{}, fmt.Errorf("%w: idempotency key %q raced", order.ErrGatewayUnavailable, o.IdempotencyKey)
	}
	entry.Kind = reconcile.IntentWithoutOrder
	s.recon.record(ctx, entry)
	return IntentResult{}, fmt.Errorf("%w: order write deferred to reconciliation: %v", order.ErrGatewayUnavailable, err)
}

type CheckoutItem struct {
	ProductRef string
	Quantity   int
}

// CheckoutRequest is an unpriced cart as the storefront submits it.
type CheckoutRequest struct {
	IdempotencyKey string
	UserRef        string
	Items          []CheckoutItem
	ShippingCost   decimal.Decimal
	Tax            decimal.Decimal
	Discount       decimal.Decimal
	Currency       string
	DeclaredTotal  decimal.Decimal
}

// Checkout prices the cart from the catalog and opens the intent. A known
// idempotency key is answered from the stored order without repricing.
func (s *IntentService) Checkout(ctx context.Context, req CheckoutRequest) (IntentResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return IntentResult{}, invalid("idempotency key is required")
	}
	if len(req.Items) == 0 {
		return IntentResult{}, invalid("at least one line item is required")
	}
	for i, it := range req.Items {
		if !order.ValidQuantity(it.Quantity) {
			return IntentResult{}, invalid("line %d: quantity must be between 1 and %d", i, order.MaxQuantity)
		}
	}

	existing, err := s.repo.GetByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		if !sameCart(existing, req) {
			return IntentResult{}, invalid("idempotency key %q was used for a different checkout", key)
		}
		return IntentResult{Order: existing, ClientSecret: existing.GatewayClientSecret, Replayed: true}, nil
	case !errors.Is(err, order.ErrNotFound):
		return IntentResult{}, err
	}

	if s.users != nil {
		uctx, cancel := context.WithTimeout(ctx, s.cfg.IdentityTimeout)
		ok, err := s.users.ValidateUser(uctx, req.UserRef)
		cancel()
		if err != nil {
			s.log.WarnContext(ctx, "identity_validate_error", "user_ref", req.UserRef, "error", err)
			return IntentResult{}, fmt.Errorf("%w: identity: %v", order.ErrUpstreamUnavailable, err)
		}
		if !ok {
			return IntentResult{}, invalid("user %q is not allowed to check out", req.UserRef)
		}
	}

	priced := IntentRequest{
		IdempotencyKey: key,
		UserRef:        req.UserRef,
		Items:          make([]LineInput, 0, len(req.Items)),
		ShippingCost:   req.ShippingCost,
		Tax:            req.Tax,
		Discount:       req.Discount,
		Currency:       req.Currency,
		DeclaredTotal:  req.DeclaredTotal,
	}
	for _, it := range req.Items {
		price, err := s.catalog.GetCurrentPrice(ctx, it.ProductRef)
		if errors.Is(err, catalog.ErrProductNotFound) {
			return IntentResult{}, fmt.Errorf("%w: %v", order.ErrInvalidOrderRequest, err)
		}
		if err != nil {
			return IntentResult{}, fmt.Errorf("%w: catalog: %v", order.ErrUpstreamUnavailable, err)
		}
		priced.Items = append(priced.Items, LineInput{ProductRef: it.ProductRef, Quantity: it.Quantity, UnitPrice: price})
	}
	return s.OpenIntent(ctx, priced)
}

func sameCart(o *order.Order, req CheckoutRequest) bool {
	if o.UserRef != req.UserRef || len(o.Items) != len(req.Items) ||
		!strings.EqualFold(o.Currency, strings.TrimSpace(req.Currency)) || !o.Total.Equal(req.DeclaredTotal) {
		return false
	}
	for i, it := range req.Items {
		if o.Items[i].ProductRef != it.ProductRef || o.Items[i].Quantity != it.Quantity {
			return false
		}
	}
	return true
}

// reconciler records settlement cases and falls back to the error log when
// the queue itself is down.
type reconciler struct {
	q   reconcile.Queue
	log *slog.Logger
}

func (r reconciler) record(ctx context.Context, e reconcile.Entry) {
	if r.q != nil {
		err := r.q.Enqueue(ctx, e)
		if err == nil {
			r.log.WarnContext(ctx, "reconciliation_enqueued",
				"kind", e.Kind, "order_id", e.OrderID, "gateway_intent_id", e.GatewayIntentID)
			return
		}
		r.log.ErrorContext(ctx, "reconciliation_enqueue_error", "error", err)
	}
	r.log.ErrorContext(ctx, "CRITICAL: unrecorded settlement case",
		"kind", e.Kind,
		"order_id", e.OrderID,
		"user_ref", e.UserRef,
		"idempotency_key", e.IdempotencyKey,
		"gateway_intent_id", e.GatewayIntentID,
		"gateway_payment_id", e.GatewayPaymentID,
		"amount", e.Amount,
		"currency", e.Currency,
		"detail", e.Detail,
	)
}
