package order

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusCreated         Status = "created"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaid            Status = "paid"
	StatusPaymentFailed   Status = "payment_failed"
	StatusCancelled       Status = "cancelled"
)

// transitions is the complete legality table. Anything not listed is illegal.
var transitions = map[Status][]Status{
	StatusCreated:         {StatusAwaitingPayment},
	StatusAwaitingPayment: {StatusPaid, StatusPaymentFailed, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusPaymentFailed || s == StatusCancelled
}

const ReasonWindowElapsed = "settlement window elapsed"

type Order struct {
	ID                 string `json:"id"`
	UserRef            string `json:"user_ref"`
	IdempotencyKey     string `json:"idempotency_key"`
	RequestFingerprint string `json:"-"`
	Status             Status `json:"status"`

	// Money is NUMERIC(14,2) in Postgres.
	Currency     string          `json:"currency"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Discount     decimal.Decimal `json:"discount"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	Tax          decimal.Decimal `json:"tax"`
	Total        decimal.Decimal `json:"total"`

	GatewayIntentID     string `json:"gateway_intent_id"`
	GatewayClientSecret string `json:"-"`
	GatewayPaymentID    string `json:"gateway_payment_id,omitempty"`
	GatewaySignature    string `json:"-"`
	FailureReason       string `json:"failure_reason,omitempty"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Items []LineItem `json:"items"`
}

// LineItem is a price snapshot taken when the intent was opened.
type LineItem struct {
	OrderID      string          `json:"order_id"`
	Ordinal      int             `json:"line_ordinal"`
	ProductRef   string          `json:"product_ref"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LineSubtotal decimal.Decimal `json:"line_subtotal"`
}

func NewLineItem(ordinal int, productRef string, qty int, unitPrice decimal.Decimal) LineItem {
	return LineItem{
		Ordinal:      ordinal,
		ProductRef:   productRef,
		Quantity:     qty,
		UnitPrice:    unitPrice,
		LineSubtotal: unitPrice.Mul(decimal.NewFromInt(int64(qty))),
	}
}

func Subtotal(items []LineItem) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.LineSubtotal)
	}
	return sum
}

func Total(subtotal, discount, shipping, tax decimal.Decimal) decimal.Decimal {
	return subtotal.Sub(discount).Add(shipping).Add(tax)
}

// Money columns are NUMERIC(14,2) and quantities INT.
var MaxMoney = decimal.New(1, 12)

const MaxQuantity = math.MaxInt32

// ValidMoney reports whether d is non-negative, below MaxMoney and has at
// most two fractional digits.
func ValidMoney(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThan(MaxMoney) && d.Equal(d.Round(2))
}

func ValidQuantity(q int) bool { return q > 0 && q <= MaxQuantity }

// CheckInvariants verifies the money arithmetic of o and its items.
func (o *Order) CheckInvariants() error {
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: order %s has no line items", ErrInvalidOrderRequest, o.ID)
	}
	for _, it := range o.Items {
		if !ValidQuantity(it.Quantity) {
			return fmt.Errorf("%w: line %d quantity %d", ErrInvalidOrderRequest, it.Ordinal, it.Quantity)
		}
		if !ValidMoney(it.UnitPrice) {
			return fmt.Errorf("%w: line %d unit price %s", ErrInvalidOrderRequest, it.Ordinal, it.UnitPrice)
		}
		if !ValidMoney(it.LineSubtotal) {
			return fmt.Errorf("%w: line %d subtotal %s", ErrInvalidOrderRequest, it.Ordinal, it.LineSubtotal)
		}
		if !it.LineSubtotal.Equal(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))) {
			return fmt.Errorf("%w: line %d subtotal %s != %s x %d", ErrInvalidOrderRequest,
				it.Ordinal, it.LineSubtotal, it.UnitPrice, it.Quantity)
		}
	}
	if sum := Subtotal(o.Items); !sum.Equal(o.Subtotal) {
		return fmt.Errorf("%w: subtotal %s != sum of lines %s", ErrInvalidOrderRequest, o.Subtotal, sum)
	}
	for _, m := range []decimal.Decimal{o.Subtotal, o.Discount, o.ShippingCost, o.Tax, o.Total} {
		if !ValidMoney(m) {
			return fmt.Errorf("%w: amount %s", ErrInvalidOrderRequest, m)
		}
	}
	if want := Total(o.Subtotal, o.Discount, o.ShippingCost, o.Tax); !want.Equal(o.Total) {
		return fmt.Errorf("%w: total %s != %s", ErrInvalidOrderRequest, o.Total, want)
	}
	return nil
}

func (o *Order) OwnedBy(userRef string) bool {
	return userRef != "" && o.UserRef == userRef
}

func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	c.PaidAt = cloneTime(o.PaidAt)
	c.FailedAt = cloneTime(o.FailedAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

// next returns the row o becomes after moving to target.
func (o *Order) next(target Status, ev Evidence, at time.Time) *Order {
	n := o.Clone()
	n.Status = target
	n.Version = o.Version + 1
	n.UpdatedAt = at
	switch target {
	case StatusPaid:
		n.GatewayPaymentID = ev.GatewayPaymentID
		n.GatewaySignature = ev.Signature
		n.PaidAt = &at
	case StatusPaymentFailed:
		n.FailureReason = ev.Reason
		n.FailedAt = &at
	case StatusCancelled:
		n.FailureReason = ev.Reason
		n.CancelledAt = &at
	}
	return n
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Evidence accompanies a transition request.
type Evidence struct {
	GatewayPaymentID string
	Signature        string
	Reason           string
}
