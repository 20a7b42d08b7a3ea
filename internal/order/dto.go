package order

import "time"

// LineItemView is one purchased line as shown to the owner.
// swagger:model LineItemView
type LineItemView struct {
	LineOrdinal  int    `json:"line_ordinal"  example:"0"`
	ProductRef   string `json:"product_ref"   example:"A"`
	Quantity     int    `json:"quantity"      example:"2"`
	UnitPrice    string `json:"unit_price"    example:"149.00"`
	LineSubtotal string `json:"line_subtotal" example:"298.00"`
}

// OrderView is the read-only projection returned by GET /orders/{id}.
// swagger:model OrderView
type OrderView struct {
	ID               string         `json:"id"                 example:"4e7d4e5c-5cb9-4a3f-9f21-7e1a4f9f2b2a"`
	Status           Status         `json:"status"             example:"awaiting_payment"`
	Currency         string         `json:"currency"           example:"INR"`
	Subtotal         string         `json:"subtotal"           example:"298.00"`
	Discount         string         `json:"discount"           example:"0.00"`
	ShippingCost     string         `json:"shipping_cost"      example:"0.00"`
	Tax              string         `json:"tax"                example:"0.00"`
	Total            string         `json:"total"              example:"298.00"`
	GatewayIntentID  string         `json:"gateway_intent_id"  example:"order_N5Jx0a1b2c3d4e"`
	GatewayPaymentID string         `json:"gateway_payment_id,omitempty" example:"pay_123"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	Version          int64          `json:"version"            example:"1"`
	CreatedAt        time.Time      `json:"created_at"`
	PaidAt           *time.Time     `json:"paid_at,omitempty"`
	FailedAt         *time.Time     `json:"failed_at,omitempty"`
	CancelledAt      *time.Time     `json:"cancelled_at,omitempty"`
	Items            []LineItemView `json:"items"`
}

func ViewOf(o *Order) OrderView {
	v := OrderView{
		ID:               o.ID,
		Status:           o.Status,
		Currency:         o.Currency,
		Subtotal:         o.Subtotal.StringFixed(2),
		Discount:         o.Discount.StringFixed(2),
		ShippingCost:     o.ShippingCost.StringFixed(2),
		Tax:              o.Tax.StringFixed(2),
		Total:            o.Total.StringFixed(2),
		GatewayIntentID:  o.GatewayIntentID,
		GatewayPaymentID: o.GatewayPaymentID,
		FailureReason:    o.FailureReason,
		Version:          o.Version,
		CreatedAt:        o.CreatedAt,
		PaidAt:           o.PaidAt,
		FailedAt:         o.FailedAt,
		CancelledAt:      o.CancelledAt,
		Items:            make([]LineItemView, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, LineItemView{
			LineOrdinal:  it.Ordinal,
			ProductRef:   it.ProductRef,
			Quantity:     it.Quantity,
			UnitPrice:    it.UnitPrice.StringFixed(2),
			LineSubtotal: it.LineSubtotal.StringFixed(2),
		})
	}
	return v
}
