package payment

import "github.com/shopspring/decimal"

// CheckoutItemRequest is one cart line.
// swagger:model CheckoutItemRequest
type CheckoutItemRequest struct {
	ProductRef string `json:"product_ref" example:"A"`
	Quantity   int    `json:"quantity"    example:"2"`
}

// CheckoutIntentRequest opens a payment intent for the cart.
// swagger:model CheckoutIntentRequest
type CheckoutIntentRequest struct {
	IdempotencyKey string                `json:"idempotency_key" example:"cart-7f3a-attempt-1"`
	Items          []CheckoutItemRequest `json:"items"`
	ShippingCost   decimal.Decimal       `json:"shipping_cost"  swaggertype:"string" example:"0"`
	Tax            decimal.Decimal       `json:"tax"            swaggertype:"string" example:"0"`
	Discount       decimal.Decimal       `json:"discount"       swaggertype:"string" example:"0"`
	Currency       string                `json:"currency"       example:"INR"`
	DeclaredTotal  decimal.Decimal       `json:"declared_total" swaggertype:"string" example:"298"`
}

func (r CheckoutIntentRequest) ToCheckout(userRef string) CheckoutRequest {
	items := make([]CheckoutItem, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, CheckoutItem{ProductRef: it.ProductRef, Quantity: it.Quantity})
	}
	return CheckoutRequest{
		IdempotencyKey: r.IdempotencyKey,
		UserRef:        userRef,
		Items:          items,
		ShippingCost:   r.ShippingCost,
		Tax:            r.Tax,
		Discount:       r.Discount,
		Currency:       r.Currency,
		DeclaredTotal:  r.DeclaredTotal,
	}
}

// CheckoutIntentResponse is what the browser needs to render the payment widget.
// swagger:model CheckoutIntentResponse
type CheckoutIntentResponse struct {
	OrderID         string `json:"order_id"          example:"4e7d4e5c-5cb9-4a3f-9f21-7e1a4f9f2b2a"`
	Status          string `json:"status"            example:"awaiting_payment"`
	Currency        string `json:"currency"          example:"INR"`
	Total           string `json:"total"             example:"298.00"`
	GatewayIntentID string `json:"gateway_intent_id" example:"order_N5Jx0a1b2c3d4e"`
	ClientSecret    string `json:"client_secret"     example:"order_N5Jx0a1b2c3d4e"`
	Replayed        bool   `json:"replayed"`
}

func IntentResponse(r IntentResult) CheckoutIntentResponse {
	return CheckoutIntentResponse{
		OrderID:         r.Order.ID,
		Status:          string(r.Order.Status),
		Currency:        r.Order.Currency,
		Total:           r.Order.Total.StringFixed(2),
		GatewayIntentID: r.Order.GatewayIntentID,
		ClientSecret:    r.ClientSecret,
		Replayed:        r.Replayed,
	}
}

// ConfirmRequest is the gateway's success callback triple.
// swagger:model ConfirmRequest
type ConfirmRequest struct {
	GatewayIntentID  string `json:"gateway_intent_id"  example:"order_N5Jx0a1b2c3d4e"`
	GatewayPaymentID string `json:"gateway_payment_id" example:"pay_123"`
	Signature        string `json:"signature"          example:"a3f1..."`
}

// ConfirmResponse reports the verification outcome.
// swagger:model ConfirmResponse
type ConfirmResponse struct {
	Verified    bool   `json:"verified"`
	OrderID     string `json:"order_id,omitempty"`
	OrderStatus string `json:"order_status,omitempty" example:"paid"`
	Error       string `json:"error,omitempty"        example:"signature_invalid"`
}

func ConfirmResponseOf(r VerificationResult) ConfirmResponse {
	out := ConfirmResponse{Verified: r.IsVerified(), Error: string(r.Reason())}
	if r.Order != nil {
		out.OrderID = r.Order.ID
		out.OrderStatus = string(r.Order.Status)
	}
	return out
}
