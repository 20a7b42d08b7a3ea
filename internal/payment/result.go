package payment

import "github.com/MikeMC777/checkout-settlement/internal/order"

type Reason string

const (
	ReasonSignatureInvalid Reason = "signature_invalid"
	ReasonOrderNotFound    Reason = "order_not_found"
	ReasonOrderNotPayable  Reason = "order_not_payable"
)

// Evidence is the authenticated gateway callback.
type Evidence struct {
	GatewayIntentID  string
	GatewayPaymentID string
	Signature        string
}

// VerificationResult is either verified, carrying the evidence, or rejected,
// carrying a reason. Order is set whenever the order is known.
type VerificationResult struct {
	verified bool
	evidence Evidence
	reason   Reason

	Order *order.Order
	// Replayed is true when the order was already paid by this same payment.
	Replayed bool
}

func verified(ev Evidence, o *order.Order, replayed bool) VerificationResult {
	return VerificationResult{verified: true, evidence: ev, Order: o, Replayed: replayed}
}

func rejected(reason Reason, o *order.Order) VerificationResult {
	return VerificationResult{reason: reason, Order: o}
}

func (r VerificationResult) IsVerified() bool { return r.verified }

// Evidence is only meaningful for a verified result.
func (r VerificationResult) Evidence() (Evidence, bool) { return r.evidence, r.verified }

// Reason is empty for a verified result.
func (r VerificationResult) Reason() Reason { return r.reason }
