package payment

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MikeMC777/checkout-settlement/internal/order"
	"github.com/MikeMC777/checkout-settlement/internal/reconcile"
)

type VerifierDeps struct {
	// Secret is the gateway key secret shared for callback signatures.
	Secret string
	Ledger *order.Ledger
	Queue  reconcile.Queue
	Log    *slog.Logger
}

// Verifier authenticates gateway payment callbacks and settles the matching order.
type Verifier struct {
	secret        []byte
	ledger        *order.Ledger
	recon         reconciler
	log           *slog.Logger
	tracer        trace.Tracer
	confirmations metric.Int64Counter
}

func NewVerifier(d VerifierDeps) *Verifier {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	const scope = "github.com/MikeMC777/checkout-settlement/internal/payment"
	counter, err := otel.Meter(scope).Int64Counter("settlement.confirmations",
		metric.WithDescription("Payment confirmations by outcome"))
	if err != nil {
		d.Log.Warn("metric_init_error", "metric", "settlement.confirmations", "error", err)
	}
	return &Verifier{
		secret:        []byte(d.Secret),
		ledger:        d.Ledger,
		recon:         reconciler{q: d.Queue, log: d.Log},
		log:           d.Log,
		tracer:        otel.Tracer(scope),
		confirmations: counter,
	}
}

// ConfirmPayment checks the callback signature and marks the order that owns
// intentID as paid. A rejected result is always paired with a taxonomy
// error; an infrastructure failure returns a zero result.
func (v *Verifier) ConfirmPayment(ctx context.Context, intentID, paymentID, signature string) (VerificationResult, error) {
	ctx, span := v.tracer.Start(ctx, "payment.confirm", trace.WithAttributes(
		attribute.String("gateway.intent_id", intentID),
	))
	defer span.End()

	res, err := v.confirm(ctx, intentID, paymentID, signature)
	outcome := string(res.Reason())
	switch {
	case res.IsVerified() && res.Replayed:
		outcome = "duplicate"
	case res.IsVerified():
		outcome = "paid"
	case err != nil && outcome == "":
		outcome = "error"
	}
	if v.confirmations != nil {
		v.confirmations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	span.SetAttributes(attribute.String("settlement.outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (v *Verifier) confirm(ctx context.Context, intentID, paymentID, signature string) (VerificationResult, error) {
	if intentID == "" || paymentID == "" || !ValidSignature(v.secret, intentID, paymentID, signature) {
		v.log.WarnContext(ctx, "signature_invalid",
			"gateway_intent_id", intentID, "gateway_payment_id", paymentID)
		return rejected(ReasonSignatureInvalid, nil), order.ErrSignatureInvalid
	}
	ev := Evidence{GatewayIntentID: intentID, GatewayPaymentID: paymentID, Signature: signature}

	// Resolve by intent id only; the signature covers it, nothing else from the caller is trusted.
	o, err := v.ledger.Repo().GetByIntentID(ctx, intentID)
	if errors.Is(err, order.ErrNotFound) {
		v.recon.record(ctx, reconcile.Entry{
			Kind:             reconcile.PaymentWithoutOrder,
			GatewayIntentID:  intentID,
			GatewayPaymentID: paymentID,
			Detail:           "signed payment for unknown intent",
		})
		return rejected(ReasonOrderNotFound, nil), err
	}
	if err != nil {
		return VerificationResult{}, err
	}

	tr, err := v.ledger.Transition(ctx, o.ID, order.StatusPaid, order.Evidence{
		GatewayPaymentID: paymentID,
		Signature:        signature,
	})
	switch {
	case err == nil:
		return verified(ev, tr.Order, !tr.Changed), nil
	case errors.Is(err, order.ErrOrderNotPayable), errors.Is(err, order.ErrIllegalTransition):
		if cur, gerr := v.ledger.Repo().GetByID(ctx, o.ID); gerr == nil {
			o = cur
		}
		kind := reconcile.PaymentOnClosedOrder
		if o.Status == order.StatusPaid {
			kind = reconcile.DuplicatePayment
		}
		v.recon.record(ctx, reconcile.Entry{
			Kind:             kind,
			OrderID:          o.ID,
			UserRef:          o.UserRef,
			GatewayIntentID:  intentID,
			GatewayPaymentID: paymentID,
			Amount:           o.Total.StringFixed(2),
			Currency:         o.Currency,
			Detail:           err.Error(),
		})
		if !errors.Is(err, order.ErrOrderNotPayable) {
			err = errors.Join(order.ErrOrderNotPayable, err)
		}
		return rejected(ReasonOrderNotPayable, o), err
	default:
		return VerificationResult{}, err
	}
}
