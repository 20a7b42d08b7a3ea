package order

import "errors"

// Settlement error taxonomy. Callers match with errors.Is; detail is added
// with fmt.Errorf("%w: ...").
var (
	ErrNotFound = errors.New("order not found")

	// ErrInvalidOrderRequest is a caller error. Do not retry without fixing the input.
	ErrInvalidOrderRequest = errors.New("invalid order request")
	// ErrGatewayUnavailable is transient. Retry with the same idempotency key.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrUpstreamUnavailable covers the catalog and identity services. Retry later.
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	// ErrSignatureInvalid is a security rejection and is never retried automatically.
	ErrSignatureInvalid = errors.New("payment signature invalid")

	ErrIllegalTransition = errors.New("illegal order transition")
	ErrOrderNotPayable   = errors.New("order not payable")

	// ErrConcurrencyConflict means the row version moved between read and write.
	ErrConcurrencyConflict = errors.New("order modified concurrently")

	ErrDuplicateIdempotencyKey = errors.New("idempotency key already recorded")
	ErrDuplicateIntent         = errors.New("gateway intent already recorded")
)
