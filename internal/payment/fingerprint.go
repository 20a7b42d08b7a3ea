package payment

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint digests everything that defines a checkout attempt, so a
// reused idempotency key with a different cart is detected.
func Fingerprint(req IntentRequest) string {
	h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
	fmt.Fprintf(h, "%q|%s|%s|%s|%s|%s\n",
		req.UserRef, req.Currency,
		req.ShippingCost.StringFixed(2), req.Tax.StringFixed(2),
		req.Discount.StringFixed(2), req.DeclaredTotal.StringFixed(2))
	for _, it := range req.Items {
		fmt.Fprintf(h, "%q|%d|%s\n", it.ProductRef, it.Quantity, it.UnitPrice.StringFixed(2))
	}
	return hex.EncodeToString(h.Sum(nil))
}
