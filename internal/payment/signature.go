package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns hex(HMAC-SHA256(secret, intentID + "|" + paymentID)), the
// signature the gateway attaches to a successful payment.
func Sign(secret []byte, intentID, paymentID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(intentID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature compares in constant time.
func ValidSignature(secret []byte, intentID, paymentID, signature string) bool {
	expected := Sign(secret, intentID, paymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}
