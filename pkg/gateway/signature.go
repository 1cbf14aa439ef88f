package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// PaymentSignaturePayload is the string the gateway signs when checkout completes.
func PaymentSignaturePayload(gatewayOrderID, paymentID string) []byte {
	return []byte(gatewayOrderID + "|" + paymentID)
}

// ValidSignature compares signature against the expected HMAC in constant time.
// An empty secret never validates.
func ValidSignature(secret string, payload []byte, signature string) bool {
	if secret == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}
