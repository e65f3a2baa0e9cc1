package webhooks

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

const (
	SignatureHeader = "X-Hook-Signature"
	RequestIDHeader = "X-Request-Id"
	EventHeader     = "X-Hook-Event"
)

// VerifyHMAC checks an HMAC-SHA512 signature over the raw body using the shared secret.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(sign(secret, body), b)
}

// SignHMAC returns lowercase hex of HMAC-SHA512 for use in the signature header.
func SignHMAC(secret string, body []byte) string {
	return hex.EncodeToString(sign(secret, body))
}

func sign(secret string, body []byte) []byte {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
