package pay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyHMAC validates a hex HMAC-SHA256 signature of body.
func VerifyHMAC(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	sigBytes, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, sigBytes)
}

// WebhookAuth checks inbound postbacks. An empty secret disables the check.
type WebhookAuth struct {
	Secret string
}

// Verify accepts a request carrying either a valid X-Signature HMAC of the
// body or the shared token in the body's token field.
func (a WebhookAuth) Verify(body []byte, signature, token string) bool {
	if a.Secret == "" {
		return true
	}
	if signature != "" {
		return VerifyHMAC(body, signature, a.Secret)
	}
	return hmac.Equal([]byte(strings.TrimSpace(token)), []byte(a.Secret))
}
