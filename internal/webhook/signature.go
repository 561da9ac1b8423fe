// Package webhook receives provider callbacks: it verifies signatures,
// classifies payloads into message and status events, and acknowledges fast.
// All heavy work happens later in the reply worker.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks the provider's HMAC-SHA256 signature over the raw
// request body. An empty secret disables verification; deployments are
// expected to configure one. The header may carry a "sha256=" prefix.
func VerifySignature(secret, signatureHeader string, body []byte) bool {
	if secret == "" {
		return true
	}
	signatureHeader = strings.TrimPrefix(strings.TrimSpace(signatureHeader), "sha256=")
	if signatureHeader == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signatureHeader)))
}
