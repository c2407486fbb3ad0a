package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefixes some processors put in front of the hex digest.
var signaturePrefixes = []string{"sha256=", "hmac-sha256="}

// Sign returns the hex encoded HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the HMAC-SHA256 of the exact raw
// payload bytes. An empty secret never verifies.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	signature = strings.TrimSpace(signature)
	for _, prefix := range signaturePrefixes {
		if strings.HasPrefix(strings.ToLower(signature), prefix) {
			signature = signature[len(prefix):]
			break
		}
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}
