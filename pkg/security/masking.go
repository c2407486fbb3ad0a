package security

import (
	"regexp"
	"strings"
)

const redacted = "***REDACTED***"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._~+/=-]+`)
	// key=value and "key": "value" forms with a sensitive key name
	secretPattern = regexp.MustCompile(`(?i)("?(?:api[_-]?key|secret(?:_key)?|private[_-]?key|mnemonic|seed|wif|password|token)"?\s*[:=]\s*)"?[^"\s,}&]{4,}"?`)
	evmPattern    = regexp.MustCompile(`0x[a-fA-F0-9]{40}\b`)

	sensitiveFields = []string{
		"password", "secret", "token", "key", "auth",
		"private_key", "seed", "mnemonic", "wif", "api_key", "apikey",
		"credential", "signature",
	}
)

// MaskString redacts credentials, bearer tokens and emails and shortens EVM
// addresses in free text such as upstream error bodies.
func MaskString(s string) string {
	s = secretPattern.ReplaceAllString(s, "${1}"+redacted)
	s = bearerPattern.ReplaceAllString(s, "Bearer "+redacted)
	s = emailPattern.ReplaceAllStringFunc(s, maskEmail)
	s = evmPattern.ReplaceAllStringFunc(s, MaskAddress)
	return s
}

// MaskAddress keeps the first 6 and last 4 characters of a destination on
// any chain.
func MaskAddress(addr string) string {
	if len(addr) < 12 {
		return strings.Repeat("*", len(addr))
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// MaskSecret shows only the first 4 characters of a credential.
func MaskSecret(key string) string {
	if len(key) < 8 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}

// MaskMap redacts sensitive fields, recursing into nested maps.
func MaskMap(data map[string]interface{}) map[string]interface{} {
	masked := make(map[string]interface{}, len(data))
	for k, v := range data {
		if isSensitiveField(k) {
			masked[k] = redacted
			continue
		}
		switch val := v.(type) {
		case string:
			masked[k] = MaskString(val)
		case map[string]interface{}:
			masked[k] = MaskMap(val)
		default:
			masked[k] = v
		}
	}
	return masked
}

func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 1 {
		return "***" + email[at:]
	}
	return email[:1] + "***" + email[at:]
}

func isSensitiveField(field string) bool {
	lower := strings.ToLower(field)
	for _, s := range sensitiveFields {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
