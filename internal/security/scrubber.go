// internal/security/scrubber.go
package security

import "regexp"

var (
	// Airtable personal access tokens: pat<14 chars>.<64 hex>
	airtablePATPattern = regexp.MustCompile(`\bpat[A-Za-z0-9]{14}\.[0-9a-f]{64}\b`)
	// Legacy Airtable API keys
	airtableKeyPattern = regexp.MustCompile(`\bkey[A-Za-z0-9]{14}\b`)
	// Standard Webhooks signing secrets
	webhookSecretPattern = regexp.MustCompile(`whsec_[A-Za-z0-9+/=]+`)
	bearerPattern        = regexp.MustCompile(`Bearer\s+\S+`)
	// user:password@ in DSNs and URLs
	credentialsPattern = regexp.MustCompile(`([A-Za-z0-9_.-]+):[^@\s/]+@`)
	// Long hex strings (32+ chars) are likely API keys
	hexKeyPattern = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
)

// ScrubSecrets redacts credentials from text before it is logged or stored.
func ScrubSecrets(s string) string {
	result := airtablePATPattern.ReplaceAllString(s, "[REDACTED]")
	result = airtableKeyPattern.ReplaceAllString(result, "[REDACTED]")
	result = webhookSecretPattern.ReplaceAllString(result, "whsec_[REDACTED]")
	result = bearerPattern.ReplaceAllString(result, "Bearer [REDACTED]")
	result = credentialsPattern.ReplaceAllString(result, "$1:[REDACTED]@")
	result = hexKeyPattern.ReplaceAllString(result, "[REDACTED]")
	return result
}
