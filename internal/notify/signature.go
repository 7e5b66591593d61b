package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// SecretPrefix is the prefix for Standard Webhooks symmetric secrets
	SecretPrefix = "whsec_"

	// SignatureVersion is the version identifier for symmetric signatures
	SignatureVersion = "v1"

	minSecretBytes = 24
	maxSecretBytes = 64
)

// Secret is a Standard Webhooks signing secret.
type Secret struct {
	raw []byte
}

// ParseSecret parses a base64-encoded secret with the whsec_ prefix
func ParseSecret(encoded string) (Secret, error) {
	if !strings.HasPrefix(encoded, SecretPrefix) {
		return Secret{}, fmt.Errorf("secret must start with %s prefix", SecretPrefix)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, SecretPrefix))
	if err != nil {
		return Secret{}, fmt.Errorf("decoding base64 secret: %w", err)
	}
	if len(raw) < minSecretBytes || len(raw) > maxSecretBytes {
		return Secret{}, fmt.Errorf("secret size must be between %d and %d bytes", minSecretBytes, maxSecretBytes)
	}

	return Secret{raw: raw}, nil
}

// Sign returns the webhook-signature header value ("v1,<base64>") over
// {msgID}.{timestamp}.{payload}.
func Sign(secret Secret, msgID string, timestamp time.Time, payload []byte) (string, error) {
	if strings.Contains(msgID, ".") {
		return "", fmt.Errorf("message ID must not contain '.'")
	}

	signed := fmt.Sprintf("%s.%s.%s", msgID, strconv.FormatInt(timestamp.Unix(), 10), payload)
	mac := hmac.New(sha256.New, secret.raw)
	mac.Write([]byte(signed))

	return SignatureVersion + "," + base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a webhook-signature header value in constant time.
func Verify(secret Secret, msgID string, timestamp time.Time, payload []byte, header string) bool {
	want, err := Sign(secret, msgID, timestamp, payload)
	if err != nil {
		return false
	}
	for _, sig := range strings.Fields(header) {
		if subtle.ConstantTimeCompare([]byte(sig), []byte(want)) == 1 {
			return true
		}
	}
	return false
}
