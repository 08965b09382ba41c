// Package auth holds the per-process bridge secret. The token is generated
// once at server startup, handed to the UI shell out of band, and compared
// in constant time on every handshake.
package auth

import (
	crand "crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const tokenBytes = 32

// GenerateToken returns a fresh random token for this server instance.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := crand.Read(buf); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Verify reports whether supplied matches expected, taking time independent
// of where the inputs first differ.
func Verify(expected, supplied string) bool {
	if expected == "" {
		// No token means the server never finished startup; fail closed.
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(supplied)) == 1
}

// Redact returns a loggable form of a token. Full tokens never appear in
// logs.
func Redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "****"
}
