package main

import (
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// generateSignature creates a short fingerprint for user text.
// Logs carry the fingerprint, never the text itself.
func generateSignature(content string) string {
	hash := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(hash[:8])
}

// generateRequestID returns the value sent back in X-Request-ID
func generateRequestID() string {
	return uuid.NewString()
}
