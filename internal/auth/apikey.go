package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// KeyPrefix marks keygate API keys.
const KeyPrefix = "sk-"

const keyEntropyBytes = 32

var keyFormat = regexp.MustCompile(`^sk-[a-f0-9]{64}$`)

// Digest returns the lowercase hex SHA-256 of a raw key. Only digests are
// stored or compared.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a new random key: KeyPrefix followed by 256 bits of
// hex-encoded entropy.
func GenerateKey() (string, error) {
	buf := make([]byte, keyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// ValidKeyFormat reports whether raw looks like a key GenerateKey would
// produce. Request validation does not consult it; the CLI uses it to reject
// typos before opening the database.
func ValidKeyFormat(raw string) bool {
	return keyFormat.MatchString(raw)
}

// ExtractBearer pulls the credential out of an Authorization header value.
// A missing header, a non-Bearer scheme or an empty token all count as a
// missing credential.
func ExtractBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", ErrMissingCredential
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	if token == "" {
		return "", ErrMissingCredential
	}
	return token, nil
}
