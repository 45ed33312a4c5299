package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenPrefix is the namespace tag prepended to every issued API key token.
const TokenPrefix = "live_"

// SignaturePrefix identifies the HMAC algorithm so receivers can support
// additional algorithms later without a breaking header change.
const SignaturePrefix = "sha256="

const (
	displayPrefixLen = 12
	displaySuffixLen = 4
)

// GenerateToken creates a new API key token together with the values that are
// safe to persist: a one-way hash used for lookups and short display fragments
// for identifying the key in UIs. The token itself must never be stored.
func GenerateToken() (token, hash, prefix, suffix string, err error) {
	b := make([]byte, 32)
	if _, err = rand.Read(b); err != nil {
		return "", "", "", "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	token = TokenPrefix + base64.RawURLEncoding.EncodeToString(b)
	hash = HashToken(token)
	prefix = token[:displayPrefixLen]
	suffix = token[len(token)-displaySuffixLen:]
	return token, hash, prefix, suffix, nil
}

// HashToken derives the deterministic storage hash for a token. The same
// derivation is used at issuance and at authentication time.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateSecret creates a high-entropy secret used for HMAC signing of
// webhook payloads. Generated once per credential, only when a callback URL
// is configured.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Sign computes the signature header value for a payload: HMAC-SHA256 over
// the exact bytes sent, hex-encoded, prefixed with the algorithm tag.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature for the payload and compares it against the
// presented one in constant time. Plain string equality on HMAC output is a
// timing side-channel.
func Verify(payload []byte, sig, secret string) bool {
	if !strings.HasPrefix(sig, SignaturePrefix) {
		return false
	}
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(sig))
}
