// Package signer computes the two-layer HMAC-SHA256 request signature the
// upstream backend expects on every chat call. An intermediate key is derived
// from the root key and the current 5-minute time window; the final signature
// is keyed by the hex form of that intermediate key and covers the canonical
// string, the base64 form of the signed message, and the literal timestamp.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrSigningInputMissing is returned when no user text is available to sign.
// The upstream rejects unsigned bodies, so signing an empty message would
// only defer the failure.
var ErrSigningInputMissing = errors.New("signer: no user message text to sign")

// defaultRootKey is the built-in key material used when no secret is
// configured, matching the upstream web client.
const defaultRootKey = "junjie-web-chat-signing-v1-8f2a1c9d"

// timeWindowMillis is the width of the signing window; the intermediate key
// is stable within one window.
const timeWindowMillis = 5 * 60 * 1000

// Signer derives request signatures from a configured secret.
type Signer struct {
	rootKey []byte
}

// New resolves the root key from the configured secret. An even-length hex
// string is hex-decoded; any other non-empty string is taken as raw UTF-8
// bytes; empty selects the built-in default key.
func New(secret string) *Signer {
	return &Signer{rootKey: resolveRootKey(secret)}
}

func resolveRootKey(secret string) []byte {
	if secret == "" {
		return []byte(defaultRootKey)
	}
	if len(secret)%2 == 0 {
		if decoded, err := hex.DecodeString(secret); err == nil {
			return decoded
		}
	}
	return []byte(secret)
}

// Sign computes the hex signature over (e, messageText, timestampMs).
// The signature is a pure function of its inputs and the configured secret.
func (s *Signer) Sign(e, messageText string, timestampMs int64) (string, error) {
	if messageText == "" {
		return "", ErrSigningInputMissing
	}

	stringToSign := fmt.Sprintf("%s|%s|%d", e, base64.StdEncoding.EncodeToString([]byte(messageText)), timestampMs)
	window := timestampMs / timeWindowMillis

	intermediate := hmac.New(sha256.New, s.rootKey)
	intermediate.Write([]byte(fmt.Sprintf("%d", window)))
	intermediateKeyHex := hex.EncodeToString(intermediate.Sum(nil))

	final := hmac.New(sha256.New, []byte(intermediateKeyHex))
	final.Write([]byte(stringToSign))
	return hex.EncodeToString(final.Sum(nil)), nil
}

// IntermediateKey exposes the window-scoped intermediate key in hex form.
// Used by tests to assert window stability.
func (s *Signer) IntermediateKey(timestampMs int64) string {
	window := timestampMs / timeWindowMillis
	mac := hmac.New(sha256.New, s.rootKey)
	mac.Write([]byte(fmt.Sprintf("%d", window)))
	return hex.EncodeToString(mac.Sum(nil))
}
