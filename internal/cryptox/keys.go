// Package cryptox implements sowback's session-key derivation and
// authenticated encryption. Key derivation uses golang.org/x/crypto/hkdf;
// AEAD uses the standard library crypto/aes + crypto/cipher.
package cryptox

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeyInfo is the fixed HKDF "info" parameter for session keys.
const SessionKeyInfo = "sowback-session-v1"

// KeySize is the derived session key length in bytes (AES-256).
const KeySize = 32

// DeriveKey computes the 32-byte session key as
// HKDF-SHA256(ikm = token++clientID, salt = nil, info = SessionKeyInfo).
// Both peers call this independently and must agree on the result.
func DeriveKey(token []byte, clientID string) ([]byte, error) {
	ikm := make([]byte, 0, len(token)+len(clientID))
	ikm = append(ikm, token...)
	ikm = append(ikm, clientID...)
	kdf := hkdf.New(sha256.New, ikm, nil, []byte(SessionKeyInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// TokensEqual does a constant-time comparison of two tokens.
func TokensEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// KeysEqual does a constant-time comparison of two derived session keys,
// used to verify a server-transmitted key against the locally derived one.
func KeysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
