// Package crypt provides the cryptographic primitives of the sync engine.
//
// Everything here is stateless aside from randomness, except Rotator which
// tracks the data key currently used for writes.
//
//   - Payloads are sealed with AES-256-GCM (12-byte IV, 16-byte tag).
//   - Data encryption keys (DEKs) are derived per time slot with HMAC-SHA256
//     from a master key and the configured DEK salt.
//   - A DEK is wrapped for each recipient with an ephemeral X25519 key
//     agreement; the wrapping key is HMAC(wrapSalt, shared || ephPub || recipient).
//
// Failures are *syncerr.Error values of KindCrypto. They are never retried.
package crypt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/roach88/eventvault/internal/syncerr"
)

// Sizes used throughout the package.
const (
	KeySize    = 32 // AES-256 and X25519 key size
	IVSize     = 12 // GCM nonce size
	TagSize    = 16 // GCM authentication tag size
	DigestSize = sha256.Size
)

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, syncerr.Crypto("read random bytes", err)
	}
	return b, nil
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HMAC returns HMAC-SHA256(key, message).
func HMAC(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// HashWithDomain computes SHA-256 over domain || 0x00 || part (|| 0x00 || part)...
// and returns it hex-encoded. The null separators keep part boundaries
// unambiguous, so ("ab", "c") and ("a", "bc") never collide.
func HashWithDomain(domain string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write([]byte{0x00})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Salts holds the named salts used for key derivation.
type Salts struct {
	DEK    []byte // per-slot data key derivation
	Wrap   []byte // key-agreement wrapping key derivation
	Master []byte // master key derivation from the identity secret
}

// MasterKey derives the device master key from an identity private key.
func MasterKey(salts Salts, privateKey []byte) []byte {
	return HMAC(salts.Master, privateKey)
}
