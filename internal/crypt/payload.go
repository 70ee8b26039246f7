package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/roach88/eventvault/internal/syncerr"
)

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, syncerr.Crypto(fmt.Sprintf("key must be %d bytes, got %d", KeySize, len(key)), nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, syncerr.Crypto("create block cipher", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, syncerr.Crypto("create gcm", err)
	}
	return aead, nil
}

// NewIV returns a fresh random IV for EncryptPayload.
func NewIV() ([IVSize]byte, error) {
	var iv [IVSize]byte
	b, err := RandomBytes(IVSize)
	if err != nil {
		return iv, err
	}
	copy(iv[:], b)
	return iv, nil
}

// EncryptPayload seals plaintext with AES-256-GCM under key and iv.
// The returned ciphertext carries the 16-byte tag as its suffix.
func EncryptPayload(key []byte, iv [IVSize]byte, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv[:], plaintext, nil), nil
}

// DecryptPayload opens a ciphertext produced by EncryptPayload.
func DecryptPayload(key []byte, iv [IVSize]byte, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < TagSize {
		return nil, syncerr.Crypto("ciphertext too short", nil)
	}
	plaintext, err := aead.Open(nil, iv[:], ciphertext, nil)
	if err != nil {
		return nil, syncerr.Crypto("decryption failed (wrong key or tampered data)", err)
	}
	return plaintext, nil
}
