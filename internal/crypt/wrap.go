package crypt

import (
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/roach88/eventvault/internal/syncerr"
)

// wrappedHeader is ephemeral public key || IV.
const wrappedHeader = KeySize + IVSize

// PublicKeyOf returns the X25519 public key for a private key.
func PublicKeyOf(privateKey []byte) ([]byte, error) {
	if len(privateKey) != KeySize {
		return nil, syncerr.Crypto(fmt.Sprintf("private key must be %d bytes", KeySize), nil)
	}
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, syncerr.Crypto("derive public key", err)
	}
	return pub, nil
}

func wrapKey(salt, shared, ephemeralPub, recipientPub []byte) []byte {
	msg := make([]byte, 0, len(shared)+len(ephemeralPub)+len(recipientPub))
	msg = append(msg, shared...)
	msg = append(msg, ephemeralPub...)
	msg = append(msg, recipientPub...)
	return HMAC(salt, msg)
}

// WrapDEK encrypts dek for one recipient.
//
// Layout: ephemeralPublic(32) || iv(12) || GCM(dek.Raw || slot).
// Only the holder of the recipient's private key can unwrap it.
func WrapDEK(dek DEK, recipientPublicKey []byte, wrapSalt []byte) ([]byte, error) {
	if len(recipientPublicKey) != KeySize {
		return nil, syncerr.Crypto(fmt.Sprintf("recipient public key must be %d bytes", KeySize), nil)
	}
	if len(dek.Raw) != KeySize {
		return nil, syncerr.Crypto("dek has invalid length", nil)
	}

	ephemeralPriv, err := RandomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	ephemeralPub, err := PublicKeyOf(ephemeralPriv)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephemeralPriv, recipientPublicKey)
	if err != nil {
		return nil, syncerr.Crypto("key agreement", err)
	}

	iv, err := NewIV()
	if err != nil {
		return nil, err
	}
	plaintext := append(append([]byte{}, dek.Raw...), dek.Slot.Bytes()...)
	sealed, err := EncryptPayload(wrapKey(wrapSalt, shared, ephemeralPub, recipientPublicKey), iv, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, wrappedHeader+len(sealed))
	out = append(out, ephemeralPub...)
	out = append(out, iv[:]...)
	out = append(out, sealed...)
	return out, nil
}

// UnwrapDEK reverses WrapDEK with the recipient's private key.
func UnwrapDEK(wrapped []byte, recipientPrivateKey []byte, wrapSalt []byte) (DEK, error) {
	if len(wrapped) < wrappedHeader+TagSize {
		return DEK{}, syncerr.Crypto("wrapped dek too short", nil)
	}
	recipientPub, err := PublicKeyOf(recipientPrivateKey)
	if err != nil {
		return DEK{}, err
	}

	ephemeralPub := wrapped[:KeySize]
	var iv [IVSize]byte
	copy(iv[:], wrapped[KeySize:wrappedHeader])

	shared, err := curve25519.X25519(recipientPrivateKey, ephemeralPub)
	if err != nil {
		return DEK{}, syncerr.Crypto("key agreement", err)
	}

	plaintext, err := DecryptPayload(wrapKey(wrapSalt, shared, ephemeralPub, recipientPub), iv, wrapped[wrappedHeader:])
	if err != nil {
		return DEK{}, syncerr.Crypto("unwrap dek", err)
	}
	if len(plaintext) != KeySize+slotSize {
		return DEK{}, syncerr.Crypto("unwrapped dek has invalid length", nil)
	}
	slot, err := parseSlot(plaintext[KeySize:])
	if err != nil {
		return DEK{}, syncerr.Crypto("unwrapped dek slot", err)
	}
	return DEK{Slot: slot, Raw: plaintext[:KeySize]}, nil
}
