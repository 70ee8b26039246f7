package identity

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/eventvault/internal/crypt"
	"github.com/roach88/eventvault/internal/syncerr"
)

// DerivationPath is the fixed path from the mnemonic seed to the vault key.
// Every segment is hardened.
const DerivationPath = "m/44'/1237'/0'/0'/0'"

// DefaultSeedKey keys the root of the derivation chain when no master salt
// is configured.
const DefaultSeedKey = "eventvault seed"

// MnemonicEntropyBits gives a 24-word recovery phrase.
const MnemonicEntropyBits = 256

const hardenedOffset uint32 = 0x80000000

// Identity is an X25519 keypair derived from a recovery phrase.
type Identity struct {
	PublicKey  [crypt.KeySize]byte
	PrivateKey [crypt.KeySize]byte
}

// PublicKeyHex returns the public key as lowercase hex, the form used on the
// wire and in the key registry.
func (id Identity) PublicKeyHex() string {
	return fmt.Sprintf("%x", id.PublicKey[:])
}

// NewMnemonic returns a fresh recovery phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", syncerr.Crypto("generate entropy", err)
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", syncerr.Crypto("encode mnemonic", err)
	}
	return phrase, nil
}

// NormalizeMnemonic applies NFKD, lowercases, and collapses whitespace, so
// a phrase typed with stray spacing or capitals derives the same identity.
func NormalizeMnemonic(phrase string) string {
	phrase = norm.NFKD.String(phrase)
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// Derive deterministically derives the identity for phrase. seedKey keys the
// root HMAC of the chain; empty means DefaultSeedKey.
func Derive(phrase string, seedKey []byte) (Identity, error) {
	phrase = NormalizeMnemonic(phrase)
	if !bip39.IsMnemonicValid(phrase) {
		return Identity{}, syncerr.Crypto("invalid recovery phrase", nil)
	}
	seed, err := bip39.NewSeedWithErrorChecking(phrase, "")
	if err != nil {
		return Identity{}, syncerr.Crypto("mnemonic seed", err)
	}
	if len(seedKey) == 0 {
		seedKey = []byte(DefaultSeedKey)
	}

	indexes, err := parsePath(DerivationPath)
	if err != nil {
		return Identity{}, err
	}

	key, chain := split(hmacSHA512(seedKey, seed))
	for _, index := range indexes {
		data := make([]byte, 0, 1+crypt.KeySize+4)
		data = append(data, 0x00)
		data = append(data, key...)
		data = binary.BigEndian.AppendUint32(data, index)
		key, chain = split(hmacSHA512(chain, data))
	}

	var id Identity
	copy(id.PrivateKey[:], key)
	clamp(&id.PrivateKey)

	pub, err := crypt.PublicKeyOf(id.PrivateKey[:])
	if err != nil {
		return Identity{}, err
	}
	copy(id.PublicKey[:], pub)
	return id, nil
}

// parsePath turns "m/44'/1237'/..." into hardened child indexes.
func parsePath(path string) ([]uint32, error) {
	segments := strings.Split(path, "/")
	if len(segments) < 2 || segments[0] != "m" {
		return nil, syncerr.Crypto(fmt.Sprintf("invalid derivation path %q", path), nil)
	}
	indexes := make([]uint32, 0, len(segments)-1)
	for _, seg := range segments[1:] {
		if !strings.HasSuffix(seg, "'") {
			return nil, syncerr.Crypto(fmt.Sprintf("path segment %q must be hardened", seg), nil)
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(seg, "'"), 10, 31)
		if err != nil {
			return nil, syncerr.Crypto(fmt.Sprintf("path segment %q", seg), err)
		}
		indexes = append(indexes, uint32(n)+hardenedOffset)
	}
	return indexes, nil
}

func hmacSHA512(key, data []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func split(i []byte) (key, chain []byte) {
	return i[:32], i[32:]
}

// clamp applies the X25519 scalar clamping.
func clamp(k *[crypt.KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
