package crypt

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventvault/internal/syncerr"
)

var testSalts = Salts{
	DEK:    []byte("test-dek-salt"),
	Wrap:   []byte("test-wrap-salt"),
	Master: []byte("test-master-salt"),
}

func testKeypair(t *testing.T) (priv, pub []byte) {
	t.Helper()
	priv, err := RandomBytes(KeySize)
	require.NoError(t, err)
	pub, err = PublicKeyOf(priv)
	require.NoError(t, err)
	return priv, pub
}

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	priv, _ := testKeypair(t)
	return NewKeyring(MasterKey(testSalts, priv), testSalts)
}

func TestPayload_RoundTrip(t *testing.T) {
	dek, err := testKeyring(t).DeriveDEK(Slot{Window: 42})
	require.NoError(t, err)

	payloads := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 64*1024),
	}
	for _, p := range payloads {
		iv, err := NewIV()
		require.NoError(t, err)

		ct, err := EncryptPayload(dek.Raw, iv, p)
		require.NoError(t, err)
		assert.Len(t, ct, len(p)+TagSize)

		pt, err := DecryptPayload(dek.Raw, iv, ct)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(p, pt))
	}
}

func TestPayload_TamperedCiphertextIsCryptoError(t *testing.T) {
	dek, err := testKeyring(t).DeriveDEK(Slot{Window: 1})
	require.NoError(t, err)
	iv, err := NewIV()
	require.NoError(t, err)

	ct, err := EncryptPayload(dek.Raw, iv, []byte("secret"))
	require.NoError(t, err)
	ct[0] ^= 0xFF

	_, err = DecryptPayload(dek.Raw, iv, ct)
	require.Error(t, err)
	assert.True(t, syncerr.IsCrypto(err))
}

func TestPayload_WrongKeyLength(t *testing.T) {
	_, err := EncryptPayload([]byte("short"), [IVSize]byte{}, []byte("x"))
	assert.True(t, syncerr.IsCrypto(err))
}

func TestWrapDEK_RoundTrip(t *testing.T) {
	kr := testKeyring(t)
	recipientPriv, recipientPub := testKeypair(t)

	for gen := uint32(0); gen < 5; gen++ {
		dek, err := kr.DeriveDEK(Slot{Window: 1000, Generation: gen})
		require.NoError(t, err)

		wrapped, err := WrapDEK(dek, recipientPub, testSalts.Wrap)
		require.NoError(t, err)

		got, err := UnwrapDEK(wrapped, recipientPriv, testSalts.Wrap)
		require.NoError(t, err)
		assert.Equal(t, dek.Slot, got.Slot)
		assert.Equal(t, dek.Raw, got.Raw)
	}
}

func TestWrapDEK_EphemeralKeyDiffersPerWrap(t *testing.T) {
	dek, err := testKeyring(t).DeriveDEK(Slot{Window: 7})
	require.NoError(t, err)
	_, recipientPub := testKeypair(t)

	a, err := WrapDEK(dek, recipientPub, testSalts.Wrap)
	require.NoError(t, err)
	b, err := WrapDEK(dek, recipientPub, testSalts.Wrap)
	require.NoError(t, err)

	assert.NotEqual(t, a[:KeySize], b[:KeySize])
}

func TestUnwrapDEK_OtherRecipientFails(t *testing.T) {
	dek, err := testKeyring(t).DeriveDEK(Slot{Window: 7})
	require.NoError(t, err)
	_, recipientPub := testKeypair(t)
	otherPriv, _ := testKeypair(t)

	wrapped, err := WrapDEK(dek, recipientPub, testSalts.Wrap)
	require.NoError(t, err)

	_, err = UnwrapDEK(wrapped, otherPriv, testSalts.Wrap)
	require.Error(t, err)
	assert.True(t, syncerr.IsCrypto(err))
}

func TestUnwrapDEK_WrongSaltFails(t *testing.T) {
	dek, err := testKeyring(t).DeriveDEK(Slot{Window: 7})
	require.NoError(t, err)
	priv, pub := testKeypair(t)

	wrapped, err := WrapDEK(dek, pub, testSalts.Wrap)
	require.NoError(t, err)

	_, err = UnwrapDEK(wrapped, priv, []byte("another-salt"))
	assert.True(t, syncerr.IsCrypto(err))
}

func TestUnwrapDEK_Truncated(t *testing.T) {
	priv, _ := testKeypair(t)
	_, err := UnwrapDEK(make([]byte, 10), priv, testSalts.Wrap)
	assert.True(t, syncerr.IsCrypto(err))
}

func TestDeriveDEK_Deterministic(t *testing.T) {
	kr := testKeyring(t)

	a, err := kr.DeriveDEK(Slot{Window: 5, Generation: 1})
	require.NoError(t, err)
	b, err := kr.DeriveDEK(Slot{Window: 5, Generation: 1})
	require.NoError(t, err)
	c, err := kr.DeriveDEK(Slot{Window: 5, Generation: 2})
	require.NoError(t, err)

	assert.Equal(t, a.Raw, b.Raw)
	assert.NotEqual(t, a.Raw, c.Raw)
	assert.Len(t, a.Raw, KeySize)
}

func TestDeriveDEK_NoMaster(t *testing.T) {
	_, err := NewKeyring(nil, testSalts).DeriveDEK(Slot{})
	assert.True(t, syncerr.IsCrypto(err))
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func TestRotator_RotatesOnMaxUses(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	r := NewRotator(testKeyring(t), time.Minute, 3, WithClock(clock.Now))

	var slots []Slot
	for i := 0; i < 7; i++ {
		dek, err := r.Next()
		require.NoError(t, err)
		slots = append(slots, dek.Slot)
	}

	assert.Equal(t, uint32(0), slots[0].Generation)
	assert.Equal(t, uint32(0), slots[2].Generation)
	assert.Equal(t, uint32(1), slots[3].Generation)
	assert.Equal(t, uint32(2), slots[6].Generation)
	assert.Equal(t, 1, r.Uses())
}

func TestRotator_RotatesOnTTL(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	r := NewRotator(testKeyring(t), time.Minute, 100, WithClock(clock.Now))

	first, err := r.Next()
	require.NoError(t, err)
	same, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, first.Slot, same.Slot)

	clock.t = clock.t.Add(time.Minute)
	next, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, first.Slot.Window+1, next.Slot.Window)
	assert.Equal(t, uint32(0), next.Slot.Generation)
	assert.NotEqual(t, first.Raw, next.Raw)
}

func TestNewRotator_Defaults(t *testing.T) {
	r := NewRotator(testKeyring(t), 0, 0)
	assert.Equal(t, DefaultDEKTTL, r.ttl)
	assert.Equal(t, DefaultDEKMaxUses, r.maxUses)
}

func TestNewRotator_SubMillisecondTTL(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	r := NewRotator(testKeyring(t), 500*time.Microsecond, 100, WithClock(clock.Now))
	assert.Equal(t, MinDEKTTL, r.ttl)

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), first.Slot.Window)

	clock.t = clock.t.Add(time.Millisecond)
	next, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, first.Slot.Window+1, next.Slot.Window)
}

func TestHashWithDomain_Separation(t *testing.T) {
	a := HashWithDomain("d", "ab", "c")
	b := HashWithDomain("d", "a", "bc")
	c := HashWithDomain("e", "ab", "c")

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashWithDomain("d", "ab", "c"))
}

func TestHMAC_KnownLength(t *testing.T) {
	assert.Len(t, HMAC([]byte("k"), []byte("m")), DigestSize)
	assert.Len(t, Hash([]byte("m")), DigestSize)
}
