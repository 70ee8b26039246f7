package syncclient

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventvault/internal/crypt"
	"github.com/roach88/eventvault/internal/journal"
	"github.com/roach88/eventvault/internal/syncerr"
)

func newSealer(t *testing.T, priv []byte) *sealer {
	t.Helper()
	k := crypt.NewKeyring(crypt.MasterKey(testSalts, priv), testSalts)
	return &sealer{
		rotator:    crypt.NewRotator(k, time.Hour, 10),
		salts:      testSalts,
		privateKey: priv,
	}
}

func TestSeal_OneCiphertextManyRecipients(t *testing.T) {
	alice := deriveIdentity(t, testPhrase)
	bob := deriveIdentity(t, "zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo wrong")
	s := newSealer(t, alice.PrivateKey[:])

	e := journal.Entry{ID: uuid.Must(uuid.NewV7()), EventTag: "note-created", PrimaryKey: "abc", Payload: []byte(`{"id":"abc"}`)}
	out, err := s.seal(context.Background(), e, []string{alice.PublicKeyHex(), bob.PublicKeyHex()})
	require.NoError(t, err)
	require.Len(t, out, 2)

	a, b := out[alice.PublicKeyHex()], out[bob.PublicKeyHex()]
	assert.Equal(t, a.EncryptedEntry, b.EncryptedEntry, "payload sealed once")
	assert.Equal(t, a.IV, b.IV)
	assert.NotEqual(t, a.EncryptedDEK, b.EncryptedDEK)
	assert.Equal(t, e.ID[:], a.EntryID)
	assert.Zero(t, a.Sequence)

	a.Sequence = 7
	got, err := s.open(a)
	require.NoError(t, err)
	assert.Equal(t, e, got.Entry)
	assert.Equal(t, int64(7), got.RemoteSeq)

	got, err = newSealer(t, bob.PrivateKey[:]).open(b)
	require.NoError(t, err)
	assert.Equal(t, e, got.Entry)
}

func TestOpen_WrongRecipient(t *testing.T) {
	alice := deriveIdentity(t, testPhrase)
	bob := deriveIdentity(t, "zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo wrong")
	s := newSealer(t, alice.PrivateKey[:])

	e := journal.Entry{ID: uuid.Must(uuid.NewV7()), EventTag: "t", PrimaryKey: "k", Payload: []byte("x")}
	out, err := s.seal(context.Background(), e, []string{alice.PublicKeyHex()})
	require.NoError(t, err)

	_, err = newSealer(t, bob.PrivateKey[:]).open(out[alice.PublicKeyHex()])
	assert.True(t, syncerr.IsCrypto(err))
}

func TestOpen_MismatchedEntryID(t *testing.T) {
	alice := deriveIdentity(t, testPhrase)
	s := newSealer(t, alice.PrivateKey[:])

	e := journal.Entry{ID: uuid.Must(uuid.NewV7()), EventTag: "t", PrimaryKey: "k", Payload: []byte("x")}
	out, err := s.seal(context.Background(), e, []string{alice.PublicKeyHex()})
	require.NoError(t, err)

	sealed := out[alice.PublicKeyHex()]
	other := uuid.Must(uuid.NewV7())
	sealed.EntryID = other[:]
	_, err = s.open(sealed)
	assert.True(t, syncerr.IsCrypto(err))
}

func TestSeal_BadRecipient(t *testing.T) {
	alice := deriveIdentity(t, testPhrase)
	s := newSealer(t, alice.PrivateKey[:])
	e := journal.Entry{ID: uuid.Must(uuid.NewV7()), EventTag: "t", PrimaryKey: "k"}

	_, err := s.seal(context.Background(), e, []string{"not-hex"})
	assert.True(t, syncerr.IsCrypto(err))
}
