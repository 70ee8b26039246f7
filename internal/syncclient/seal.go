package syncclient

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/eventvault/internal/crypt"
	"github.com/roach88/eventvault/internal/journal"
	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/wire"
)

// sealer encrypts journal entries for vaults and opens entries received
// from the device's own vault.
type sealer struct {
	rotator    *crypt.Rotator
	salts      crypt.Salts
	privateKey []byte
}

// seal encrypts e once under the current DEK and wraps that DEK for every
// recipient vault concurrently. The result is keyed by recipient.
func (s *sealer) seal(ctx context.Context, e journal.Entry, recipients []string) (map[string]wire.EncryptedEntry, error) {
	dek, err := s.rotator.Next()
	if err != nil {
		return nil, err
	}
	iv, err := crypt.NewIV()
	if err != nil {
		return nil, err
	}
	plaintext, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, syncerr.Parse("encode entry", err)
	}
	ciphertext, err := crypt.EncryptPayload(dek.Raw, iv, plaintext)
	if err != nil {
		return nil, err
	}

	wrapped := make([][]byte, len(recipients))
	g, _ := errgroup.WithContext(ctx)
	for i, r := range recipients {
		g.Go(func() error {
			pub, err := hex.DecodeString(r)
			if err != nil {
				return syncerr.Crypto(fmt.Sprintf("recipient %q is not a hex public key", r), err)
			}
			w, err := crypt.WrapDEK(dek, pub, s.salts.Wrap)
			if err != nil {
				return err
			}
			wrapped[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	id := e.ID
	out := make(map[string]wire.EncryptedEntry, len(recipients))
	for i, r := range recipients {
		out[r] = wire.EncryptedEntry{
			IV:             iv,
			EntryID:        id[:],
			EncryptedEntry: ciphertext,
			EncryptedDEK:   wrapped[i],
		}
	}
	return out, nil
}

// open decrypts one entry. Any failure is a crypto error for this entry
// only.
func (s *sealer) open(e wire.EncryptedEntry) (journal.RemoteEntry, error) {
	dek, err := crypt.UnwrapDEK(e.EncryptedDEK, s.privateKey, s.salts.Wrap)
	if err != nil {
		return journal.RemoteEntry{}, err
	}
	plaintext, err := crypt.DecryptPayload(dek.Raw, e.IV, e.EncryptedEntry)
	if err != nil {
		return journal.RemoteEntry{}, err
	}
	var entry journal.Entry
	if err := msgpack.Unmarshal(plaintext, &entry); err != nil {
		return journal.RemoteEntry{}, syncerr.Crypto("decode decrypted entry", err)
	}
	id, err := uuid.FromBytes(e.EntryID)
	if err != nil || id != entry.ID {
		return journal.RemoteEntry{}, syncerr.Crypto("entry id does not match its payload", err)
	}
	return journal.RemoteEntry{Entry: entry, RemoteSeq: e.Sequence}, nil
}
