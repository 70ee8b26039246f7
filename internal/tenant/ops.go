package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/eventvault/internal/backend"
	"github.com/roach88/eventvault/internal/pubsub"
	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/wire"
)

// Session is one connected device.
//
// Its channel delivers every batch stored by other sessions after the
// session was opened. Close releases the registration; the actor keeps no
// reference to a closed session.
//
// A delivery session (see Deliver) has no registration: it can push but
// neither pulls nor receives broadcasts.
type Session struct {
	actor  *Actor
	device string
	sub    *pubsub.Subscription[Batch]
	hello  wire.Hello
}

// Device returns the device id the session was opened for.
func (s *Session) Device() string { return s.device }

// Hello returns the vault's remote id and head at connect time.
func (s *Session) Hello() wire.Hello { return s.hello }

// Delivery reports whether the session was opened by Deliver.
func (s *Session) Delivery() bool { return s.sub == nil }

// C delivers broadcasts. It is closed when the session is closed, the
// actor stops, the vault is destroyed, or the session fell too far behind
// (see Overflowed). It is nil for a delivery session.
func (s *Session) C() <-chan Batch {
	if s.sub == nil {
		return nil
	}
	return s.sub.C()
}

// Overflowed reports whether the session was dropped for falling behind.
func (s *Session) Overflowed() bool { return s.sub != nil && s.sub.Overflowed() }

// Close releases the session.
func (s *Session) Close() {
	if s.sub != nil {
		s.sub.Close()
	}
}

// Push stores entries and broadcasts the new ones to every other session.
func (s *Session) Push(ctx context.Context, entries []wire.EncryptedEntry) (PushResult, error) {
	var sender uint64
	if s.sub != nil {
		sender = s.sub.ID()
	}
	return s.actor.push(ctx, sender, entries)
}

// Pull returns up to limit entries after since. more is set when the page
// was truncated.
func (s *Session) Pull(ctx context.Context, since int64, limit int) (entries []wire.EncryptedEntry, more bool, err error) {
	if s.Delivery() {
		return nil, false, syncerr.Unauthorized("a delivery session cannot read the vault")
	}
	return s.actor.pull(ctx, since, limit)
}

// Connect admits deviceID. The vault is created on first connection; the
// owner's vault limit and the vault's device limit are checked before
// anything is written. The returned session is registered for broadcasts
// before Connect returns, so a pull issued afterwards plus the live stream
// never miss an entry.
func (a *Actor) Connect(ctx context.Context, deviceID string) (*Session, error) {
	if deviceID == "" {
		return nil, syncerr.MissingFields("device")
	}
	var s *Session
	err := a.do(ctx, "connect", func(ctx context.Context) error {
		v, _, err := a.ensureVault(ctx, "")
		if err != nil {
			return err
		}
		if err := a.registerDevice(ctx, v, deviceID); err != nil {
			return err
		}
		s = &Session{
			actor:  a,
			device: deviceID,
			sub:    a.hub.Subscribe(),
			hello:  wire.Hello{RemoteID: v.RemoteID, Head: v.Head},
		}
		a.logger.Debug("session opened", "device", deviceID, "clients", a.hub.Len())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Deliver opens a delivery session for deviceID, a device of another user
// sharing entries into this vault. The vault must already exist. The device
// is not registered and does not count against the device limit.
func (a *Actor) Deliver(ctx context.Context, deviceID string) (*Session, error) {
	if deviceID == "" {
		return nil, syncerr.MissingFields("device")
	}
	var s *Session
	err := a.do(ctx, "deliver", func(ctx context.Context) error {
		v, err := a.loadVault(ctx)
		if errors.Is(err, backend.ErrNotFound) {
			return syncerr.NotFound("vault").WithClose(syncerr.CloseVaultRegistrationFailed)
		}
		if err != nil {
			return err
		}
		s = &Session{actor: a, device: deviceID, hello: wire.Hello{RemoteID: v.RemoteID, Head: v.Head}}
		a.logger.Debug("delivery session opened", "device", deviceID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func validatePush(entries []wire.EncryptedEntry) error {
	for _, e := range entries {
		var missing []string
		if len(e.EntryID) == 0 {
			missing = append(missing, "entryId")
		}
		if len(e.EncryptedEntry) == 0 {
			missing = append(missing, "encryptedEntry")
		}
		if len(e.EncryptedDEK) == 0 {
			missing = append(missing, "encryptedDek")
		}
		if len(missing) > 0 {
			return syncerr.MissingFields(missing...)
		}
	}
	return nil
}

func (a *Actor) push(ctx context.Context, sender uint64, entries []wire.EncryptedEntry) (PushResult, error) {
	if err := validatePush(entries); err != nil {
		return PushResult{}, err
	}
	var res PushResult
	err := a.do(ctx, "push", func(ctx context.Context) error {
		v, err := a.loadVault(ctx)
		if err != nil {
			return syncerr.Storage("storage check", err).WithClose(syncerr.CloseStorageCheckFailed)
		}
		if len(entries) == 0 {
			res.Head = v.Head
			return nil
		}

		var incoming int64
		for _, e := range entries {
			incoming += e.Size()
		}
		if limit := v.Limits.MaxStorageBytes; limit > 0 && v.UsedBytes+incoming > limit {
			return syncerr.Quota(syncerr.CloseStorageQuotaExceeded,
				fmt.Sprintf("storage limit of %d bytes reached (%d used)", limit, v.UsedBytes))
		}

		stored, head, err := a.store.Append(ctx, a.id, entries)
		if err != nil {
			a.vault = nil
			return normalize("append entries", err)
		}
		a.vault.Head = head
		for _, e := range stored {
			a.vault.UsedBytes += e.Size()
		}
		if len(stored) > 0 {
			n := a.hub.PublishExcept(Batch{RemoteID: v.RemoteID, Entries: stored}, sender)
			a.logger.Debug("entries stored", "stored", len(stored), "head", head, "delivered", n)
		}
		res = PushResult{Stored: stored, Head: head}
		return nil
	})
	return res, err
}

func (a *Actor) pull(ctx context.Context, since int64, limit int) ([]wire.EncryptedEntry, bool, error) {
	var (
		out  []wire.EncryptedEntry
		more bool
	)
	err := a.do(ctx, "pull", func(ctx context.Context) error {
		fetch := limit
		if fetch > 0 {
			fetch++
		}
		entries, err := a.store.EntriesSince(ctx, a.id, since, fetch)
		if err != nil {
			return normalize("read entries", err)
		}
		if limit > 0 && len(entries) > limit {
			entries, more = entries[:limit], true
		}
		out = entries
		return nil
	})
	return out, more, err
}

// Create creates the vault with note if it does not exist. An existing
// vault is returned unchanged.
func (a *Actor) Create(ctx context.Context, note string) (backend.VaultRecord, error) {
	var v backend.VaultRecord
	err := a.do(ctx, "create", func(ctx context.Context) error {
		var err error
		v, _, err = a.ensureVault(ctx, note)
		return err
	})
	return v, err
}

// Update sets the vault's note.
func (a *Actor) Update(ctx context.Context, note string) (backend.VaultRecord, error) {
	var v backend.VaultRecord
	err := a.do(ctx, "update", func(ctx context.Context) error {
		rec, err := a.store.UpdateNote(ctx, a.id, note)
		if err != nil {
			return normalize("update vault", err)
		}
		v = rec
		a.vault = &rec
		return nil
	})
	return v, err
}

// Destroy deletes the vault and everything in it. Live sessions are closed;
// the next connection creates a fresh vault with a new remote id.
func (a *Actor) Destroy(ctx context.Context) error {
	return a.do(ctx, "destroy", func(ctx context.Context) error {
		if err := a.store.DestroyVault(ctx, a.id); err != nil {
			return normalize("destroy vault", err)
		}
		a.vault = nil
		a.hub.Close()
		a.hub = pubsub.NewHub[Batch](broadcastBuffer)
		a.logger.Info("vault destroyed")
		return nil
	})
}

// SyncInfo returns the vault record and its registered devices.
func (a *Actor) SyncInfo(ctx context.Context) (Info, error) {
	var info Info
	err := a.do(ctx, "sync_info", func(ctx context.Context) error {
		v, err := a.loadVault(ctx)
		if err != nil {
			return err
		}
		devices, err := a.store.Devices(ctx, a.id)
		if err != nil {
			return normalize("list devices", err)
		}
		info = Info{Vault: v, Devices: devices}
		return nil
	})
	return info, err
}

// SyncStats returns log statistics and the number of connected sessions.
func (a *Actor) SyncStats(ctx context.Context) (SyncStats, error) {
	var st SyncStats
	err := a.do(ctx, "sync_stats", func(ctx context.Context) error {
		v, err := a.loadVault(ctx)
		if err != nil {
			return err
		}
		stats, err := a.store.Stats(ctx, a.id)
		if err != nil {
			return normalize("vault stats", err)
		}
		st = SyncStats{Stats: stats, MaxStorageBytes: v.Limits.MaxStorageBytes, Clients: a.hub.Len()}
		return nil
	})
	return st, err
}

// SyncClientCount returns the number of connected sessions.
func (a *Actor) SyncClientCount(ctx context.Context) (int, error) {
	var n int
	err := a.do(ctx, "sync_client_count", func(context.Context) error {
		n = a.hub.Len()
		return nil
	})
	return n, err
}
