package identity

import "time"

// KeyRecord is the registry metadata for one vault public key.
type KeyRecord struct {
	PublicKey       string    `json:"publicKey"`
	Note            string    `json:"note"`
	Synced          bool      `json:"synced"`
	LastSyncedAt    time.Time `json:"lastSyncedAt"`
	SyncCount       int64     `json:"syncCount"`
	UsedStorageSize int64     `json:"usedStorageSize"`
	MaxStorageSize  int64     `json:"maxStorageSize"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// KeyPatch is a partial update. Nil fields keep the prior value, or the zero
// value for a new record.
type KeyPatch struct {
	Note            *string
	Synced          *bool
	LastSyncedAt    *time.Time
	SyncCount       *int64
	UsedStorageSize *int64
	MaxStorageSize  *int64
}

func newKeyRecord(publicKey string, patch KeyPatch, now time.Time) KeyRecord {
	rec := KeyRecord{PublicKey: publicKey, CreatedAt: now}
	return rec.merge(patch, now)
}

func (r KeyRecord) merge(p KeyPatch, now time.Time) KeyRecord {
	if p.Note != nil {
		r.Note = *p.Note
	}
	if p.Synced != nil {
		r.Synced = *p.Synced
	}
	if p.LastSyncedAt != nil {
		r.LastSyncedAt = *p.LastSyncedAt
	}
	if p.SyncCount != nil {
		r.SyncCount = *p.SyncCount
	}
	if p.UsedStorageSize != nil {
		r.UsedStorageSize = *p.UsedStorageSize
	}
	if p.MaxStorageSize != nil {
		r.MaxStorageSize = *p.MaxStorageSize
	}
	r.UpdatedAt = now
	return r
}
