package crypt

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/eventvault/internal/syncerr"
)

// Defaults for DEK rotation.
const (
	DefaultDEKTTL     = 15 * time.Minute
	DefaultDEKMaxUses = 100
)

// slotSize is the encoded length of a Slot.
const slotSize = 12

// Slot identifies one DEK: the TTL window it belongs to and the rotation
// generation within that window. Generation advances when a DEK exceeds
// its maximum use count before the window closes.
type Slot struct {
	Window     int64
	Generation uint32
}

// Bytes encodes the slot as Window (big-endian int64) || Generation (uint32).
func (s Slot) Bytes() []byte {
	b := make([]byte, slotSize)
	binary.BigEndian.PutUint64(b[:8], uint64(s.Window))
	binary.BigEndian.PutUint32(b[8:], s.Generation)
	return b
}

func parseSlot(b []byte) (Slot, error) {
	if len(b) != slotSize {
		return Slot{}, fmt.Errorf("slot must be %d bytes, got %d", slotSize, len(b))
	}
	return Slot{
		Window:     int64(binary.BigEndian.Uint64(b[:8])),
		Generation: binary.BigEndian.Uint32(b[8:]),
	}, nil
}

// DEK is a symmetric data encryption key bound to a slot.
type DEK struct {
	Slot Slot
	Raw  []byte
}

// Keyring derives DEKs from a master key and the configured salts.
type Keyring struct {
	master []byte
	salts  Salts
}

// NewKeyring creates a keyring. master is usually MasterKey(salts, identityPrivateKey).
func NewKeyring(master []byte, salts Salts) *Keyring {
	m := make([]byte, len(master))
	copy(m, master)
	return &Keyring{master: m, salts: salts}
}

// Salts returns the keyring's salts.
func (k *Keyring) Salts() Salts {
	return k.salts
}

// DeriveDEK derives the DEK for a slot: HMAC(master, dekSalt || slot).
// The same slot always yields the same key.
func (k *Keyring) DeriveDEK(slot Slot) (DEK, error) {
	if len(k.master) == 0 {
		return DEK{}, syncerr.Crypto("keyring has no master key", nil)
	}
	msg := make([]byte, 0, len(k.salts.DEK)+slotSize)
	msg = append(msg, k.salts.DEK...)
	msg = append(msg, slot.Bytes()...)
	return DEK{Slot: slot, Raw: HMAC(k.master, msg)}, nil
}

// Rotator hands out the DEK for new writes. A DEK is replaced once its
// TTL window ends or once it has been used maxUses times.
//
// Thread-safety: Rotator is safe for concurrent use.
type Rotator struct {
	keyring *Keyring
	ttl     time.Duration
	maxUses int
	now     func() time.Time

	mu      sync.Mutex
	current *DEK
	uses    int
}

// RotatorOption configures a Rotator.
type RotatorOption func(*Rotator)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) RotatorOption {
	return func(r *Rotator) {
		r.now = now
	}
}

// MinDEKTTL is the shortest rotation window. Windows are counted in
// milliseconds.
const MinDEKTTL = time.Millisecond

// NewRotator creates a Rotator. Non-positive ttl or maxUses fall back to
// DefaultDEKTTL and DefaultDEKMaxUses; a positive ttl under MinDEKTTL is
// raised to it.
func NewRotator(k *Keyring, ttl time.Duration, maxUses int, opts ...RotatorOption) *Rotator {
	switch {
	case ttl <= 0:
		ttl = DefaultDEKTTL
	case ttl < MinDEKTTL:
		ttl = MinDEKTTL
	}
	if maxUses <= 0 {
		maxUses = DefaultDEKMaxUses
	}
	r := &Rotator{keyring: k, ttl: ttl, maxUses: maxUses, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Next returns the DEK for one write and counts the use.
func (r *Rotator) Next() (DEK, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	window := r.now().UnixMilli() / r.ttl.Milliseconds()

	switch {
	case r.current == nil || r.current.Slot.Window != window:
		if err := r.rotateLocked(Slot{Window: window}); err != nil {
			return DEK{}, err
		}
	case r.uses >= r.maxUses:
		next := r.current.Slot
		next.Generation++
		if err := r.rotateLocked(next); err != nil {
			return DEK{}, err
		}
	}

	r.uses++
	return *r.current, nil
}

// Uses returns how many times the current DEK has been handed out.
func (r *Rotator) Uses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uses
}

func (r *Rotator) rotateLocked(slot Slot) error {
	dek, err := r.keyring.DeriveDEK(slot)
	if err != nil {
		return err
	}
	r.current = &dek
	r.uses = 0
	return nil
}
