// Package tenant owns the server side of one replicated log.
//
// An Actor is the single writer for a tenant. Every sequence assignment,
// quota check and lifecycle change for that tenant runs on the actor's Run
// goroutine, in mailbox order, so the log has a strict total order with no
// interleaving. Connected devices hold a Session: a registration on the
// actor's broadcast hub plus the calls that go through the mailbox.
//
// A Host keeps one actor per tenant id, hands out reference-counted
// handles, and stops actors that have been idle for longer than its idle
// timeout.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/eventvault/internal/backend"
	"github.com/roach88/eventvault/internal/crypt"
	"github.com/roach88/eventvault/internal/pubsub"
	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/wire"
)

// tenantDomain separates tenant ids from every other hash in the system.
const tenantDomain = "eventvault/tenant/v1"

// broadcastBuffer is how many batches a slow session may fall behind
// before it is dropped and has to catch up with a pull.
const broadcastBuffer = 128

// DefaultLimits apply to vaults created without explicit limits.
var DefaultLimits = backend.Limits{
	MaxDevices:      5,
	MaxVaults:       3,
	MaxStorageBytes: 100 << 20,
}

// Key identifies a tenant.
type Key struct {
	Namespace string
	PublicKey string
	UserID    string
}

// ID returns the tenant id for k.
func (k Key) ID() string {
	return crypt.HashWithDomain(tenantDomain, k.Namespace, k.PublicKey, k.UserID)
}

// Storage is the durable backend an actor delegates to. *backend.Store
// implements it.
type Storage interface {
	CreateVault(ctx context.Context, v backend.VaultRecord) (backend.VaultRecord, bool, error)
	GetVault(ctx context.Context, tenantID string) (backend.VaultRecord, error)
	FindVaults(ctx context.Context, namespace, publicKey string) ([]backend.VaultRecord, error)
	UpdateNote(ctx context.Context, tenantID, note string) (backend.VaultRecord, error)
	DestroyVault(ctx context.Context, tenantID string) error
	CountVaults(ctx context.Context, userID string) (int, error)
	HasDevice(ctx context.Context, tenantID, deviceID string) (bool, error)
	CountDevices(ctx context.Context, tenantID string) (int, error)
	TouchDevice(ctx context.Context, tenantID, deviceID string) error
	Devices(ctx context.Context, tenantID string) ([]string, error)
	Append(ctx context.Context, tenantID string, entries []wire.EncryptedEntry) ([]wire.EncryptedEntry, int64, error)
	EntriesSince(ctx context.Context, tenantID string, since int64, limit int) ([]wire.EncryptedEntry, error)
	Stats(ctx context.Context, tenantID string) (backend.Stats, error)
}

// Batch is one broadcast: the entries stored by a single push.
type Batch struct {
	RemoteID string
	Entries  []wire.EncryptedEntry
}

// Info is the answer to SyncInfo.
type Info struct {
	Vault   backend.VaultRecord `json:"vault"`
	Devices []string            `json:"devices"`
}

// SyncStats is the answer to SyncStats.
type SyncStats struct {
	backend.Stats
	MaxStorageBytes int64 `json:"maxStorageBytes"`
	Clients         int   `json:"clients"`
}

// PushResult is the outcome of a push.
type PushResult struct {
	Stored []wire.EncryptedEntry
	Head   int64
}

// errStopped is returned for calls on an actor whose loop has exited.
var errStopped = syncerr.Transient("tenant actor stopped", nil)

// Actor is the single-threaded owner of one tenant.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - every other method: safe from any goroutine; work is queued to Run
type Actor struct {
	key   Key
	id    string
	store Storage

	limits   backend.Limits
	remoteID func() string
	tracer   trace.Tracer
	logger   *slog.Logger

	mailbox *mailbox
	hub     *pubsub.Hub[Batch] // replaced on Destroy; touched only by Run
	done    chan struct{}

	// vault caches the backend record once it exists. Owned by Run.
	vault *backend.VaultRecord
}

// Option configures an Actor.
type Option func(*Actor)

// WithLimits sets the limits of vaults created by the actor.
func WithLimits(l backend.Limits) Option {
	return func(a *Actor) { a.limits = l }
}

// WithTracerProvider sets where spans go. Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Actor) { a.tracer = tp.Tracer("github.com/roach88/eventvault/internal/tenant") }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Actor) { a.logger = l }
}

// WithRemoteIDs overrides how remote ids are minted.
func WithRemoteIDs(gen func() string) Option {
	return func(a *Actor) { a.remoteID = gen }
}

// New creates an actor for key. Call Run to start it.
func New(key Key, store Storage, opts ...Option) *Actor {
	a := &Actor{
		key:      key,
		id:       key.ID(),
		store:    store,
		limits:   DefaultLimits,
		remoteID: func() string { return uuid.Must(uuid.NewV7()).String() },
		tracer:   otel.Tracer("github.com/roach88/eventvault/internal/tenant"),
		logger:   slog.Default(),
		mailbox:  newMailbox(),
		hub:      pubsub.NewHub[Batch](broadcastBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("tenant", a.id[:12])
	return a
}

// ID returns the tenant id.
func (a *Actor) ID() string { return a.id }

// Run processes requests until ctx is cancelled or Stop is called. Queued
// requests are drained before Run returns; live sessions are closed.
func (a *Actor) Run(ctx context.Context) error {
	defer close(a.done)
	defer func() { a.hub.Close() }()
	a.logger.Debug("tenant actor starting")

	for {
		if r, ok := a.mailbox.TryDequeue(); ok {
			a.process(r)
			continue
		}
		select {
		case <-ctx.Done():
			a.mailbox.Close()
			a.drain()
			a.logger.Debug("tenant actor stopping: context cancelled")
			return ctx.Err()
		case <-a.mailbox.Wait():
			// A stale signal can fire on an empty, open mailbox.
			if a.mailbox.Len() == 0 && a.mailbox.Closed() {
				a.logger.Debug("tenant actor stopping: mailbox closed")
				return nil
			}
		}
	}
}

// drain fails whatever is still queued after the loop decided to stop.
func (a *Actor) drain() {
	for {
		r, ok := a.mailbox.TryDequeue()
		if !ok {
			return
		}
		r.done <- errStopped
	}
}

// Stop closes the mailbox; Run returns once queued requests are handled.
func (a *Actor) Stop() {
	a.mailbox.Close()
}

// Done is closed when Run has returned.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// process runs one request inside a span.
func (a *Actor) process(r request) {
	if err := r.ctx.Err(); err != nil {
		r.done <- err
		return
	}
	ctx, span := a.tracer.Start(r.ctx, "tenant."+r.op,
		trace.WithAttributes(attribute.String("tenant.id", a.id)))
	err := r.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Debug("tenant request failed", "op", r.op, "error", err)
	}
	span.End()
	r.done <- err
}

// do queues fn and waits for it to run.
func (a *Actor) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	if !a.mailbox.Enqueue(request{op: op, ctx: ctx, run: fn, done: done}) {
		return errStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// normalize maps backend failures onto the sync error taxonomy.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *syncerr.Error
	if errors.As(err, &se) || errors.Is(err, backend.ErrNotFound) {
		return err
	}
	return syncerr.Storage(op, err)
}

// loadVault returns the cached vault record, reading it on first use.
// Called only from Run.
func (a *Actor) loadVault(ctx context.Context) (backend.VaultRecord, error) {
	if a.vault != nil {
		return *a.vault, nil
	}
	v, err := a.store.GetVault(ctx, a.id)
	if err != nil {
		return backend.VaultRecord{}, normalize("get vault", err)
	}
	a.vault = &v
	return v, nil
}

// ensureVault returns the vault, creating it when it does not exist yet.
// Creation counts against the owner's vault limit. Called only from Run.
func (a *Actor) ensureVault(ctx context.Context, note string) (backend.VaultRecord, bool, error) {
	v, err := a.loadVault(ctx)
	if err == nil {
		return v, false, nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		return backend.VaultRecord{}, false, err
	}

	owned, err := a.store.CountVaults(ctx, a.key.UserID)
	if err != nil {
		return backend.VaultRecord{}, false, syncerr.Storage("count vaults", err).WithClose(syncerr.CloseVaultRegistrationFailed)
	}
	if a.limits.MaxVaults > 0 && owned >= a.limits.MaxVaults {
		return backend.VaultRecord{}, false, syncerr.Quota(syncerr.CloseMaxVaultsReached,
			fmt.Sprintf("vault limit of %d reached", a.limits.MaxVaults))
	}

	v, created, err := a.store.CreateVault(ctx, backend.VaultRecord{
		TenantID:  a.id,
		Namespace: a.key.Namespace,
		UserID:    a.key.UserID,
		PublicKey: a.key.PublicKey,
		RemoteID:  a.remoteID(),
		Note:      note,
		Limits:    a.limits,
	})
	if err != nil {
		return backend.VaultRecord{}, false, syncerr.Storage("create vault", err).WithClose(syncerr.CloseVaultRegistrationFailed)
	}
	a.vault = &v
	if created {
		a.logger.Info("vault created", "remote_id", v.RemoteID)
	}
	return v, created, nil
}

// registerDevice admits deviceID, enforcing the device limit. A refused
// device leaves no trace in storage. Called only from Run.
func (a *Actor) registerDevice(ctx context.Context, v backend.VaultRecord, deviceID string) error {
	known, err := a.store.HasDevice(ctx, a.id, deviceID)
	if err != nil {
		return syncerr.Storage("lookup device", err).WithClose(syncerr.CloseDeviceRegistrationFailed)
	}
	if !known && v.Limits.MaxDevices > 0 {
		n, err := a.store.CountDevices(ctx, a.id)
		if err != nil {
			return syncerr.Storage("count devices", err).WithClose(syncerr.CloseDeviceRegistrationFailed)
		}
		if n >= v.Limits.MaxDevices {
			return syncerr.Quota(syncerr.CloseMaxDevicesReached,
				fmt.Sprintf("device limit of %d reached", v.Limits.MaxDevices))
		}
	}
	if err := a.store.TouchDevice(ctx, a.id, deviceID); err != nil {
		return syncerr.Storage("register device", err).WithClose(syncerr.CloseDeviceRegistrationFailed)
	}
	return nil
}
