package tenant

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/eventvault/internal/syncerr"
)

// DefaultIdleTimeout is how long an unreferenced actor stays alive.
const DefaultIdleTimeout = 5 * time.Minute

// Host keeps at most one running actor per tenant id.
//
// Thread-safety: safe for concurrent use.
type Host struct {
	store   Storage
	actOpts []Option
	idle    time.Duration
	now     func() time.Time
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[string]*hosted
	closed bool
}

type hosted struct {
	actor    *Actor
	refs     int
	lastUsed time.Time
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithActorOptions sets the options every hosted actor is created with.
func WithActorOptions(opts ...Option) HostOption {
	return func(h *Host) { h.actOpts = append(h.actOpts, opts...) }
}

// WithIdleTimeout sets how long an actor with no handles survives a sweep.
func WithIdleTimeout(d time.Duration) HostOption {
	return func(h *Host) { h.idle = d }
}

// WithHostClock overrides the clock used for idle accounting.
func WithHostClock(now func() time.Time) HostOption {
	return func(h *Host) { h.now = now }
}

// WithHostLogger sets the logger.
func WithHostLogger(l *slog.Logger) HostOption {
	return func(h *Host) { h.logger = l }
}

// NewHost returns a host whose actors share store.
func NewHost(store Storage, opts ...HostOption) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		store:  store,
		idle:   DefaultIdleTimeout,
		now:    time.Now,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		actors: make(map[string]*hosted),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.actOpts = append([]Option{WithLogger(h.logger)}, h.actOpts...)
	return h
}

// Handle is a reference to a hosted actor. Release it when done.
type Handle struct {
	host  *Host
	entry *hosted
	once  sync.Once
}

// Actor returns the referenced actor.
func (hd *Handle) Actor() *Actor { return hd.entry.actor }

// Release drops the reference. Safe to call more than once.
func (hd *Handle) Release() {
	hd.once.Do(func() {
		h := hd.host
		h.mu.Lock()
		defer h.mu.Unlock()
		hd.entry.refs--
		hd.entry.lastUsed = h.now()
	})
}

// Acquire returns a handle on the actor for key, starting it if needed.
func (h *Host) Acquire(key Key) (*Handle, error) {
	id := key.ID()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errStopped
	}

	e, ok := h.actors[id]
	if ok && isDone(e.actor) {
		delete(h.actors, id)
		ok = false
	}
	if !ok {
		e = &hosted{actor: New(key, h.store, h.actOpts...)}
		h.actors[id] = e
		h.wg.Add(1)
		go func(a *Actor) {
			defer h.wg.Done()
			if err := a.Run(h.ctx); err != nil && h.ctx.Err() == nil {
				h.logger.Warn("tenant actor exited", "tenant", a.ID()[:12], "error", err)
			}
		}(e.actor)
	}
	e.refs++
	e.lastUsed = h.now()
	return &Handle{host: h, entry: e}, nil
}

// RecipientKey resolves the tenant that receives entries userID shares
// with the vault publicKey. userID's own tenant for the key is preferred;
// otherwise the key's oldest vault of any user. A key no one has connected
// with yet has no tenant and gets a not-found error.
func (h *Host) RecipientKey(ctx context.Context, namespace, publicKey, userID string) (Key, error) {
	vaults, err := h.store.FindVaults(ctx, namespace, publicKey)
	if err != nil {
		return Key{}, normalize("find vaults", err)
	}
	if len(vaults) == 0 {
		return Key{}, syncerr.NotFound("recipient vault").WithClose(syncerr.CloseVaultRegistrationFailed)
	}
	owner := vaults[0].UserID
	for _, v := range vaults {
		if v.UserID == userID {
			owner = userID
			break
		}
	}
	return Key{Namespace: namespace, PublicKey: publicKey, UserID: owner}, nil
}

// Sweep stops actors that have no handles and have been idle for at least
// the idle timeout. It returns how many were stopped.
func (h *Host) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	stopped := 0
	for id, e := range h.actors {
		if e.refs > 0 {
			continue
		}
		if now.Sub(e.lastUsed) < h.idle && !isDone(e.actor) {
			continue
		}
		e.actor.Stop()
		delete(h.actors, id)
		stopped++
	}
	if stopped > 0 {
		h.logger.Debug("idle tenants stopped", "count", stopped, "remaining", len(h.actors))
	}
	return stopped
}

// Run sweeps every interval until ctx is done.
func (h *Host) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.Sweep()
		}
	}
}

// Len returns the number of hosted actors.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.actors)
}

// Close stops every actor and waits for them to exit.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, e := range h.actors {
		e.actor.Stop()
	}
	h.actors = make(map[string]*hosted)
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

func isDone(a *Actor) bool {
	select {
	case <-a.Done():
		return true
	default:
		return false
	}
}
