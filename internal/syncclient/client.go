// Package syncclient replicates the local journal with vaults on a sync
// server.
//
// A Client links to the device's own vault and to every other recipient
// vault. Local rows are pushed to each vault they are pending for, sealed
// once under the current DEK with the DEK wrapped per recipient. Entries
// from the own vault are pulled from the stored cursor, decrypted, applied
// to the catalog and imported; the cursor advances only after that
// succeeds, so delivery is at least once and replays are idempotent.
//
// Non-normal closes are classified by close code: fatal codes stop the
// client, transient ones reconnect with backoff.
package syncclient

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/eventvault/internal/catalog"
	"github.com/roach88/eventvault/internal/crypt"
	"github.com/roach88/eventvault/internal/journal"
	"github.com/roach88/eventvault/internal/pubsub"
	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/wire"
)

// Defaults for Config.
const (
	DefaultWriteBatchInterval = 500 * time.Millisecond
	DefaultPushBatch          = 100
	DefaultPullLimit          = 500
)

// errGap reports a broadcast that does not continue the cursor.
var errGap = errors.New("broadcast does not continue the cursor")

// Keys gives access to the device identity. *identity.Manager implements it.
type Keys interface {
	PublicKey() ([]byte, error)
	PrivateKey() ([]byte, error)
}

// Config configures a Client.
type Config struct {
	URL       string
	Namespace string
	Device    string
	Token     string

	Salts      crypt.Salts
	DEKTTL     time.Duration
	DEKMaxUses int

	// WriteBatchInterval is how long local appends are collected before
	// they are pushed.
	WriteBatchInterval time.Duration
	PushBatch          int
	PullLimit          int
	Retry              RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.WriteBatchInterval <= 0 {
		c.WriteBatchInterval = DefaultWriteBatchInterval
	}
	if c.PushBatch <= 0 {
		c.PushBatch = DefaultPushBatch
	}
	if c.PullLimit <= 0 {
		c.PullLimit = DefaultPullLimit
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	c.Retry = normalizeRetryPolicy(c.Retry)
	return c
}

// Client syncs one device.
//
// Thread-safety: Run and SyncOnce must not run concurrently; every other
// method is safe from any goroutine.
type Client struct {
	cfg        Config
	journal    *journal.Journal
	catalog    *catalog.Catalog
	own        string
	recipients func() []string
	sealer     *sealer
	dialer     *websocket.Dialer
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	hub     *pubsub.Hub[Status]
	trigger chan struct{}

	mu     sync.Mutex
	status Status
}

// Option configures a Client.
type Option func(*Client)

// WithRecipients sets the vault public keys (hex) entries are shared with.
// The device's own vault is always included.
func WithRecipients(fn func() []string) Option {
	return func(c *Client) { c.recipients = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// New creates a client for the identity behind keys. cat may be nil, in
// which case pulled entries are imported without being applied.
func New(cfg Config, j *journal.Journal, cat *catalog.Catalog, keys Keys, opts ...Option) (*Client, error) {
	var missing []string
	if cfg.URL == "" {
		missing = append(missing, "url")
	}
	if cfg.Namespace == "" {
		missing = append(missing, "namespace")
	}
	if cfg.Device == "" {
		missing = append(missing, "device")
	}
	if len(missing) > 0 {
		return nil, syncerr.MissingFields(missing...)
	}
	cfg = cfg.withDefaults()

	pub, err := keys.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("sync client: %w", err)
	}
	priv, err := keys.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("sync client: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		journal: j,
		catalog: cat,
		own:     hex.EncodeToString(pub),
		dialer:  websocket.DefaultDialer,
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   sleepCtx,
		hub:     pubsub.NewHub[Status](pubsub.DefaultBuffer),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	keyring := crypt.NewKeyring(crypt.MasterKey(cfg.Salts, priv), cfg.Salts)
	c.sealer = &sealer{
		rotator:    crypt.NewRotator(keyring, cfg.DEKTTL, cfg.DEKMaxUses, crypt.WithClock(c.now)),
		salts:      cfg.Salts,
		privateKey: priv,
	}
	c.status = Status{State: Disconnected, At: c.now()}
	return c, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Vault returns the device's own vault public key.
func (c *Client) Vault() string { return c.own }

// Status returns the current status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Statuses subscribes to status changes.
func (c *Client) Statuses() *pubsub.Subscription[Status] {
	return c.hub.Subscribe()
}

// Trigger asks a running client for a full sync cycle.
func (c *Client) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Close ends every status subscription.
func (c *Client) Close() {
	c.hub.Close()
}

func (c *Client) update(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	c.status.At = c.now()
	st := c.status
	c.status.Event = ""
	c.mu.Unlock()
	c.hub.Publish(st)
}

func (c *Client) setState(s State, err error) {
	c.update(func(st *Status) {
		st.State = s
		st.Err = err
	})
}

// vaults lists the own vault first, then the other recipients.
func (c *Client) vaults() []string {
	out := []string{c.own}
	if c.recipients == nil {
		return out
	}
	for _, v := range c.recipients() {
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// Run keeps the device in sync until ctx is done or a fatal close.
//
// It returns nil when ctx is cancelled or the server closes normally, and
// the fatal error otherwise.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		c.setState(Connecting, nil)
		links, err := c.connect(ctx)
		if err == nil {
			attempt = 0
			err = c.session(ctx, links)
			closeLinks(links)
		}

		switch {
		case ctx.Err() != nil:
			c.setState(Disconnected, nil)
			return nil
		case closedNormally(err):
			c.logger.Info("server closed the connection", "vault", short(c.own))
			c.setState(Disconnected, nil)
			return nil
		case !Retryable(err):
			c.logger.Error("sync stopped", "error", err)
			c.fail(err)
			c.setState(Disconnected, err)
			return err
		}

		attempt++
		delay := c.cfg.Retry.Backoff(attempt, err)
		c.logger.Warn("sync disconnected", "error", err, "retry_in", delay, "attempt", attempt)
		c.fail(err)
		c.setState(Disconnected, err)
		if c.sleep(ctx, delay) != nil {
			return nil
		}
	}
}

// SyncOnce connects, runs one push and pull cycle and disconnects.
func (c *Client) SyncOnce(ctx context.Context) error {
	c.setState(Connecting, nil)
	links, err := c.connect(ctx)
	if err != nil {
		c.fail(err)
		c.setState(Disconnected, err)
		return err
	}
	defer func() {
		closeLinks(links)
		c.setState(Disconnected, nil)
	}()
	return c.cycle(ctx, links)
}

func (c *Client) fail(err error) {
	c.update(func(st *Status) {
		st.Err = err
		st.Event = journal.SyncFailure
	})
}

func closeLinks(links map[string]*link) {
	for _, l := range links {
		l.close()
	}
}

// connect links to every vault. The own vault must connect; a recipient
// that refuses the connection is skipped until the next reconnect.
func (c *Client) connect(ctx context.Context) (map[string]*link, error) {
	links := make(map[string]*link)
	for _, v := range c.vaults() {
		l, err := c.dialVault(ctx, v)
		if err != nil {
			if v == c.own {
				closeLinks(links)
				return nil, err
			}
			c.logger.Warn("recipient vault unavailable", "vault", short(v), "error", err)
			continue
		}
		links[v] = l
	}
	c.update(func(st *Status) { st.Vaults = len(links) })
	return links, nil
}

func (c *Client) dialVault(ctx context.Context, vault string) (*link, error) {
	u, err := syncURL(c.cfg.URL, c.cfg.Namespace, vault, c.cfg.Device, c.cfg.Token, vault != c.own)
	if err != nil {
		return nil, err
	}
	l, err := dial(ctx, c.dialer, u, vault, c.logger)
	if err != nil {
		return nil, err
	}
	if _, err := c.journal.BindRemote(ctx, vault, l.hello.RemoteID); err != nil {
		l.close()
		return nil, err
	}
	c.logger.Debug("vault linked", "vault", short(vault), "remote_id", l.hello.RemoteID, "head", l.hello.Head)
	return l, nil
}

// session serves live links until one of them, or the local change
// stream, fails.
func (c *Client) session(ctx context.Context, links map[string]*link) error {
	own := links[c.own]
	failed := make(chan *link, len(links))
	for _, l := range links {
		go func(l *link) {
			<-l.done
			failed <- l
		}(l)
	}

	stats, err := c.journal.StorageStats(ctx)
	if err != nil {
		return err
	}
	changes := c.journal.Changes(ctx, stats.LastSeq)
	defer changes.Close()

	c.setState(Connected, nil)
	if err := c.cycle(ctx, links); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.WriteBatchInterval)
	defer ticker.Stop()
	dirty := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case l := <-failed:
			if l == own {
				return l.Err()
			}
			c.logger.Warn("recipient vault disconnected", "vault", short(l.vault), "error", l.Err())
			delete(links, l.vault)
			c.update(func(st *Status) { st.Vaults = len(links) })

		case r, ok := <-changes.C():
			if !ok {
				if err := changes.Err(); err != nil {
					return err
				}
				return ctx.Err()
			}
			if r.Origin == "" {
				dirty = true
			}

		case batch := <-own.live:
			if err := c.applyLive(ctx, own, batch); err != nil {
				return err
			}

		case <-ticker.C:
			if own.lost.Swap(false) {
				if err := c.pull(ctx, own); err != nil {
					return err
				}
			}
			if dirty {
				dirty = false
				if err := c.cycle(ctx, links); err != nil {
					return err
				}
			}

		case <-c.trigger:
			dirty = false
			if err := c.cycle(ctx, links); err != nil {
				return err
			}
		}
	}
}

// cycle pushes pending rows to every linked vault, then pulls the own vault.
func (c *Client) cycle(ctx context.Context, links map[string]*link) error {
	c.setState(Syncing, nil)
	err := c.push(ctx, links)
	if err == nil {
		err = c.pull(ctx, links[c.own])
	}
	if err != nil {
		return err
	}
	now := c.now()
	c.update(func(st *Status) {
		st.State = Connected
		st.Err = nil
		st.Event = journal.SyncSuccess
		st.LastSyncAt = now
	})
	return nil
}

// push sends pending rows until no linked vault has any left.
func (c *Client) push(ctx context.Context, links map[string]*link) error {
	for {
		pending := make(map[string][]journal.Record, len(links))
		bySeq := make(map[int64]journal.Record)
		recipients := make(map[int64][]string)
		more := false
		for v := range links {
			recs, err := c.journal.PendingFor(ctx, v, c.cfg.PushBatch)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				continue
			}
			more = more || len(recs) == c.cfg.PushBatch
			pending[v] = recs
			for _, r := range recs {
				bySeq[r.Seq] = r
				recipients[r.Seq] = append(recipients[r.Seq], v)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		sealed := make(map[int64]map[string]wire.EncryptedEntry, len(bySeq))
		for seq, r := range bySeq {
			out, err := c.sealer.seal(ctx, r.Entry, recipients[seq])
			if err != nil {
				return err
			}
			sealed[seq] = out
		}

		g, gctx := errgroup.WithContext(ctx)
		for v, recs := range pending {
			entries := make([]wire.EncryptedEntry, len(recs))
			for i, r := range recs {
				entries[i] = sealed[r.Seq][v]
			}
			last := recs[len(recs)-1].Seq
			l := links[v]
			g.Go(func() error {
				ack, err := c.pushBatch(gctx, l, entries)
				if err != nil {
					return fmt.Errorf("push to %s: %w", short(v), err)
				}
				c.logger.Debug("pushed", "vault", short(v), "sent", len(entries), "stored", ack.Stored, "head", ack.Head)
				return c.journal.MarkPushed(gctx, v, last)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// pushBatch sends entries on l. A rate limited push is retried on the same
// link after a backoff, so the connection and its cursor survive the limit.
func (c *Client) pushBatch(ctx context.Context, l *link, entries []wire.EncryptedEntry) (wire.Ack, error) {
	for attempt := 1; ; attempt++ {
		ack, err := l.push(ctx, entries)
		if syncerr.KindOf(err) != syncerr.KindRateLimited {
			return ack, err
		}
		delay := c.cfg.Retry.Backoff(attempt, err)
		c.logger.Info("push rate limited", "vault", short(l.vault), "attempt", attempt, "retry_in", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return wire.Ack{}, err
		}
	}
}

// pull catches up the own vault from its stored cursor.
func (c *Client) pull(ctx context.Context, l *link) error {
	for {
		st, err := c.journal.SyncState(ctx, l.vault)
		if err != nil {
			return err
		}
		page, err := l.pull(ctx, st.Cursor, c.cfg.PullLimit)
		if err != nil {
			return fmt.Errorf("pull from %s: %w", short(l.vault), err)
		}
		if page.RemoteID != "" && page.RemoteID != l.hello.RemoteID {
			return syncerr.Transient("remote log changed during session", nil)
		}
		if len(page.Entries) == 0 {
			return nil
		}
		if err := c.apply(ctx, l.vault, st.Cursor, page.Entries); err != nil {
			return err
		}
		if !page.More {
			return nil
		}
	}
}

// applyLive applies a broadcast, falling back to a pull when it does not
// continue the cursor.
func (c *Client) applyLive(ctx context.Context, l *link, batch wire.Entries) error {
	st, err := c.journal.SyncState(ctx, l.vault)
	if err != nil {
		return err
	}
	err = c.apply(ctx, l.vault, st.Cursor, batch.Entries)
	if errors.Is(err, errGap) {
		return c.pull(ctx, l)
	}
	return err
}

// apply decrypts entries continuing cursor, applies the ones this device
// has not seen to the catalog, imports them and advances the cursor. The
// cursor does not move if applying fails. An entry that cannot be
// decrypted is skipped and reported; it does not block the log.
func (c *Client) apply(ctx context.Context, vault string, cursor int64, entries []wire.EncryptedEntry) error {
	sorted := slices.Clone(entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	last := cursor
	var fresh []journal.RemoteEntry
	for _, e := range sorted {
		if e.Sequence <= last {
			continue
		}
		if e.Sequence != last+1 {
			if last == cursor {
				return errGap
			}
			break
		}
		last = e.Sequence

		re, err := c.sealer.open(e)
		if err != nil {
			c.logger.Warn("skipping undecryptable entry", "vault", short(vault), "seq", e.Sequence, "error", err)
			_ = c.journal.RecordSyncEvent(ctx, vault, journal.SyncFailure,
				fmt.Sprintf("entry %d: %v", e.Sequence, err))
			continue
		}
		known, err := c.known(ctx, re)
		if err != nil {
			return err
		}
		if !known {
			fresh = append(fresh, re)
		}
	}
	if last == cursor {
		return nil
	}

	if c.catalog != nil && len(fresh) > 0 {
		toApply := make([]journal.Entry, len(fresh))
		for i, re := range fresh {
			toApply[i] = re.Entry
		}
		if _, err := c.catalog.Apply(ctx, c.journal, toApply); err != nil {
			return err
		}
	}
	if len(fresh) > 0 {
		if _, err := c.journal.ImportRemote(ctx, vault, fresh); err != nil {
			return err
		}
	}
	if err := c.journal.AdvanceCursor(ctx, vault, last); err != nil {
		return err
	}
	c.logger.Debug("applied remote entries", "vault", short(vault), "new", len(fresh), "cursor", last)
	return nil
}

func (c *Client) known(ctx context.Context, re journal.RemoteEntry) (bool, error) {
	_, err := c.journal.Get(ctx, re.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
