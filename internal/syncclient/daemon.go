package syncclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roach88/eventvault/internal/catalog"
	"github.com/roach88/eventvault/internal/journal"
)

// Default schedules.
const (
	DefaultLocalRefresh  = time.Minute
	DefaultRemoteRefresh = 3 * time.Minute
	DefaultCompactEvery  = time.Hour
)

// Refresher refreshes remote stats for every known key.
// *identity.Manager implements it.
type Refresher interface {
	SyncPublicKeys(ctx context.Context) error
}

// DaemonConfig sets the daemon's schedules.
type DaemonConfig struct {
	LocalRefresh  time.Duration
	RemoteRefresh time.Duration
	// CompactEvery is how often the journal is compacted with the
	// catalog's reducers.
	CompactEvery time.Duration
}

// Daemon runs the periodic bookkeeping around a Client: local storage
// stats, remote stats while online, journal compaction and the
// sync_events history.
type Daemon struct {
	client    *Client
	journal   *journal.Journal
	refresher Refresher
	cfg       DaemonConfig
	logger    *slog.Logger

	mu      sync.Mutex
	local   journal.Stats
	localAt time.Time
}

// NewDaemon creates a daemon. refresher may be nil.
func NewDaemon(c *Client, j *journal.Journal, refresher Refresher, cfg DaemonConfig) *Daemon {
	if cfg.LocalRefresh <= 0 {
		cfg.LocalRefresh = DefaultLocalRefresh
	}
	if cfg.RemoteRefresh <= 0 {
		cfg.RemoteRefresh = DefaultRemoteRefresh
	}
	if cfg.CompactEvery <= 0 {
		cfg.CompactEvery = DefaultCompactEvery
	}
	return &Daemon{client: c, journal: j, refresher: refresher, cfg: cfg, logger: c.logger}
}

// Run records sync outcomes and runs the refresh schedules until ctx is
// done.
func (d *Daemon) Run(ctx context.Context) error {
	statuses := d.client.Statuses()
	defer statuses.Close()

	if err := d.RefreshLocal(ctx); err != nil {
		d.logger.Warn("local stats refresh failed", "error", err)
	}

	sched := cron.New()
	if _, err := sched.AddFunc(every(d.cfg.LocalRefresh), func() {
		if err := d.RefreshLocal(ctx); err != nil {
			d.logger.Warn("local stats refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule local refresh: %w", err)
	}
	if _, err := sched.AddFunc(every(d.cfg.RemoteRefresh), func() {
		if err := d.RefreshRemote(ctx); err != nil {
			d.logger.Warn("remote stats refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule remote refresh: %w", err)
	}
	if _, err := sched.AddFunc(every(d.cfg.CompactEvery), func() {
		if _, err := d.Compact(ctx); err != nil {
			d.logger.Warn("compaction failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule compaction: %w", err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-statuses.C():
			if !ok {
				return nil
			}
			if err := d.record(ctx, st); err != nil {
				d.logger.Warn("recording sync event failed", "error", err)
			}
		}
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// record stores the outcome carried by st, if any.
func (d *Daemon) record(ctx context.Context, st Status) error {
	if st.Event == "" {
		return nil
	}
	detail := ""
	if st.Err != nil {
		detail = st.Err.Error()
	}
	return d.journal.RecordSyncEvent(ctx, d.client.Vault(), st.Event, detail)
}

// RefreshLocal re-reads local storage usage.
func (d *Daemon) RefreshLocal(ctx context.Context) error {
	st, err := d.journal.StorageStats(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.local, d.localAt = st, time.Now()
	d.mu.Unlock()
	d.logger.Debug("local storage", "entries", st.Entries, "file_bytes", st.FileBytes)
	return nil
}

// RefreshRemote refreshes remote stats when the client is online.
func (d *Daemon) RefreshRemote(ctx context.Context) error {
	if d.refresher == nil || !d.client.Status().Online() {
		return nil
	}
	return d.refresher.SyncPublicKeys(ctx)
}

// Compact folds superseded journal entries with the client's reducers.
func (d *Daemon) Compact(ctx context.Context) (catalog.CompactStats, error) {
	st, err := d.client.catalog.Compact(ctx, d.journal)
	if err != nil {
		return st, err
	}
	if st.Superseded > 0 {
		d.logger.Info("journal compacted", "keys", st.Keys, "superseded", st.Superseded, "written", st.Written)
	}
	return st, nil
}

// LocalStats returns the last local storage snapshot and when it was taken.
func (d *Daemon) LocalStats() (journal.Stats, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.local, d.localAt
}
