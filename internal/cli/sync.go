package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/eventvault/internal/journal"
	"github.com/roach88/eventvault/internal/syncclient"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate the journal with the sync server",
		Long: `Replicate the journal with the sync server.

Without --once, sync stays connected: local appends are pushed as they are
written, entries from other devices are applied as they arrive, and the
connection is retried with backoff after transient failures. A fatal close
(unauthorized, device or vault limit) stops it with exit code 1.

Entries are pushed to the identity's own vault and to every key shared with
"eventvault identity share".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			client, err := s.newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if once {
				return syncOnce(ctx, s, client)
			}
			return syncForever(ctx, s, client)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one push and pull cycle and exit")
	return cmd
}

func (s *session) newClient(ctx context.Context) (*syncclient.Client, error) {
	if _, err := s.identity(); err != nil {
		return nil, err
	}
	device, err := s.deviceID(ctx)
	if err != nil {
		return nil, err
	}
	c, err := syncclient.New(syncclient.Config{
		URL:                s.cfg.SyncURL,
		Namespace:          s.cfg.Namespace,
		Device:             device,
		Token:              s.cfg.Token,
		Salts:              s.cfg.Salts.Crypt(),
		DEKTTL:             s.cfg.DEK.TTL.D(),
		DEKMaxUses:         s.cfg.DEK.MaxUses,
		WriteBatchInterval: s.cfg.WriteBatchInterval.D(),
	}, s.journal, s.catalog, s.keys,
		syncclient.WithRecipients(s.keys.SyncedKeys),
		syncclient.WithLogger(s.logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create sync client", err)
	}
	return c, nil
}

func syncOnce(ctx context.Context, s *session, client *syncclient.Client) error {
	before, err := s.journal.StorageStats(ctx)
	if err != nil {
		return err
	}
	if err := client.SyncOnce(ctx); err != nil {
		_ = s.journal.RecordSyncEvent(ctx, client.Vault(), journal.SyncFailure, err.Error())
		_ = s.out.Error(err)
		return WrapExitError(ExitFailure, "sync failed", err)
	}
	if err := s.journal.RecordSyncEvent(ctx, client.Vault(), journal.SyncSuccess, ""); err != nil {
		s.logger.Warn("recording sync event failed", "error", err)
	}

	after, err := s.journal.StorageStats(ctx)
	if err != nil {
		return err
	}
	st, err := s.journal.SyncState(ctx, client.Vault())
	if err != nil {
		return err
	}
	summary := map[string]int64{
		"imported":  after.LastSeq - before.LastSeq,
		"cursor":    st.Cursor,
		"pushedSeq": st.PushedSeq,
	}
	return s.out.Success(fmt.Sprintf("Synced: %d imported, cursor %d, pushed through seq %d",
		summary["imported"], st.Cursor, st.PushedSeq), summary)
}

func syncForever(ctx context.Context, s *session, client *syncclient.Client) error {
	daemon := syncclient.NewDaemon(client, s.journal, s.keys, syncclient.DaemonConfig{
		LocalRefresh:  s.cfg.Stats.LocalRefresh.D(),
		RemoteRefresh: s.cfg.Stats.RemoteRefresh.D(),
		CompactEvery:  s.cfg.Compaction.Interval.D(),
	})

	statuses := client.Statuses()
	defer statuses.Close()

	g, ctx := errgroup.WithContext(ctx)
	runCtx, stopAll := context.WithCancel(ctx)
	defer stopAll()

	g.Go(func() error {
		defer stopAll()
		return client.Run(runCtx)
	})
	g.Go(func() error { return daemon.Run(runCtx) })
	g.Go(func() error {
		for {
			select {
			case <-runCtx.Done():
				return nil
			case st, ok := <-statuses.C():
				if !ok {
					return nil
				}
				s.out.VerboseLog("%s  %s vaults=%d", st.At.Format(time.RFC3339), st.State, st.Vaults)
			}
		}
	})

	fmt.Fprintf(s.out.GetErrWriter(), "Syncing vault %s as a live session. Press Ctrl-C to stop.\n", shortKey(client.Vault()))
	if err := g.Wait(); err != nil {
		_ = s.out.Error(err)
		return WrapExitError(ExitFailure, "sync stopped", err)
	}
	return nil
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		remote bool
		events int
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show local storage, pending pushes and sync history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.stats(ctx, remote, events)
			if err != nil {
				return err
			}
			return s.out.Success(report.text(), report)
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also fetch the server's stats for every shared key")
	cmd.Flags().IntVar(&events, "events", 5, "number of recent sync events to show")
	return cmd
}

type vaultReport struct {
	PublicKey string            `json:"publicKey"`
	Pending   int64             `json:"pending"`
	State     journal.SyncState `json:"state"`
	UsedBytes int64             `json:"usedBytes,omitempty"`
	MaxBytes  int64             `json:"maxBytes,omitempty"`
}

type statsReport struct {
	Local  journal.Stats       `json:"local"`
	Vaults []vaultReport       `json:"vaults"`
	Events []journal.SyncEvent `json:"events"`
}

func (s *session) stats(ctx context.Context, remote bool, events int) (statsReport, error) {
	var report statsReport
	local, err := s.journal.StorageStats(ctx)
	if err != nil {
		return report, err
	}
	report.Local = local

	if remote {
		if err := s.keys.SyncPublicKeys(ctx); err != nil {
			s.logger.Warn("remote stats refresh failed", "error", err)
		}
	}
	for _, key := range s.keys.SyncedKeys() {
		pending, err := s.journal.CountPending(ctx, key)
		if err != nil {
			return report, err
		}
		st, err := s.journal.SyncState(ctx, key)
		if err != nil {
			return report, err
		}
		v := vaultReport{PublicKey: key, Pending: pending, State: st}
		if rec, ok := s.keys.Record(key); ok {
			v.UsedBytes, v.MaxBytes = rec.UsedStorageSize, rec.MaxStorageSize
		}
		report.Vaults = append(report.Vaults, v)
	}

	if events > 0 {
		report.Events, err = s.journal.SyncEvents(ctx, events)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r statsReport) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Journal: %d entries, %d payload bytes, %d compacted, %d bytes on disk, last seq %d\n",
		r.Local.Entries, r.Local.PayloadBytes, r.Local.Compacted, r.Local.FileBytes, r.Local.LastSeq)
	for _, v := range r.Vaults {
		fmt.Fprintf(&b, "Vault %s: %d pending, cursor %d, pushed through %d",
			shortKey(v.PublicKey), v.Pending, v.State.Cursor, v.State.PushedSeq)
		if v.MaxBytes > 0 {
			fmt.Fprintf(&b, ", %d/%d bytes on server", v.UsedBytes, v.MaxBytes)
		}
		b.WriteByte('\n')
	}
	for _, e := range r.Events {
		fmt.Fprintf(&b, "%s  %-12s %s", e.OccurredAt.Format(time.RFC3339), e.Kind, shortKey(e.Vault))
		if e.Detail != "" {
			fmt.Fprintf(&b, "  %s", e.Detail)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
