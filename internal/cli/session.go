package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/eventvault/internal/catalog"
	"github.com/roach88/eventvault/internal/config"
	"github.com/roach88/eventvault/internal/identity"
	"github.com/roach88/eventvault/internal/journal"
	"github.com/roach88/eventvault/internal/syncclient"
)

// deviceIDSecret names the journal secret holding this device's id.
const deviceIDSecret = "device_id"

// session is the local state a device command works on.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	out     *OutputFormatter
	journal *journal.Journal
	keys    *identity.Manager
	catalog *catalog.Catalog
	api     *syncclient.API
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openSession opens the journal, restores the identity and builds the
// catalog from the configured definitions.
func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(opts, cmd.ErrOrStderr())

	j, err := journal.Open(cfg.Journal.Path,
		journal.WithBatchBytes(cfg.Journal.BatchBytes),
		journal.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	logger.Debug("journal open", "path", cfg.Journal.Path)

	api, err := syncclient.NewAPI(cfg.SyncURL, cfg.Namespace, cfg.Token, nil)
	if err != nil {
		j.Close()
		return nil, WrapExitError(ExitCommandError, "invalid sync_url", err)
	}

	keys := identity.NewManager(j,
		identity.WithSeedKey([]byte(cfg.Salts.Master)),
		identity.WithStatsFetcher(api),
		identity.WithLogger(logger))
	if _, err := keys.Load(ctx); err != nil {
		j.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load identity", err)
	}

	cat, err := catalog.New(nil, catalog.WithLogger(logger))
	if err != nil {
		keys.Close()
		j.Close()
		return nil, err
	}
	if cfg.Definitions != "" {
		decls, err := catalog.LoadDefinitionsFile(cfg.Definitions)
		if err == nil {
			err = cat.Bind(decls)
		}
		if err != nil {
			keys.Close()
			j.Close()
			return nil, WrapExitError(ExitCommandError, "failed to load definitions", err)
		}
		logger.Debug("definitions bound", "path", cfg.Definitions, "kinds", len(decls))
	}

	return &session{
		cfg:     cfg,
		logger:  logger,
		out:     newFormatter(opts, cmd),
		journal: j,
		keys:    keys,
		catalog: cat,
		api:     api,
	}, nil
}

func (s *session) Close() {
	s.keys.Close()
	if err := s.journal.Close(); err != nil {
		s.logger.Error("error closing journal", "error", err)
	}
}

// identity returns the loaded identity or a command error telling the user
// how to create one.
func (s *session) identity() (identity.Identity, error) {
	id, err := s.keys.Identity()
	if errors.Is(err, identity.ErrNoIdentity) {
		return identity.Identity{}, NewExitError(ExitCommandError,
			"no identity: run `eventvault identity new` or `eventvault identity import`")
	}
	return id, err
}

// deviceID returns this device's id, creating it on first use.
func (s *session) deviceID(ctx context.Context) (string, error) {
	raw, ok, err := s.journal.GetSecret(ctx, deviceIDSecret)
	if err != nil {
		return "", err
	}
	if ok {
		return string(raw), nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	if err := s.journal.PutSecret(ctx, deviceIDSecret, []byte(id.String())); err != nil {
		return "", err
	}
	s.logger.Info("device registered", "device", id.String())
	return id.String(), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
