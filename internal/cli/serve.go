package cli

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/eventvault/internal/admission"
	"github.com/roach88/eventvault/internal/backend"
	"github.com/roach88/eventvault/internal/config"
	"github.com/roach88/eventvault/internal/server"
	"github.com/roach88/eventvault/internal/tenant"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the sync server.

Vaults, devices and encrypted logs are stored in server.database. Bearer
tokens are mapped to users by server.tokens. Rate limits are kept in
memory, or in Redis when server.redis_addr is set so that several
servers share them.

Example:
  eventvault serve --config server.yaml
  EVENTVAULT_REDIS_ADDR=localhost:6379 eventvault serve --listen :9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			return serve(cmd, cfg, newLogger(rootOpts, cmd.ErrOrStderr()))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	return cmd
}

func serve(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
	if len(cfg.Server.Tokens) == 0 {
		logger.Warn("no tokens configured: every connection will be refused")
	}

	store, err := backend.Open(cfg.Server.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open server database", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("error closing server database", "error", err)
		}
	}()

	gate, closeLimiter := newGate(cfg.Server, logger)
	defer closeLimiter()

	host := tenant.NewHost(store,
		tenant.WithIdleTimeout(cfg.Server.IdleTimeout.D()),
		tenant.WithHostLogger(logger),
		tenant.WithActorOptions(
			tenant.WithLimits(cfg.Server.Tier),
			tenant.WithLogger(logger),
		))

	srv := server.New(host, gate, server.Config{
		Tokens: cfg.Server.Tokens,
		Tiers:  cfg.Server.Tiers,
	}, server.WithLogger(logger))

	ctx, stop := signalContext(cmd)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Sync server listening on %s. Press Ctrl-C to stop.\n", cfg.Server.Listen)
	if err := srv.ListenAndServe(ctx, cfg.Server.Listen); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	return nil
}

// newGate builds the admission gate. Every tier named in the config gets
// its rule from limits.tiers, falling back to limits.mutate.
func newGate(cfg config.Server, logger *slog.Logger) (*admission.Gate, func()) {
	var (
		limiter admission.Limiter
		closeFn = func() {}
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = admission.NewRedis(client)
		closeFn = func() {
			if err := client.Close(); err != nil {
				logger.Error("error closing redis client", "error", err)
			}
		}
		logger.Info("rate limits in redis", "addr", cfg.RedisAddr)
	} else {
		limiter = admission.NewMemory(nil)
	}

	opts := []admission.GateOption{
		admission.WithConnectRule(cfg.Limits.Connect.Admission()),
		admission.WithTier(admission.DefaultTier, cfg.Limits.MutateRule(admission.DefaultTier).Admission()),
	}
	for _, tier := range cfg.Tiers {
		opts = append(opts, admission.WithTier(tier, cfg.Limits.MutateRule(tier).Admission()))
	}
	for tier, rule := range cfg.Limits.Tiers {
		opts = append(opts, admission.WithTier(tier, rule.Admission()))
	}
	return admission.NewGate(limiter, opts...), closeFn
}
