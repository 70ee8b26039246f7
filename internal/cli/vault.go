package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewVaultCommand groups the server-side vault management subcommands.
func NewVaultCommand(rootOpts *RootOptions) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage vaults on the sync server",
		Long: `Manage vaults on the sync server.

Subcommands act on the identity's own vault, or on --key.`,
	}
	cmd.PersistentFlags().StringVar(&key, "key", "", "vault public key (default: own vault)")

	vaultRun := func(fn func(ctx context.Context, s *session, key string, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			target := key
			if target == "" {
				id, err := s.identity()
				if err != nil {
					return err
				}
				target = id.PublicKeyHex()
			} else if err := checkPublicKey(target); err != nil {
				return err
			}
			if err := fn(ctx, s, target, args); err != nil {
				var exitErr *ExitError
				if errors.As(err, &exitErr) {
					return err
				}
				_ = s.out.Error(err)
				return WrapExitError(ExitFailure, "vault request failed", err)
			}
			return nil
		}
	}

	var createNote string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create the vault (idempotent)",
		Args:  cobra.NoArgs,
		RunE: vaultRun(func(ctx context.Context, s *session, key string, _ []string) error {
			v, err := s.api.Create(ctx, key, createNote)
			if err != nil {
				return err
			}
			return s.out.Success(fmt.Sprintf("Vault %s ready (remote id %s)", shortKey(v.PublicKey), v.RemoteID), v)
		}),
	}
	create.Flags().StringVar(&createNote, "note", "", "label stored with the vault")

	note := &cobra.Command{
		Use:   "note <text>",
		Short: "Set the vault's note",
		Args:  cobra.MinimumNArgs(1),
		RunE: vaultRun(func(ctx context.Context, s *session, key string, args []string) error {
			v, err := s.api.Update(ctx, key, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return s.out.Success(fmt.Sprintf("Vault %s note: %s", shortKey(v.PublicKey), v.Note), v)
		}),
	}

	info := &cobra.Command{
		Use:   "info",
		Short: "Show the vault, its devices and its usage",
		Args:  cobra.NoArgs,
		RunE: vaultRun(func(ctx context.Context, s *session, key string, _ []string) error {
			vi, err := s.api.Info(ctx, key)
			if err != nil {
				return err
			}
			st, err := s.api.Stats(ctx, key)
			if err != nil {
				return err
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Vault %s", vi.Vault.PublicKey)
			if vi.Vault.Note != "" {
				fmt.Fprintf(&b, " (%s)", vi.Vault.Note)
			}
			fmt.Fprintf(&b, "\n  entries %d, head %d, %d/%d bytes, %d live clients",
				st.Entries, st.Head, st.UsedBytes, st.MaxStorageBytes, st.Clients)
			fmt.Fprintf(&b, "\n  devices (%d): %s", len(vi.Devices), strings.Join(vi.Devices, ", "))
			return s.out.Success(b.String(), map[string]any{"info": vi, "stats": st})
		}),
	}

	var yes bool
	destroy := &cobra.Command{
		Use:   "destroy",
		Short: "Delete the vault and its encrypted log from the server",
		Args:  cobra.NoArgs,
		RunE: vaultRun(func(ctx context.Context, s *session, key string, _ []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "refusing to destroy without --yes")
			}
			if err := s.api.Destroy(ctx, key); err != nil {
				return err
			}
			return s.out.Success("Destroyed vault "+shortKey(key), map[string]string{"destroyed": key})
		}),
	}
	destroy.Flags().BoolVar(&yes, "yes", false, "confirm destruction")

	cmd.AddCommand(create, note, info, destroy)
	return cmd
}
