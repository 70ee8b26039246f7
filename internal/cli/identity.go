package cli

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/eventvault/internal/identity"
)

// NewIdentityCommand groups the identity and key registry subcommands.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the recovery phrase and shared vault keys",
	}
	cmd.AddCommand(
		newIdentityNewCommand(rootOpts),
		newIdentityImportCommand(rootOpts),
		newIdentityShowCommand(rootOpts),
		newIdentityClearCommand(rootOpts),
		newIdentityShareCommand(rootOpts),
		newIdentityUnshareCommand(rootOpts),
	)
	return cmd
}

type identityView struct {
	PublicKey string               `json:"publicKey"`
	Phrase    string               `json:"phrase,omitempty"`
	Keys      []identity.KeyRecord `json:"keys,omitempty"`
}

func newIdentityNewCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a new identity and print its recovery phrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.keys.Identity(); err == nil && !force {
				return NewExitError(ExitCommandError, "an identity already exists (use --force to replace it)")
			}
			phrase, err := s.keys.CreateMnemonic(ctx)
			if err != nil {
				return err
			}
			id, err := s.keys.Identity()
			if err != nil {
				return err
			}
			text := fmt.Sprintf("Public key: %s\n\nRecovery phrase (write it down, it is the only way to restore this identity):\n  %s",
				id.PublicKeyHex(), phrase)
			return s.out.Success(text, identityView{PublicKey: id.PublicKeyHex(), Phrase: phrase})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}

func newIdentityImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <phrase...>",
		Short: "Restore an identity from its recovery phrase",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := s.keys.ImportFromMnemonic(ctx, strings.Join(args, " "))
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid recovery phrase", err)
			}
			return s.out.Success("Imported identity "+id.PublicKeyHex(), identityView{PublicKey: id.PublicKeyHex()})
		},
	}
}

func newIdentityShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the public key and the key registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(commandContext(cmd), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := s.identity()
			if err != nil {
				return err
			}
			keys := s.keys.Keys()
			var b strings.Builder
			fmt.Fprintf(&b, "Public key: %s", id.PublicKeyHex())
			for _, k := range keys {
				mark := " "
				if k.Synced {
					mark = "*"
				}
				fmt.Fprintf(&b, "\n %s %s", mark, k.PublicKey)
				if k.Note != "" {
					fmt.Fprintf(&b, "  (%s)", k.Note)
				}
				if k.MaxStorageSize > 0 {
					fmt.Fprintf(&b, "  %d/%d bytes", k.UsedStorageSize, k.MaxStorageSize)
				}
			}
			return s.out.Success(b.String(), identityView{PublicKey: id.PublicKeyHex(), Keys: keys})
		},
	}
}

func newIdentityClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget the recovery phrase on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.keys.Clear(ctx); err != nil {
				return err
			}
			return s.out.Success("Identity cleared", map[string]bool{"cleared": true})
		},
	}
}

func newIdentityShareCommand(rootOpts *RootOptions) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "share <public-key>",
		Short: "Share new entries with another identity's vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkPublicKey(args[0]); err != nil {
				return err
			}
			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			synced := true
			patch := identity.KeyPatch{Synced: &synced}
			if note != "" {
				patch.Note = &note
			}
			rec, err := s.keys.UpsertPublicKey(ctx, args[0], patch)
			if err != nil {
				return err
			}
			return s.out.Success("Sharing with "+rec.PublicKey, rec)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "label for the key")
	return cmd
}

func newIdentityUnshareCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unshare <public-key>",
		Short: "Stop sharing with a vault and forget its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.keys.RemovePublicKey(ctx, args[0]); err != nil {
				return err
			}
			return s.out.Success("Removed "+args[0], map[string]string{"removed": args[0]})
		},
	}
}

// checkPublicKey rejects anything but a hex-encoded 32-byte key.
func checkPublicKey(key string) error {
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != 32 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid public key %q: want 64 hex characters", key))
	}
	return nil
}
