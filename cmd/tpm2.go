package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/salrashid123/tpmzfs"
	"github.com/salrashid123/tpmzfs/tpm2"
)

var errAllowWithoutPCRs = errors.New("-A requires -P")

func newTPM2Cmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tpm2",
		Short: "Seal wrapping keys with a TPM2",
		Args:  usageArgs(cobra.NoArgs),
	}
	cmd.AddCommand(
		newTPM2ChangeKeyCmd(a),
		newTPM2LoadKeyCmd(a),
		newTPM2ClearKeyCmd(a),
	)
	return cmd
}

func newTPM2ChangeKeyCmd(a *app) *cobra.Command {
	var flags struct {
		backup  string
		pcrs    string
		allow   bool
		keyfile string
	}
	cmd := &cobra.Command{
		Use:   "change-key [-b backup] [-P alg:PCRs[+alg:PCRs]...] [-A] [-k keyfile] dataset",
		Short: "Rewrap dataset's key with a fresh key sealed by the TPM",
		Args:  datasetArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			pcrs, err := tpm2.ParsePCRs(flags.pcrs)
			if err != nil {
				return err
			}
			if flags.allow && len(pcrs) == 0 {
				return &tpmzfs.Error{Kind: tpmzfs.KindUsage, Err: errAllowWithoutPCRs}
			}

			cfg := tpm2.Config{PCRs: pcrs, AllowPCRsOrPassphrase: flags.allow}
			if flags.keyfile != "" {
				f, err := os.OpenFile(flags.keyfile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
				if err != nil {
					return tpmzfs.Errorf(tpmzfs.KindUsage, "create keyfile", "%w", err)
				}
				defer f.Close()
				cfg.KeyfileOut = f
			}

			l := a.lifecycle(a.tpm2(cfg), a.tpm1x(nil))
			err = l.ChangeKey(cmd.Context(), args[0], tpmzfs.BackendTPM2, tpmzfs.ChangeOptions{Backup: flags.backup})
			if err != nil && flags.keyfile != "" {
				os.Remove(flags.keyfile) //nolint:errcheck
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&flags.backup, "backup", "b", "", "also write the raw wrapping key to this new file")
	cmd.Flags().StringVarP(&flags.pcrs, "pcrs", "P", "", "bind the key to a policy over these PCRs, eg. sha256:0,7+sha1:all")
	cmd.Flags().BoolVarP(&flags.allow, "allow-passphrase", "A", false, "with -P, also allow unsealing with a passphrase")
	cmd.Flags().StringVarP(&flags.keyfile, "keyfile", "k", "", "also write the sealed object to this new TSS2 keyfile")
	return cmd
}

func newTPM2LoadKeyCmd(a *app) *cobra.Command {
	var flags struct {
		noop    bool
		keyfile string
	}
	cmd := &cobra.Command{
		Use:   "load-key [-n] [-k keyfile] dataset",
		Short: "Unseal dataset's key and load it",
		Args:  datasetArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := a.tpm2(tpm2.Config{})
			l := a.lifecycle(b)
			if flags.keyfile == "" {
				return l.LoadKey(cmd.Context(), args[0], tpmzfs.BackendTPM2, flags.noop)
			}

			pem, err := os.ReadFile(flags.keyfile)
			if err != nil {
				return tpmzfs.Errorf(tpmzfs.KindUsage, "read keyfile", "%w", err)
			}
			return l.LoadKeyFrom(cmd.Context(), args[0], flags.noop, func(ctx context.Context, ds string) ([]byte, error) {
				return b.LoadKeyfile(ctx, ds, pem)
			})
		},
	}
	cmd.Flags().BoolVarP(&flags.noop, "noop", "n", false, "only check the key, don't load it")
	cmd.Flags().StringVarP(&flags.keyfile, "keyfile", "k", "", "unseal from this keyfile instead of the persistent handle")
	return cmd
}

func newTPM2ClearKeyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-key dataset",
		Short: "Rewrap dataset's key with a passphrase and evict the sealed key",
		Args:  datasetArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.lifecycle(a.tpm2(tpm2.Config{})).ClearKey(cmd.Context(), args[0], tpmzfs.BackendTPM2)
		},
	}
}
