package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/salrashid123/tpmzfs"
	"github.com/salrashid123/tpmzfs/tpm1x"
	"github.com/salrashid123/tpmzfs/tpm2"
)

func newTPM1XCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tpm1x",
		Short: "Seal wrapping keys with a TPM 1.2",
		Args:  usageArgs(cobra.NoArgs),
	}
	cmd.AddCommand(
		newTPM1XChangeKeyCmd(a),
		newTPM1XLoadKeyCmd(a),
		newTPM1XClearKeyCmd(a),
		newTPM1XMuddlePCRsCmd(a),
	)
	return cmd
}

func parseTPM1XPCRs(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	return tpm1x.ParsePCRs(s)
}

func newTPM1XChangeKeyCmd(a *app) *cobra.Command {
	var flags struct {
		backup string
		pcrs   string
	}
	cmd := &cobra.Command{
		Use:   "change-key [-b backup] [-P PCR[,PCR]...] dataset",
		Short: "Rewrap dataset's key with a fresh key sealed by the TPM",
		Args:  datasetArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			pcrs, err := parseTPM1XPCRs(flags.pcrs)
			if err != nil {
				return err
			}
			l := a.lifecycle(a.tpm1x(pcrs), a.tpm2(tpm2.Config{}))
			return l.ChangeKey(cmd.Context(), args[0], tpmzfs.BackendTPM1X, tpmzfs.ChangeOptions{Backup: flags.backup})
		},
	}
	cmd.Flags().StringVarP(&flags.backup, "backup", "b", "", "also write the raw wrapping key to this new file")
	cmd.Flags().StringVarP(&flags.pcrs, "pcrs", "P", "", "bind the key to these PCRs' current values")
	return cmd
}

func newTPM1XLoadKeyCmd(a *app) *cobra.Command {
	var noop bool
	cmd := &cobra.Command{
		Use:   "load-key [-n] dataset",
		Short: "Unseal dataset's key and load it",
		Args:  datasetArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.lifecycle(a.tpm1x(nil)).LoadKey(cmd.Context(), args[0], tpmzfs.BackendTPM1X, noop)
		},
	}
	cmd.Flags().BoolVarP(&noop, "noop", "n", false, "only check the key, don't load it")
	return cmd
}

func newTPM1XClearKeyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-key dataset",
		Short: "Rewrap dataset's key with a passphrase and drop the sealed key",
		Args:  datasetArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.lifecycle(a.tpm1x(nil)).ClearKey(cmd.Context(), args[0], tpmzfs.BackendTPM1X)
		},
	}
}

func newTPM1XMuddlePCRsCmd(a *app) *cobra.Command {
	var flags struct {
		readOnly bool
		pcrs     string
	}
	cmd := &cobra.Command{
		Use:   "muddle-pcrs [-R] [-P PCR[,PCR]...]",
		Short: "Extend PCRs with random data, or just print them",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			pcrs, err := parseTPM1XPCRs(flags.pcrs)
			if err != nil {
				return err
			}
			values, err := a.tpm1x(nil).MuddlePCRs(cmd.Context(), pcrs, flags.readOnly)
			for _, v := range values {
				fmt.Fprintln(a.stdout, v)
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&flags.readOnly, "read", "R", false, "read the PCRs instead of extending them")
	cmd.Flags().StringVarP(&flags.pcrs, "pcrs", "P", "", "PCRs to act on")
	return cmd
}
