package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/salrashid123/tpmzfs"
)

func newLoadKeyCmd(a *app) *cobra.Command {
	var noop bool
	cmd := &cobra.Command{
		Use:   "load-key [-n] dataset",
		Short: "Unseal dataset's key with whichever back-end sealed it and load it",
		Args:  datasetArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.lifecycle(a.backends()...).LoadKey(cmd.Context(), args[0], "", noop)
		},
	}
	cmd.Flags().BoolVarP(&noop, "noop", "n", false, "only check the key, don't load it")
	return cmd
}

func newClearKeyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-key dataset",
		Short: "Rewrap dataset's key with a passphrase and drop its key properties, whatever they hold",
		Args:  datasetArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.lifecycle().ClearKey(cmd.Context(), args[0], "")
		},
	}
}

var (
	errRecursiveDepth = errors.New("-r and -d are mutually exclusive")
	errAllBackend     = errors.New("-a and -b are mutually exclusive")
)

func newListCmd(a *app) *cobra.Command {
	var flags struct {
		scripted  bool
		recursive bool
		depth     int
		all       bool
		backend   string
	}
	cmd := &cobra.Command{
		Use:   "list [-H] [-r|-d max] [-a|-b back-end] [dataset...]",
		Short: "List encryption roots and their key back-ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := tpmzfs.ListOptions{Roots: args, All: flags.all, Backend: flags.backend}
			switch {
			case flags.recursive && cmd.Flags().Changed("depth"):
				return &tpmzfs.Error{Kind: tpmzfs.KindUsage, Err: errRecursiveDepth}
			case flags.all && flags.backend != "":
				return &tpmzfs.Error{Kind: tpmzfs.KindUsage, Err: errAllBackend}
			case flags.recursive:
				opts.Depth = -1
			default:
				opts.Depth = flags.depth
			}

			entries, err := a.lifecycle().List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return tpmzfs.FormatList(a.stdout, entries, !flags.scripted)
		},
	}
	cmd.Flags().BoolVarP(&flags.scripted, "scripted", "H", false, "no header, tab-separated fields")
	cmd.Flags().BoolVarP(&flags.recursive, "recursive", "r", false, "list all children")
	cmd.Flags().IntVarP(&flags.depth, "depth", "d", 0, "list children up to this many levels down")
	cmd.Flags().BoolVarP(&flags.all, "all", "a", false, "include encryption roots not managed by tzpfms")
	cmd.Flags().StringVarP(&flags.backend, "backend", "b", "", "only show datasets sealed by this back-end")
	return cmd
}
