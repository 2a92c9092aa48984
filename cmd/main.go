package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/salrashid123/tpmzfs"
)

var Commit, Tag, Date string

func main() {
	os.Exit(run()) // since defer func() needs to get called first
}

func run() int {
	return execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

// execute runs one command line and maps its outcome to an exit status:
// 0 on success, 2 for usage errors and 1 for anything else.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if Tag != "" {
		tpmzfs.Version = Tag
	}

	root := newRootCmd(newApp(viper.New(), stdout, stderr))
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, err)
	if tpmzfs.KindOf(err) == tpmzfs.KindUsage {
		return 2
	}
	return 1
}

func newRootCmd(a *app) *cobra.Command {
	version := Tag
	if version == "" {
		version = tpmzfs.Version
	}

	root := &cobra.Command{
		Use:           "tpmzfs",
		Short:         "Keep ZFS wrapping keys sealed in a TPM",
		Version:       version,
		Args:          usageArgs(cobra.NoArgs),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	// go build -ldflags="-s -w -X main.Tag=$(git describe --tags --abbrev=0) -X main.Commit=$(git rev-parse HEAD)" ./cmd
	root.SetVersionTemplate(fmt.Sprintf("tpmzfs version {{.Version}}\nDate: %s\nCommit: %s\n", Date, Commit))
	root.Flags().BoolP("version", "V", false, "print version")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &tpmzfs.Error{Kind: tpmzfs.KindUsage, Err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default $XDG_CONFIG_HOME/tzpfms/config.yaml)")
	pf.String("log-level", "", "debug|info|warn|error (default warn)")
	pf.String("passphrase-helper", "", "command line run through /bin/sh -c to read passphrases")
	pf.String("property-prefix", "", "ZFS user property namespace (default "+tpmzfs.DefaultPropertyPrefix+")")
	pf.String("tpm2-path", "", "TPM2 device or host:port of a swtpm (default /dev/tpmrm0)")
	pf.String("tpm1x", "", "host:port of a TPM 1.2 command socket, instead of the device")
	for key, flag := range map[string]string{
		tpmzfs.KeyLogLevel:         "log-level",
		tpmzfs.KeyPassphraseHelper: "passphrase-helper",
		tpmzfs.KeyPropertyPrefix:   "property-prefix",
		tpmzfs.KeyTPM2Path:         "tpm2-path",
		tpmzfs.KeyTPM1X:            "tpm1x",
	} {
		if err := a.v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		newTPM1XCmd(a),
		newTPM2Cmd(a),
		newLoadKeyCmd(a),
		newClearKeyCmd(a),
		newListCmd(a),
	)
	return root
}

// usageArgs tags positional argument errors as usage errors.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return &tpmzfs.Error{Kind: tpmzfs.KindUsage, Err: err}
		}
		return nil
	}
}

var datasetArg = usageArgs(cobra.ExactArgs(1))
