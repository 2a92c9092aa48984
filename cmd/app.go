package main

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/salrashid123/tpmzfs"
	"github.com/salrashid123/tpmzfs/passphrase"
	"github.com/salrashid123/tpmzfs/tpm1x"
	"github.com/salrashid123/tpmzfs/tpm2"
	"github.com/salrashid123/tpmzfs/zfs"
)

// app carries what every sub-command needs once flags are parsed.
type app struct {
	v          *viper.Viper
	configFile string

	cfg    tpmzfs.Config
	logger *zap.Logger
	prompt passphrase.Prompter

	stdout io.Writer
	stderr io.Writer
}

func newApp(v *viper.Viper, stdout, stderr io.Writer) *app {
	tpmzfs.SetDefaults(v)
	return &app{v: v, stdout: stdout, stderr: stderr, logger: zap.NewNop()}
}

func (a *app) setup() error {
	if err := a.readConfig(); err != nil {
		return err
	}
	cfg, err := tpmzfs.NewConfig(a.v)
	if err != nil {
		return err
	}
	logger, err := newLogger(a.stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

// readConfig loads --config, or the per-user config file if there is one.
func (a *app) readConfig() error {
	path := a.configFile
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(dir, "tzpfms", "config.yaml")
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	a.v.SetConfigFile(path)
	if err := a.v.ReadInConfig(); err != nil {
		return tpmzfs.Errorf(tpmzfs.KindUsage, "read config", "%s: %w", path, err)
	}
	return nil
}

func newLogger(w io.Writer, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, tpmzfs.Errorf(tpmzfs.KindUsage, "config", "log level: %w", err)
	}
	config := zap.NewDevelopmentEncoderConfig()
	config.ConsoleSeparator = " "
	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(config), zapcore.AddSync(w), lvl)), nil
}

// prompter is shared by every back-end, so a helper that turned out to be
// missing is skipped for the rest of the run.
func (a *app) prompter() passphrase.Prompter {
	if a.prompt == nil {
		a.prompt = passphrase.New(passphrase.Options{
			Helper: a.cfg.PassphraseHelper,
			Logger: a.logger.Named("passphrase"),
			Out:    a.stdout,
		})
	}
	return a.prompt
}

func (a *app) lifecycle(backends ...tpmzfs.Backend) *tpmzfs.Lifecycle {
	z := zfs.New(a.cfg, a.logger.Named("zfs"))
	l := tpmzfs.NewLifecycle(z, z, a.logger, backends...)
	l.Stdout, l.Stderr = a.stdout, a.stderr
	return l
}

func (a *app) tpm1x(pcrs []uint32) *tpm1x.Backend {
	return tpm1x.New(tpm1x.Config{
		Path:     a.cfg.TPM1XPath(),
		PCRs:     pcrs,
		Prompter: a.prompter(),
		Logger:   a.logger.Named("tpm1x"),
	})
}

func (a *app) tpm2(cfg tpm2.Config) *tpm2.Backend {
	cfg.Path = a.cfg.TPM2Path
	cfg.Prompter = a.prompter()
	cfg.Logger = a.logger.Named("tpm2")
	return tpm2.New(cfg)
}

// backends is every back-end with default settings, for commands that act
// on whatever a dataset was sealed with.
func (a *app) backends() []tpmzfs.Backend {
	return []tpmzfs.Backend{a.tpm1x(nil), a.tpm2(tpm2.Config{})}
}
