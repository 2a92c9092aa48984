// Package zfs drives zfs(8) for the encryption operations and the user
// properties that tie a dataset to its sealed wrapping key.
package zfs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/salrashid123/tpmzfs"
	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"
)

// Runner runs a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

// LineRunner runs a command and returns every non-empty line of its stdout.
type LineRunner func(ctx context.Context, name string, args ...string) ([]string, error)

// Client implements tpmzfs.Engine and tpmzfs.Store.
type Client struct {
	Binary          string
	BackendProperty string
	KeyProperty     string

	logger *zap.Logger
	run    Runner
	lines  LineRunner
	// feed runs zfs with key on stdin.
	feed func(ctx context.Context, key []byte, args ...string) error
	// interactive runs zfs attached to the terminal.
	interactive func(ctx context.Context, args ...string) error
}

var (
	_ tpmzfs.Engine = (*Client)(nil)
	_ tpmzfs.Store  = (*Client)(nil)
)

func New(cfg tpmzfs.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		Binary:          cfg.ZFSBinary,
		BackendProperty: cfg.BackendProperty(),
		KeyProperty:     cfg.KeyProperty(),
		logger:          logger,
		run:             cmd.RunContext,
		lines:           RunLines,
	}
	if c.Binary == "" {
		c.Binary = "zfs"
	}
	c.feed = c.runWithStdin
	c.interactive = c.runInteractive
	return c
}

func (c *Client) zfs(ctx context.Context, args ...string) (string, error) {
	c.logger.Debug("running zfs", zap.Strings("args", args))
	out, err := c.run(ctx, c.Binary, args...)
	if err != nil {
		return "", fmt.Errorf("zfs %s: %w", args[0], err)
	}
	return out, nil
}

// get returns one line per property: value and source.
func (c *Client) get(ctx context.Context, ds string, props ...string) ([][2]string, error) {
	out, err := c.zfs(ctx, "get", "-H", "-p", "-o", "value,source", strings.Join(props, ","), ds)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != len(props) {
		return nil, fmt.Errorf("zfs get: expected %d lines for %s, got %d", len(props), ds, len(lines))
	}
	res := make([][2]string, len(lines))
	for i, l := range lines {
		value, source, _ := strings.Cut(l, "\t")
		res[i] = [2]string{value, source}
	}
	return res, nil
}

func (c *Client) PropertyNames() (string, string) { return c.BackendProperty, c.KeyProperty }

// KeyProps reads both properties; only locally set values count.
func (c *Client) KeyProps(ctx context.Context, ds string) (tpmzfs.KeyProps, error) {
	vals, err := c.get(ctx, ds, c.BackendProperty, c.KeyProperty)
	if err != nil {
		return tpmzfs.KeyProps{}, err
	}
	local := func(v [2]string) string {
		if v[1] != "local" {
			return ""
		}
		return v[0]
	}
	return tpmzfs.KeyProps{Backend: local(vals[0]), Handle: local(vals[1])}, nil
}

// SetKeyProps sets both properties in one zfs set, which zfs applies atomically.
func (c *Client) SetKeyProps(ctx context.Context, ds string, p tpmzfs.KeyProps) error {
	_, err := c.zfs(ctx, "set",
		fmt.Sprintf("%s=%s", c.BackendProperty, p.Backend),
		fmt.Sprintf("%s=%s", c.KeyProperty, p.Handle),
		ds)
	return err
}

func (c *Client) ClearKeyProps(ctx context.Context, ds string) error {
	var result *multierror.Error
	for _, prop := range []string{c.BackendProperty, c.KeyProperty} {
		if _, err := c.zfs(ctx, "inherit", prop, ds); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", prop, err))
		}
	}
	return result.ErrorOrNil()
}

func (c *Client) EncryptionRoot(ctx context.Context, ds string) (string, bool, error) {
	out, err := c.zfs(ctx, "get", "-H", "-p", "-o", "value", "encryptionroot", ds)
	if err != nil {
		return "", false, err
	}
	root := strings.TrimSpace(out)
	if root == "-" {
		root = ""
	}
	return root, root == ds, nil
}

func (c *Client) KeyStatus(ctx context.Context, ds string) (tpmzfs.KeyStatus, error) {
	out, err := c.zfs(ctx, "get", "-H", "-p", "-o", "value", "keystatus", ds)
	if err != nil {
		return tpmzfs.KeyStatusNone, err
	}
	switch strings.TrimSpace(out) {
	case "available":
		return tpmzfs.KeyStatusAvailable, nil
	case "unavailable":
		return tpmzfs.KeyStatusUnavailable, nil
	default:
		return tpmzfs.KeyStatusNone, nil
	}
}

func (c *Client) ChangeKeyRaw(ctx context.Context, ds string, key []byte) error {
	return c.feed(ctx, key, "change-key", "-o", "keyformat=raw", "-o", "keylocation=prompt", ds)
}

func (c *Client) ChangeKeyPassphrase(ctx context.Context, ds string) error {
	return c.interactive(ctx, "change-key", "-o", "keyformat=passphrase", "-o", "keylocation=prompt", ds)
}

// LoadKey feeds key to zfs load-key; with noop zfs only checks it.
func (c *Client) LoadKey(ctx context.Context, ds string, key []byte, noop bool) error {
	args := []string{"load-key"}
	if noop {
		args = append(args, "-n")
	}
	return c.feed(ctx, key, append(args, ds)...)
}

// ListDatasets lists filesystems and volumes under roots (every dataset
// if roots is empty), descending depth levels, or all levels if depth < 0.
func (c *Client) ListDatasets(ctx context.Context, roots []string, depth int) ([]string, error) {
	args := []string{"list", "-H", "-o", "name", "-t", "filesystem,volume"}
	switch {
	case depth < 0:
		args = append(args, "-r")
	case depth > 0:
		args = append(args, "-d", strconv.Itoa(depth))
	}
	args = append(args, roots...)

	c.logger.Debug("running zfs", zap.Strings("args", args))
	names, err := c.lines(ctx, c.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("zfs list: %w", err)
	}
	return names, nil
}

// RunLines streams stdout line by line, so its size is not bounded
// the way cmd.RunContext bounds it.
func RunLines(ctx context.Context, name string, args ...string) ([]string, error) {
	var stderr strings.Builder
	command := exec.CommandContext(ctx, name, args...)
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := command.Start(); err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if l := scanner.Text(); l != "" {
			lines = append(lines, l)
		}
	}
	scanErr := scanner.Err()

	if err := command.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return lines, nil
}

// runWithStdin hands key to zfs as stdin. Our own stdin is left alone.
func (c *Client) runWithStdin(ctx context.Context, key []byte, args ...string) error {
	c.logger.Debug("running zfs with key on stdin", zap.Strings("args", args))
	if _, err := c.run(cmd.WithStdin(ctx, bytes.NewReader(key)), c.Binary, args...); err != nil {
		return fmt.Errorf("zfs %s: %w", args[0], err)
	}
	return nil
}

func (c *Client) runInteractive(ctx context.Context, args ...string) error {
	c.logger.Debug("running zfs on the terminal", zap.Strings("args", args))
	command := exec.CommandContext(ctx, c.Binary, args...)
	command.Stdin = os.Stdin
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("zfs %s: %w", args[0], err)
	}
	return nil
}
