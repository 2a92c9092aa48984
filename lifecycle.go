package tpmzfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Hinter is implemented by backends that can tell an operator how to
// release a handle by hand when Free fails.
type Hinter interface {
	FreeHint(handle string) string
}

// Lifecycle runs the change/load/clear key state transitions for any
// registered Backend, keeping the TPM, the dataset metadata and the ZFS
// wrapping key in step.
type Lifecycle struct {
	engine   Engine
	store    Store
	backends map[string]Backend
	logger   *zap.Logger

	Stdout io.Writer // operator messages ("Key for X changed")
	Stderr io.Writer // manual recovery instructions
}

func NewLifecycle(engine Engine, store Store, logger *zap.Logger, backends ...Backend) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Lifecycle{
		engine:   engine,
		store:    store,
		backends: make(map[string]Backend, len(backends)),
		logger:   logger,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
	for _, b := range backends {
		l.backends[b.ID()] = b
	}
	return l
}

func (l *Lifecycle) backend(id string) (Backend, error) {
	b, ok := l.backends[id]
	if !ok {
		return nil, &Error{Kind: KindUsage, Err: fmt.Errorf("%w %q", ErrUnknownBackend, id)}
	}
	return b, nil
}

// Root resolves ds to its encryption root.
func (l *Lifecycle) Root(ctx context.Context, ds string) (string, error) {
	root, isRoot, err := l.engine.EncryptionRoot(ctx, ds)
	if err != nil {
		return "", WithKind(KindTPM, "get encryption root", ds, err)
	}
	if isRoot {
		return ds, nil
	}
	if root == "" {
		return "", &Error{Kind: KindUsage, Err: fmt.Errorf("Dataset %s %w?", ds, ErrNotEncrypted)}
	}
	fmt.Fprintf(l.Stderr, "Using dataset %s's encryption root %s instead.\n", ds, root)
	l.logger.Info("using encryption root", zap.String("dataset", ds), zap.String("root", root))
	return root, nil
}

func (l *Lifecycle) requireKeyLoaded(ctx context.Context, ds string) error {
	st, err := l.engine.KeyStatus(ctx, ds)
	if err != nil {
		return WithKind(KindTPM, "get key status", ds, err)
	}
	if st != KeyStatusAvailable {
		return &Error{Kind: KindUsage, Err: ErrKeyNotLoaded}
	}
	return nil
}

// verifyProps checks that ds carries coherent metadata written by backendID
// (any backend when backendID is empty).
func verifyProps(ds string, p KeyProps, backendID string) error {
	if p.Backend == "" {
		kind := KindUsage
		if p.Handle != "" {
			kind = KindIncoherent
		}
		return &Error{Kind: kind, Err: fmt.Errorf("Dataset %s %w!", ds, ErrNotManaged)}
	}
	if backendID != "" && p.Backend != backendID {
		return &Error{Kind: KindUsage, Err: fmt.Errorf("Dataset %s %w %s, but we are %s.", ds, ErrBackendMismatch, p.Backend, backendID)}
	}
	if p.Handle == "" {
		return &Error{Kind: KindIncoherent, Err: fmt.Errorf("Dataset %s %w.", ds, ErrMissingKey)}
	}
	return nil
}

type ChangeOptions struct {
	Backup string // path to write the raw key to, empty for none
}

// ChangeKey seals a fresh wrapping key with the backendID backend, records
// it on dataset's encryption root and rewraps the ZFS key with it.
func (l *Lifecycle) ChangeKey(ctx context.Context, dataset, backendID string, opts ChangeOptions) error {
	b, err := l.backend(backendID)
	if err != nil {
		return err
	}
	ds, err := l.Root(ctx, dataset)
	if err != nil {
		return err
	}
	if err := l.requireKeyLoaded(ctx, ds); err != nil {
		return err
	}

	prev, err := l.store.KeyProps(ctx, ds)
	if err != nil {
		return WithKind(KindTPM, "read key properties", ds, err)
	}
	l.freePrevious(ctx, ds, prev)

	key, err := b.NewKey(ctx)
	if err != nil {
		return WithKind(KindTPM, "generate wrapping key", ds, err)
	}
	defer clear(key)
	if opts.Backup != "" {
		if err := WriteBackup(opts.Backup, key); err != nil {
			return WithKind(KindUsage, "back up wrapping key", ds, err)
		}
	}

	handle, err := b.Seal(ctx, ds, key)
	if err != nil {
		return WithKind(KindTPM, "seal wrapping key", ds, err)
	}

	if err := l.store.SetKeyProps(ctx, ds, KeyProps{Backend: b.ID(), Handle: handle}); err != nil {
		l.logger.Warn("setting key properties failed, freeing sealed key", zap.String("dataset", ds), zap.Error(err))
		if ferr := l.free(ctx, ds, b, handle); ferr != nil {
			err = multierror.Append(err, ferr)
		}
		return &Error{Kind: KindConsistency, Op: "set key properties", Dataset: ds, Err: err}
	}

	if err := l.engine.ChangeKeyRaw(ctx, ds, key); err != nil {
		l.logger.Warn("rewrap failed, rolling back", zap.String("dataset", ds), zap.Error(err))
		var result *multierror.Error
		result = multierror.Append(result, err)
		if ferr := l.free(ctx, ds, b, handle); ferr != nil {
			result = multierror.Append(result, ferr)
		}
		if cerr := l.clearProps(ctx, ds); cerr != nil {
			result = multierror.Append(result, cerr)
		}
		return &Error{Kind: KindConsistency, Op: "change key", Dataset: ds, Err: result.ErrorOrNil()}
	}

	fmt.Fprintf(l.Stdout, "Key for %s changed\n", ds)
	return nil
}

// freePrevious releases whatever a prior change-key left in the TPM. It
// never fails the caller: the handle may already be gone.
func (l *Lifecycle) freePrevious(ctx context.Context, ds string, prev KeyProps) {
	if prev.Empty() {
		return
	}
	if !prev.Coherent() {
		l.logger.Warn("dataset has incoherent key properties, not freeing previous key",
			zap.String("dataset", ds), zap.String("backend", prev.Backend), zap.Bool("key", prev.Handle != ""))
		return
	}
	b, ok := l.backends[prev.Backend]
	if !ok {
		l.logger.Warn("previous key sealed by unknown back-end, not freeing it", zap.String("dataset", ds), zap.String("backend", prev.Backend))
		return
	}
	if err := b.Check(prev.Handle); err != nil {
		fmt.Fprintf(l.Stderr, "Couldn't parse previous handle for dataset %s: %v\n", ds, err)
		return
	}
	if err := l.free(ctx, ds, b, prev.Handle); err != nil {
		l.logger.Warn("couldn't free previous key", zap.String("dataset", ds), zap.Error(err))
	}
}

// free calls b.Free and tells the operator how to finish the job by hand if it fails.
func (l *Lifecycle) free(ctx context.Context, ds string, b Backend, handle string) error {
	err := b.Free(ctx, handle)
	if err == nil {
		return nil
	}
	if h, ok := b.(Hinter); ok {
		fmt.Fprintf(l.Stderr, "Couldn't free %s handle for dataset %s. You might need to run \"%s\" or equivalent!\n", b.ID(), ds, h.FreeHint(handle))
	}
	return fmt.Errorf("free %s handle: %w", b.ID(), err)
}

// clearProps reverts both properties and prints the manual fix if that fails.
func (l *Lifecycle) clearProps(ctx context.Context, ds string) error {
	err := l.store.ClearKeyProps(ctx, ds)
	if err == nil {
		return nil
	}
	bp, kp := l.store.PropertyNames()
	fmt.Fprintf(l.Stderr, "You might need to run \"zfs inherit %s %s\" and \"zfs inherit %s %s\"!\n", bp, ds, kp, ds)
	return fmt.Errorf("clear key properties: %w", err)
}

// LoadKey unseals dataset's wrapping key and loads it into ZFS; with noop
// ZFS only verifies it. An empty backendID accepts whichever backend the
// dataset was sealed with.
func (l *Lifecycle) LoadKey(ctx context.Context, dataset, backendID string, noop bool) error {
	ds, err := l.Root(ctx, dataset)
	if err != nil {
		return err
	}
	props, err := l.store.KeyProps(ctx, ds)
	if err != nil {
		return WithKind(KindTPM, "read key properties", ds, err)
	}
	if err := verifyProps(ds, props, backendID); err != nil {
		return err
	}
	b, err := l.backend(props.Backend)
	if err != nil {
		return err
	}

	key, err := b.Unseal(ctx, ds, props.Handle)
	if err != nil {
		return WithKind(KindTPM, "unseal wrapping key", ds, err)
	}
	return l.loadKey(ctx, ds, key, noop)
}

// LoadKeyFrom loads a key recovered by unseal rather than through the
// dataset's stored handle, eg. from a keyfile written at change time.
func (l *Lifecycle) LoadKeyFrom(ctx context.Context, dataset string, noop bool, unseal func(ctx context.Context, ds string) ([]byte, error)) error {
	ds, err := l.Root(ctx, dataset)
	if err != nil {
		return err
	}
	key, err := unseal(ctx, ds)
	if err != nil {
		return WithKind(KindTPM, "unseal wrapping key", ds, err)
	}
	return l.loadKey(ctx, ds, key, noop)
}

func (l *Lifecycle) loadKey(ctx context.Context, ds string, key []byte, noop bool) error {
	defer clear(key)
	if err := VerifyKeyLen(key); err != nil {
		return err
	}

	if err := l.engine.LoadKey(ctx, ds, key, noop); err != nil {
		return WithKind(KindTPM, "load key", ds, err)
	}
	if noop {
		fmt.Fprintf(l.Stdout, "Key for %s OK\n", ds)
	} else {
		fmt.Fprintf(l.Stdout, "Key for %s loaded\n", ds)
	}
	return nil
}

// ClearKey rewraps dataset's key with a passphrase again and removes the
// key properties. With a backendID the stored handle is verified against
// that backend and its TPM storage freed; with none the properties are
// dropped regardless of what they hold.
func (l *Lifecycle) ClearKey(ctx context.Context, dataset, backendID string) error {
	ds, err := l.Root(ctx, dataset)
	if err != nil {
		return err
	}
	if err := l.requireKeyLoaded(ctx, ds); err != nil {
		return err
	}

	var (
		b     Backend
		props KeyProps
	)
	if backendID != "" {
		if b, err = l.backend(backendID); err != nil {
			return err
		}
		if props, err = l.store.KeyProps(ctx, ds); err != nil {
			return WithKind(KindTPM, "read key properties", ds, err)
		}
		if err := verifyProps(ds, props, backendID); err != nil {
			return err
		}
		if err := b.Check(props.Handle); err != nil {
			return WithKind(KindUsage, "parse handle", ds, err)
		}
	}

	if err := l.engine.ChangeKeyPassphrase(ctx, ds); err != nil {
		return WithKind(KindTPM, "clear rewrap", ds, err)
	}

	var result *multierror.Error
	if b != nil {
		if err := l.free(ctx, ds, b, props.Handle); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := l.clearProps(ctx, ds); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return &Error{Kind: KindConsistency, Op: "clear key", Dataset: ds, Err: err}
	}
	return nil
}

// IsAuthError reports whether err ended in exhausted authorization retries.
func IsAuthError(err error) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == KindAuth {
			return true
		}
		err = e.Err
	}
	return false
}
