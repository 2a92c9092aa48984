package tpm1x

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/google/go-tpm/tpmutil"
	"go.uber.org/zap"

	"github.com/salrashid123/tpmzfs"
	"github.com/salrashid123/tpmzfs/passphrase"
)

const (
	maxParentPassphrase = 256

	srkRetries    = 1
	unsealRetries = 3
)

type Config struct {
	Path     string              // TPM device or host:port of a TPM 1.2 command socket
	PCRs     []uint32            // sealed data is bound to these PCRs' current values
	Prompter passphrase.Prompter // asks for the parent key and SRK passphrases
	Logger   *zap.Logger
	Random   io.Reader // overrides the TPM's RNG for new keys
}

// Backend seals wrapping keys under a fresh parent key created below the
// SRK. Nothing stays loaded in the TPM: both blobs live in the handle.
type Backend struct {
	cfg Config
}

var _ tpmzfs.Backend = (*Backend)(nil)

func New(cfg Config) *Backend {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) ID() string { return tpmzfs.BackendTPM1X }

func (b *Backend) NewKey(ctx context.Context) ([]byte, error) {
	if b.cfg.Random != nil {
		return tpmzfs.NewWrappingKey(b.cfg.Random)
	}
	var key []byte
	err := withSession(ctx, b.cfg.Path, b.cfg.Logger, func(s *session) error {
		var err error
		key, err = tpmzfs.NewWrappingKey(s)
		return err
	})
	return key, err
}

func (b *Backend) Seal(ctx context.Context, dataset string, key []byte) (string, error) {
	var h Handle
	err := withSession(ctx, b.cfg.Path, b.cfg.Logger, func(s *session) error {
		// PCRs first, so a bad index fails before any prompting.
		info, err := s.pcrInfo(b.cfg.PCRs)
		if err != nil {
			return err
		}

		pass, err := b.cfg.Prompter.ReadNew(dataset+" TPM1.X wrapping key (or empty for none)", maxParentPassphrase)
		if err != nil {
			return err
		}
		parentAuth := DefaultParentKeySecret
		if len(pass) > 0 {
			parentAuth = sha1.Sum(pass)
		}
		clear(pass)

		err = b.withSRK(s, func() (err error) {
			h.ParentKey, err = s.createWrapKey(parentAuth)
			return err
		})
		if err != nil {
			return tpmzfs.WithKind(tpmzfs.KindTPM, "create sealant key (did you take ownership?)", dataset, err)
		}
		kh, err := s.loadKey2(h.ParentKey)
		if err != nil {
			return tpmzfs.WithKind(tpmzfs.KindTPM, "load sealant key", dataset, err)
		}
		if h.SealedObject, err = s.seal(kh, parentAuth, SealingSecret, info, key); err != nil {
			return tpmzfs.WithKind(tpmzfs.KindTPM, "seal wrapping key data", dataset, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

func (b *Backend) Unseal(ctx context.Context, dataset, handle string) ([]byte, error) {
	h, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}

	var key []byte
	err = withSession(ctx, b.cfg.Path, b.cfg.Logger, func(s *session) error {
		var kh tpmutil.Handle
		err := b.withSRK(s, func() (err error) {
			kh, err = s.loadKey2(h.ParentKey)
			return err
		})
		if err != nil {
			return tpmzfs.WithKind(tpmzfs.KindTPM, "load sealant key from blob (did you take ownership?)", dataset, err)
		}

		parentAuth := DefaultParentKeySecret
		err = tpmzfs.RetryAuth(unsealRetries, IsAuthError,
			func(retry int) error {
				b.cfg.Logger.Info("parent key authorization failed, asking for passphrase", zap.String("dataset", dataset), zap.Int("retry", retry))
				pass, err := b.cfg.Prompter.ReadKnown(dataset+" TPM1.X wrapping key", maxParentPassphrase)
				if err != nil {
					return err
				}
				parentAuth = sha1.Sum(pass)
				clear(pass)
				return nil
			},
			func() (err error) {
				key, err = s.unseal(kh, parentAuth, SealingSecret, h.SealedObject)
				return err
			})
		if err != nil {
			return tpmzfs.WithKind(tpmzfs.KindTPM, "unseal wrapping key", dataset, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// withSRK runs fn with the current SRK secret; if the TPM refuses it, the
// user is asked once for the SRK passphrase.
func (b *Backend) withSRK(s *session, fn func() error) error {
	return tpmzfs.RetryAuth(srkRetries, IsAuthError,
		func(int) error {
			pass, err := b.cfg.Prompter.ReadKnown("SRK", 0)
			if err != nil {
				return err
			}
			s.srkAuth = sha1.Sum(pass)
			clear(pass)
			return nil
		}, fn)
}

// Free has nothing to release: the TPM keeps no state for a TPM1.X handle.
func (b *Backend) Free(_ context.Context, handle string) error {
	return b.Check(handle)
}

func (b *Backend) Check(handle string) error {
	_, err := ParseHandle(handle)
	return err
}

// PCRValue is one PCR as read or extended by MuddlePCRs.
type PCRValue struct {
	Index uint32
	Value [digestSize]byte
}

func (v PCRValue) String() string {
	return fmt.Sprintf("PCR%d: %s", v.Index, tpmzfs.EncodeHex(v.Value[:]))
}

// MuddlePCRs extends each PCR with random data, or with readOnly only reads
// it, returning the resulting values.
func (b *Backend) MuddlePCRs(ctx context.Context, pcrs []uint32, readOnly bool) ([]PCRValue, error) {
	var out []PCRValue
	err := withSession(ctx, b.cfg.Path, b.cfg.Logger, func(s *session) error {
		for _, p := range pcrs {
			var (
				v   [digestSize]byte
				err error
			)
			if readOnly {
				v, err = s.pcrRead(p)
			} else {
				var d [digestSize]byte
				if _, err = io.ReadFull(s, d[:]); err == nil {
					v, err = s.extend(p, d)
				}
			}
			if err != nil {
				return tpmzfs.WithKind(tpmzfs.KindTPM, fmt.Sprintf("muddle PCR %d", p), "", err)
			}
			out = append(out, PCRValue{Index: p, Value: v})
		}
		return nil
	})
	return out, err
}
