// Package tpm2 seals wrapping keys in a TPM2, persisting the sealed object
// under the owner hierarchy and optionally binding it to a PCR policy.
package tpm2

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/go-tpm/tpm2"
	"go.uber.org/zap"

	"github.com/salrashid123/tpmzfs"
	"github.com/salrashid123/tpmzfs/passphrase"
)

const (
	maxHierarchyAuth = 64 // sizeof(TPMU_HA)
	maxObjectAuth    = 32 // sealed objects use SHA-256 names
	maxMetadata      = 66 // sizeof(TPMT_HA)

	ownerRetries  = 3
	unsealRetries = 3

	ownerSubject = "TPM2 owner hierarchy"
)

type Config struct {
	Path string // /dev/tpmrm0, /dev/tpm0 or host:port of a TPM2 command socket
	// Bind new keys to these PCRs.
	PCRs []tpm2.TPMSPCRSelection
	// With PCRs, also ask for a passphrase that unseals the key on its own.
	AllowPCRsOrPassphrase bool
	// If set, Seal also writes the sealed object here as a TSS2 PEM keyfile.
	KeyfileOut io.Writer
	Prompter   passphrase.Prompter
	Logger     *zap.Logger
}

// Backend seals each wrapping key into an object persisted at the lowest
// free owner persistent handle.
type Backend struct {
	cfg Config
}

var (
	_ tpmzfs.Backend = (*Backend)(nil)
	_ tpmzfs.Hinter  = (*Backend)(nil)
)

func New(cfg Config) *Backend {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) ID() string { return tpmzfs.BackendTPM2 }

func (b *Backend) NewKey(ctx context.Context) ([]byte, error) {
	var key []byte
	err := withSession(ctx, b.cfg.Path, b.cfg.Logger, func(s *session) error {
		rsp, err := tpm2.GetRandom{BytesRequested: tpmzfs.WrappingKeyLen}.Execute(s.rwr)
		if err != nil {
			return tpmzfs.Errorf(tpmzfs.KindTPM, "get random data from TPM", "tpm2: %w", err)
		}
		if got := len(rsp.RandomBytes.Buffer); got != tpmzfs.WrappingKeyLen {
			return tpmzfs.Errorf(tpmzfs.KindTPM, "get random data from TPM", "tpm2: wrong random size: wanted %d, got %d bytes", tpmzfs.WrappingKeyLen, got)
		}
		key = rsp.RandomBytes.Buffer
		return nil
	})
	return key, err
}

// creationMetadata is the outsideInfo recorded with created objects.
func creationMetadata(dataset string, now time.Time) tpm2.TPM2BData {
	md := fmt.Appendf(nil, "%d.%09d %s %s\x00", now.Unix(), now.Nanosecond(), dataset, tpmzfs.Version)
	if len(md) > maxMetadata {
		md = md[:maxMetadata]
	}
	return tpm2.TPM2BData{Buffer: md}
}

// primaryTemplate is the RSA storage key everything is sealed under. Being
// a primary it's rederived from the owner seed on every use.
func primaryTemplate() tpm2.TPMTPublic {
	t := tpm2.RSASRKTemplate
	t.NameAlg = tpm2.TPMAlgSHA1
	t.ObjectAttributes.NoDA = false
	return t
}

func sealedTemplate(policy tpm2.TPM2BDigest, userWithAuth bool) tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:       tpm2.TPMAlgKeyedHash,
		NameAlg:    tpm2.TPMAlgSHA256,
		AuthPolicy: policy,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:     true,
			FixedParent:  true,
			UserWithAuth: userWithAuth,
		},
	}
}

// withOwner runs fn with the session's owner auth, asking for the owner
// hierarchy passphrase when the TPM refuses it.
func (b *Backend) withOwner(s *session, what string, fn func() error) error {
	return tpmzfs.RetryAuth(ownerRetries, IsAuthError,
		func(retry int) error {
			b.cfg.Logger.Info("owner hierarchy authorization failed", zap.String("op", what), zap.Int("retry", retry))
			pass, err := b.cfg.Prompter.ReadKnown(ownerSubject, maxHierarchyAuth)
			if err != nil {
				return err
			}
			clear(s.ownerAuth)
			s.ownerAuth = pass
			return nil
		}, fn)
}

func (b *Backend) createPrimary(s *session, dataset string) (*tpm2.CreatePrimaryResponse, error) {
	var primary *tpm2.CreatePrimaryResponse
	err := b.withOwner(s, "create primary encryption key", func() (err error) {
		primary, err = tpm2.CreatePrimary{
			PrimaryHandle: s.owner(),
			InPublic:      tpm2.New2B(primaryTemplate()),
			OutsideInfo:   creationMetadata(dataset, time.Now()),
			CreationPCR:   tpm2.TPMLPCRSelection{PCRSelections: b.cfg.PCRs},
		}.Execute(s.rwr, s.salted())
		return err
	})
	if err != nil {
		return nil, tpmzfs.WithKind(tpmzfs.KindTPM, "create primary encryption key", dataset, err)
	}
	s.track(primary.ObjectHandle)
	return primary, nil
}

func (b *Backend) Seal(ctx context.Context, dataset string, key []byte) (string, error) {
	h := Handle{PCRs: b.cfg.PCRs}
	err := withSession(ctx, b.cfg.Path, b.cfg.Logger, func(s *session) error {
		primary, err := b.createPrimary(s, dataset)
		if err != nil {
			return err
		}

		var pcrsDigest []byte
		var policy tpm2.TPM2BDigest
		if len(b.cfg.PCRs) > 0 {
			if pcrsDigest, err = pcrDigest(s.readPCRs, b.cfg.PCRs); err != nil {
				return tpmzfs.WithKind(tpmzfs.KindTPM, "read PCRs", dataset, err)
			}
			if policy, err = s.policyDigest(b.cfg.PCRs, pcrsDigest); err != nil {
				return tpmzfs.WithKind(tpmzfs.KindTPM, "get PCR policy digest", dataset, err)
			}
		}

		var auth []byte
		if len(b.cfg.PCRs) == 0 || b.cfg.AllowPCRsOrPassphrase {
			if auth, err = b.cfg.Prompter.ReadNew(dataset+" TPM2 wrapping key (or empty for none)", maxObjectAuth); err != nil {
				return err
			}
			defer clear(auth)
		}

		created, err := tpm2.Create{
			ParentHandle: tpm2.AuthHandle{
				Handle: primary.ObjectHandle,
				Name:   primary.Name,
				Auth:   tpm2.PasswordAuth(nil),
			},
			InPublic: tpm2.New2B(sealedTemplate(policy, len(b.cfg.PCRs) == 0 || len(auth) > 0)),
			InSensitive: tpm2.TPM2BSensitiveCreate{
				Sensitive: &tpm2.TPMSSensitiveCreate{
					Data:     tpm2.NewTPMUSensitiveCreate(&tpm2.TPM2BSensitiveData{Buffer: key}),
					UserAuth: tpm2.TPM2BAuth{Buffer: auth},
				},
			},
			OutsideInfo: creationMetadata(dataset, time.Now()),
			CreationPCR: tpm2.TPMLPCRSelection{PCRSelections: b.cfg.PCRs},
		}.Execute(s.rwr, s.salted())
		if err != nil {
			return tpmzfs.WithKind(tpmzfs.KindTPM, "create key seal", dataset, fmt.Errorf("tpm2: %w", err))
		}

		loaded, err := tpm2.Load{
			ParentHandle: tpm2.AuthHandle{
				Handle: primary.ObjectHandle,
				Name:   primary.Name,
				Auth:   tpm2.PasswordAuth(nil),
			},
			InPrivate: created.OutPrivate,
			InPublic:  created.OutPublic,
		}.Execute(s.rwr, s.salted())
		if err != nil {
			return tpmzfs.WithKind(tpmzfs.KindTPM, "load key seal", dataset, fmt.Errorf("tpm2: %w", err))
		}
		s.track(loaded.ObjectHandle)

		// Nothing may fail after the key is persisted.
		if b.cfg.KeyfileOut != nil {
			if err := writeKeyfile(b.cfg.KeyfileOut, dataset, created, b.cfg.PCRs, pcrsDigest, auth); err != nil {
				return tpmzfs.WithKind(tpmzfs.KindConsistency, "write keyfile", dataset, err)
			}
		}

		if h.Persistent, err = freePersistent(s.usedPersistent); err != nil {
			return err
		}
		b.cfg.Logger.Debug("persisting sealed key", zap.String("dataset", dataset), zap.Uint32("handle", uint32(h.Persistent)))
		err = b.withOwner(s, "persist key seal", func() error {
			_, err := tpm2.EvictControl{
				Auth: s.owner(),
				ObjectHandle: &tpm2.NamedHandle{
					Handle: loaded.ObjectHandle,
					Name:   loaded.Name,
				},
				PersistentHandle: h.Persistent,
			}.Execute(s.rwr)
			return err
		})
		if err != nil {
			return tpmzfs.WithKind(tpmzfs.KindTPM, "persist key seal", dataset, fmt.Errorf("tpm2: %w", err))
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
		pub, err := tpm2.ReadPublic{ObjectHandle: h.Persistent}.Execute(s.rwr)
		if err != nil {
			return tpmzfs.WithKind(tpmzfs.KindTPM, "convert persistent handle to object", dataset, fmt.Errorf("tpm2: %w", err))
		}
		key, err = b.unseal(s, dataset, tpm2.NamedHandle{Handle: h.Persistent, Name: pub.Name}, h.PCRs)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tpmzfs.VerifyKeyLen(key); err != nil {
		return nil, err
	}
	return key, nil
}

// unseal tries the PCR policy once, if there is one, then falls back to
// the object's auth value: empty first, then prompted.
func (b *Backend) unseal(s *session, dataset string, obj tpm2.NamedHandle, pcrs []tpm2.TPMSPCRSelection) ([]byte, error) {
	if len(pcrs) > 0 {
		pcrsDigest, err := pcrDigest(s.readPCRs, pcrs)
		if err != nil {
			return nil, tpmzfs.WithKind(tpmzfs.KindTPM, "read PCRs", dataset, err)
		}
		sess, cleanup, err := s.policyPCR(pcrs, pcrsDigest, false)
		if err != nil {
			return nil, tpmzfs.WithKind(tpmzfs.KindTPM, "start PCR session", dataset, err)
		}
		rsp, err := tpm2.Unseal{
			ItemHandle: tpm2.AuthHandle{
				Handle: obj.Handle,
				Name:   obj.Name,
				Auth:   sess,
			},
		}.Execute(s.rwr)
		_ = cleanup()
		if err == nil {
			return rsp.OutData.Buffer, nil
		}
		b.cfg.Logger.Warn("Couldn't unseal wrapping key with PCR policy", zap.String("dataset", dataset), zap.Error(err))
	}

	var auth, out []byte
	defer func() { clear(auth) }()
	err := tpmzfs.RetryAuth(unsealRetries, IsAuthError,
		func(retry int) error {
			b.cfg.Logger.Info("wrapping key authorization failed, asking for passphrase", zap.String("dataset", dataset), zap.Int("retry", retry))
			pass, err := b.cfg.Prompter.ReadKnown(dataset+" TPM2 wrapping key", maxObjectAuth)
			if err != nil {
				return err
			}
			clear(auth)
			auth = pass
			return nil
		},
		func() error {
			rsp, err := tpm2.Unseal{
				ItemHandle: tpm2.AuthHandle{
					Handle: obj.Handle,
					Name:   obj.Name,
					Auth:   s.objectAuth(auth),
				},
			}.Execute(s.rwr)
			if err != nil {
				return err
			}
			out = rsp.OutData.Buffer
			return nil
		})
	if err != nil {
		return nil, tpmzfs.WithKind(tpmzfs.KindTPM, "unseal wrapping key", dataset, fmt.Errorf("tpm2: %w", err))
	}
	return out, nil
}

// LoadKeyfile unseals a key from a keyfile written through
// Config.KeyfileOut, for when its persistent handle is gone.
func (b *Backend) LoadKeyfile(ctx context.Context, dataset string, pem []byte) ([]byte, error) {
	tkf, pcrs, err := readKeyfile(pem)
	if err != nil {
		return nil, &tpmzfs.Error{Kind: tpmzfs.KindUsage, Op: "read keyfile", Dataset: dataset, Err: err}
	}

	var key []byte
	err = withSession(ctx, b.cfg.Path, b.cfg.Logger, func(s *session) error {
		primary, err := b.createPrimary(s, dataset)
		if err != nil {
			return err
		}
		loaded, err := tpm2.Load{
			ParentHandle: tpm2.AuthHandle{
				Handle: primary.ObjectHandle,
				Name:   primary.Name,
				Auth:   tpm2.PasswordAuth(nil),
			},
			InPrivate: tkf.Privkey,
			InPublic:  tkf.Pubkey,
		}.Execute(s.rwr, s.salted())
		if err != nil {
			return tpmzfs.WithKind(tpmzfs.KindTPM, "load key seal", dataset, fmt.Errorf("tpm2: %w", err))
		}
		s.track(loaded.ObjectHandle)

		key, err = b.unseal(s, dataset, tpm2.NamedHandle{Handle: loaded.ObjectHandle, Name: loaded.Name}, pcrs)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tpmzfs.VerifyKeyLen(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (b *Backend) Free(ctx context.Context, handle string) error {
	h, err := ParseHandle(handle)
	if err != nil {
		return err
	}
	return withSession(ctx, b.cfg.Path, b.cfg.Logger, func(s *session) error {
		pub, err := tpm2.ReadPublic{ObjectHandle: h.Persistent}.Execute(s.rwr)
		if err != nil {
			return tpmzfs.Errorf(tpmzfs.KindTPM, "convert persistent handle to object", "tpm2: 0x%X: %w", uint32(h.Persistent), err)
		}
		err = b.withOwner(s, "unpersist object", func() error {
			_, err := tpm2.EvictControl{
				Auth: s.owner(),
				ObjectHandle: &tpm2.NamedHandle{
					Handle: h.Persistent,
					Name:   pub.Name,
				},
				PersistentHandle: h.Persistent,
			}.Execute(s.rwr)
			return err
		})
		if err != nil {
			return tpmzfs.WithKind(tpmzfs.KindTPM, "unpersist object", "", fmt.Errorf("tpm2: %w", err))
		}
		return nil
	})
}

// FreeHint is the tpm2-tools command that evicts handle by hand.
func (b *Backend) FreeHint(handle string) string {
	if h, err := ParseHandle(handle); err == nil {
		return fmt.Sprintf("tpm2_evictcontrol -c 0x%X", uint32(h.Persistent))
	}
	return "tpm2_evictcontrol -c " + handle
}

func (b *Backend) Check(handle string) error {
	_, err := ParseHandle(handle)
	return err
}
