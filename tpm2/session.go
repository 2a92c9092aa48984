package tpm2

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"go.uber.org/zap"

	"github.com/salrashid123/tpmzfs"
)

// session is one connection to the TPM with an endorsement key loaded to
// salt the HMAC sessions commands run under.
type session struct {
	rwr    transport.TPM
	logger *zap.Logger

	ek    tpm2.TPMHandle
	ekPub *tpm2.TPMTPublic

	ownerAuth []byte
	transient []tpm2.TPMHandle
}

func withSession(ctx context.Context, path string, logger *zap.Logger, fn func(*session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rwc, err := tpmzfs.OpenTPM(path)
	if err != nil {
		return tpmzfs.Errorf(tpmzfs.KindTPM, "open TPM", "tpm2: can't open TPM %s: %w", path, err)
	}
	defer rwc.Close()

	s := &session{rwr: transport.FromReadWriter(rwc), logger: logger}
	defer s.flush()

	if _, err := (tpm2.Startup{StartupType: tpm2.TPMSUClear}).Execute(s.rwr); err != nil && !errors.Is(err, tpm2.TPMRCInitialize) {
		return tpmzfs.Errorf(tpmzfs.KindTPM, "start TPM", "tpm2: startup: %w", err)
	}

	createEKRsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}.Execute(s.rwr)
	if err != nil {
		return tpmzfs.Errorf(tpmzfs.KindTPM, "create EK", "tpm2: error creating EK primary: %w", err)
	}
	s.track(createEKRsp.ObjectHandle)
	if s.ekPub, err = createEKRsp.OutPublic.Contents(); err != nil {
		return fmt.Errorf("tpm2: error getting session encryption public contents: %w", err)
	}
	s.ek = createEKRsp.ObjectHandle

	return fn(s)
}

// track schedules h to be flushed when the session ends.
func (s *session) track(h tpm2.TPMHandle) {
	s.transient = append(s.transient, h)
}

func (s *session) flush() {
	for i := len(s.transient) - 1; i >= 0; i-- {
		h := s.transient[i]
		if _, err := (tpm2.FlushContext{FlushHandle: h}).Execute(s.rwr); err != nil {
			s.logger.Warn("couldn't flush transient handle", zap.Uint32("handle", uint32(h)), zap.Error(err))
		}
	}
	s.transient = nil
}

// salted is a one-shot HMAC session salted with the EK, encrypting the
// first parameter both ways.
func (s *session) salted() tpm2.Session {
	return tpm2.HMAC(tpm2.TPMAlgSHA256, 16, tpm2.AESEncryption(128, tpm2.EncryptInOut), tpm2.Salted(s.ek, *s.ekPub))
}

// objectAuth authorizes use of an object by its auth value; only the
// response is encrypted since commands like Unseal take no parameters.
func (s *session) objectAuth(auth []byte) tpm2.Session {
	return tpm2.HMAC(tpm2.TPMAlgSHA256, 16, tpm2.Auth(auth), tpm2.AESEncryption(128, tpm2.EncryptOut), tpm2.Salted(s.ek, *s.ekPub))
}

func (s *session) owner() tpm2.AuthHandle {
	return tpm2.AuthHandle{
		Handle: tpm2.TPMRHOwner,
		Name:   tpm2.HandleName(tpm2.TPMRHOwner),
		Auth:   tpm2.PasswordAuth(s.ownerAuth),
	}
}

func (s *session) readPCRs(sel tpm2.TPMLPCRSelection) (*tpm2.PCRReadResponse, error) {
	return tpm2.PCRRead{PCRSelectionIn: sel}.Execute(s.rwr)
}

// policyPCR starts a policy session (a trial one for computing digests)
// asserting that sels currently hash to pcrsDigest.
func (s *session) policyPCR(sels []tpm2.TPMSPCRSelection, pcrsDigest []byte, trial bool) (tpm2.Session, func() error, error) {
	opts := []tpm2.AuthOption{tpm2.AESEncryption(128, tpm2.EncryptOut), tpm2.Salted(s.ek, *s.ekPub)}
	if trial {
		opts = append(opts, tpm2.Trial())
	}
	sess, cleanup, err := tpm2.PolicySession(s.rwr, tpm2.TPMAlgSHA256, 16, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("tpm2: start PCR session: %w", err)
	}

	_, err = tpm2.PolicyPCR{
		PolicySession: sess.Handle(),
		PcrDigest:     tpm2.TPM2BDigest{Buffer: pcrsDigest},
		Pcrs:          tpm2.TPMLPCRSelection{PCRSelections: sels},
	}.Execute(s.rwr)
	if err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("tpm2: create PCR policy: %w", err)
	}
	return sess, cleanup, nil
}

// policyDigest is the authPolicy of an object sealed to sels hashing to
// pcrsDigest, as computed by the TPM in a trial session.
func (s *session) policyDigest(sels []tpm2.TPMSPCRSelection, pcrsDigest []byte) (tpm2.TPM2BDigest, error) {
	sess, cleanup, err := s.policyPCR(sels, pcrsDigest, true)
	if err != nil {
		return tpm2.TPM2BDigest{}, err
	}
	defer cleanup()

	pgd, err := tpm2.PolicyGetDigest{PolicySession: sess.Handle()}.Execute(s.rwr)
	if err != nil {
		return tpm2.TPM2BDigest{}, fmt.Errorf("tpm2: get PCR policy digest: %w", err)
	}

	want, err := expectedPolicy(sels, pcrsDigest)
	if err != nil {
		return tpm2.TPM2BDigest{}, err
	}
	if !bytes.Equal(want, pgd.PolicyDigest.Buffer) {
		return tpm2.TPM2BDigest{}, fmt.Errorf("tpm2: TPM policy digest %X doesn't match computed %X", pgd.PolicyDigest.Buffer, want)
	}
	return pgd.PolicyDigest, nil
}

// expectedPolicy computes the PolicyPCR digest in software.
func expectedPolicy(sels []tpm2.TPMSPCRSelection, pcrsDigest []byte) ([]byte, error) {
	pol, err := tpm2.NewPolicyCalculator(tpm2.TPMAlgSHA256)
	if err != nil {
		return nil, fmt.Errorf("tpm2: error setting up NewPolicyCalculator: %w", err)
	}
	papcr := tpm2.PolicyPCR{
		PcrDigest: tpm2.TPM2BDigest{Buffer: pcrsDigest},
		Pcrs:      tpm2.TPMLPCRSelection{PCRSelections: sels},
	}
	if err := papcr.Update(pol); err != nil {
		return nil, fmt.Errorf("tpm2: error updating NewPolicyCalculator for PolicyPCR: %w", err)
	}
	return pol.Hash().Digest, nil
}

// usedPersistent pages through the persistent handles in use from first up.
func (s *session) usedPersistent(first tpm2.TPMHandle) ([]tpm2.TPMHandle, bool, error) {
	rsp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapHandles,
		Property:      uint32(first),
		PropertyCount: maxCapHandles,
	}.Execute(s.rwr)
	if err != nil {
		return nil, false, fmt.Errorf("tpm2: read used persistent handles: %w", err)
	}
	handles, err := rsp.CapabilityData.Data.Handles()
	if err != nil {
		return nil, false, fmt.Errorf("tpm2: read used persistent handles: %w", err)
	}
	return handles.Handle, bool(rsp.MoreData), nil
}

// IsAuthError reports whether the TPM rejected an authorization value.
func IsAuthError(err error) bool {
	return errors.Is(err, tpm2.TPMRCBadAuth) || errors.Is(err, tpm2.TPMRCAuthFail)
}
