package tpm2

import (
	"fmt"
	"io"
	"slices"

	keyfile "github.com/foxboron/go-tpm-keyfiles"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpmutil"
	genkeyutil "github.com/salrashid123/tpm2genkey/util"
)

// writeKeyfile encodes a sealed object created under the owner primary as
// a TSS2 PEM keyfile, recording the PCR policy it was bound with.
func writeKeyfile(w io.Writer, dataset string, created *tpm2.CreateResponse, pcrs []tpm2.TPMSPCRSelection, pcrsDigest []byte, auth []byte) error {
	var policy []*keyfile.TPMPolicy
	if len(pcrs) > 0 {
		e, err := genkeyutil.CPBytes(tpm2.PolicyPCR{
			PcrDigest: tpm2.TPM2BDigest{Buffer: pcrsDigest},
			Pcrs:      tpm2.TPMLPCRSelection{PCRSelections: pcrs},
		})
		if err != nil {
			return fmt.Errorf("tpm2: error creating cpbytes PolicyPCR: %w", err)
		}
		policy = append(policy, &keyfile.TPMPolicy{
			CommandCode:   int(tpm2.TPMCCPolicyPCR),
			CommandPolicy: e,
		})
	}

	tkf := keyfile.NewTPMKey(
		keyfile.OIDSealedKey,
		created.OutPublic,
		created.OutPrivate,
		keyfile.WithParent(tpm2.TPMRHOwner),
		keyfile.WithPolicy(policy),
		keyfile.WithUserAuth(auth),
		keyfile.WithDescription(dataset),
	)
	if err := keyfile.Encode(w, tkf); err != nil {
		return fmt.Errorf("tpm2: failed to encode TPMKey: %w", err)
	}
	return nil
}

// readKeyfile decodes a keyfile written by writeKeyfile.
func readKeyfile(pem []byte) (*keyfile.TPMKey, []tpm2.TPMSPCRSelection, error) {
	tkf, err := keyfile.Decode(pem)
	if err != nil {
		return nil, nil, fmt.Errorf("tpm2: error decoding keyfile: %w", err)
	}
	if !keyfile.IsMSO(tpm2.TPMHandle(tkf.Parent), keyfile.TPM_HT_PERMANENT) || tkf.Parent != tpm2.TPMRHOwner {
		return nil, nil, fmt.Errorf("tpm2: keyfile parent 0x%X is not the owner hierarchy", uint32(tkf.Parent))
	}

	var pcrs []tpm2.TPMSPCRSelection
	for _, p := range tkf.Policy {
		if p.CommandCode != int(tpm2.TPMCCPolicyPCR) {
			return nil, nil, fmt.Errorf("tpm2: unsupported keyfile policy command 0x%X", p.CommandCode)
		}
		sels, err := unpackPolicyPCR(p.CommandPolicy)
		if err != nil {
			return nil, nil, err
		}
		pcrs = append(pcrs, sels...)
	}
	return tkf, pcrs, nil
}

// unpackPolicyPCR reads the PCR selection out of PolicyPCR's marshalled
// parameters (pcrDigest, then pcrs).
func unpackPolicyPCR(b []byte) ([]tpm2.TPMSPCRSelection, error) {
	var (
		digest tpmutil.U16Bytes
		count  uint32
	)
	n, err := tpmutil.Unpack(b, &digest, &count)
	if err != nil {
		return nil, fmt.Errorf("tpm2: keyfile PolicyPCR: %w", err)
	}
	b = b[n:]
	if count > MaxBanks {
		return nil, fmt.Errorf("tpm2: keyfile PolicyPCR: %d banks", count)
	}

	sels := make([]tpm2.TPMSPCRSelection, 0, count)
	for range count {
		var (
			hash uint16
			size uint8
		)
		n, err := tpmutil.Unpack(b, &hash, &size)
		if err != nil {
			return nil, fmt.Errorf("tpm2: keyfile PolicyPCR: %w", err)
		}
		b = b[n:]
		if len(b) < int(size) {
			return nil, fmt.Errorf("tpm2: keyfile PolicyPCR: short selection")
		}
		sels = append(sels, tpm2.TPMSPCRSelection{Hash: tpm2.TPMAlgID(hash), PCRSelect: slices.Clone(b[:size])})
		b = b[size:]
	}
	return sels, nil
}
