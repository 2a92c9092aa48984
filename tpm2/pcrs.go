package tpm2

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/go-tpm/tpm2"

	"github.com/salrashid123/tpmzfs"
)

const (
	// Most TPM2s have 24 PCRs; a wider select is refused by CreatePrimary.
	MaxPCR     = 23
	selectSize = (MaxPCR + 1 + 7) / 8

	MaxBanks = 16 // TPM2_NUM_PCR_BANKS
)

type hashAlg struct {
	id    tpm2.TPMAlgID
	names []string // first one is canonical
}

// sorted by id
var hashAlgs = []hashAlg{
	{tpm2.TPMAlgSHA1, []string{"sha1"}},
	{tpm2.TPMAlgSHA256, []string{"sha256"}},
	{tpm2.TPMAlgSHA384, []string{"sha384"}},
	{tpm2.TPMAlgSHA512, []string{"sha512"}},
	{tpm2.TPMAlgSM3256, []string{"sm3_256", "sm3-256"}},
	{tpm2.TPMAlgSHA3256, []string{"sha3_256", "sha3-256"}},
	{tpm2.TPMAlgSHA3384, []string{"sha3_384", "sha3-384"}},
	{tpm2.TPMAlgSHA3512, []string{"sha3_512", "sha3-512"}},
}

func lookupHashAlg(id tpm2.TPMAlgID) (hashAlg, bool) {
	i, ok := slices.BinarySearchFunc(hashAlgs, id, func(a hashAlg, id tpm2.TPMAlgID) int { return int(a.id) - int(id) })
	if !ok {
		return hashAlg{}, false
	}
	return hashAlgs[i], true
}

// HashAlgName is the canonical bank name for id, or its number if it has none.
func HashAlgName(id tpm2.TPMAlgID) string {
	if a, ok := lookupHashAlg(id); ok {
		return a.names[0]
	}
	return fmt.Sprintf("0x%X", uint16(id))
}

func parseHashAlg(s string) (tpm2.TPMAlgID, error) {
	for _, a := range hashAlgs {
		for _, n := range a.names {
			if strings.EqualFold(s, n) {
				return a.id, nil
			}
		}
	}
	if !strings.HasPrefix(s, "-") {
		if v, err := strconv.ParseUint(s, 0, 16); err == nil {
			if a, ok := lookupHashAlg(tpm2.TPMAlgID(v)); ok {
				return a.id, nil
			}
		}
	}
	var names []string
	for _, a := range hashAlgs {
		names = append(names, a.names...)
	}
	return 0, fmt.Errorf("tpm2: unknown hash algorithm %s; can be any of case-insensitive %s", s, strings.Join(names, ", "))
}

func splitAny(s, seps string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(seps, r) })
}

// ParsePCRs reads a bank list like "sha256:0,7+sha1:all". Each bank may
// name PCRs 0..23 or say "all" or "none".
func ParsePCRs(s string) ([]tpm2.TPMSPCRSelection, error) {
	var sels []tpm2.TPMSPCRSelection
	for _, bank := range splitAny(s, "+") {
		bank = strings.TrimLeft(bank, " ")
		if len(sels) == MaxBanks {
			return nil, tpmzfs.Errorf(tpmzfs.KindUsage, "parse PCRs", "tpm2: too many PCR banks specified, can only have up to %d", MaxBanks)
		}

		name, values, ok := strings.Cut(bank, ":")
		if !ok {
			return nil, tpmzfs.Errorf(tpmzfs.KindUsage, "parse PCRs", "tpm2: PCR bank %q: no algorithm; need alg:PCR[,PCR]...", bank)
		}
		alg, err := parseHashAlg(name)
		if err != nil {
			return nil, &tpmzfs.Error{Kind: tpmzfs.KindUsage, Op: "parse PCRs", Err: err}
		}

		sel := tpm2.TPMSPCRSelection{Hash: alg, PCRSelect: make([]byte, selectSize)}
		switch {
		case strings.EqualFold(values, "all"):
			for i := range sel.PCRSelect {
				sel.PCRSelect[i] = 0xFF
			}
		case strings.EqualFold(values, "none"):
		default:
			for _, v := range splitAny(values, ", ") {
				if strings.HasPrefix(v, "-") {
					return nil, tpmzfs.Errorf(tpmzfs.KindUsage, "parse PCRs", "tpm2: PCR %s: out of range", v)
				}
				pcr, err := strconv.ParseUint(v, 0, 8)
				if err != nil {
					return nil, tpmzfs.Errorf(tpmzfs.KindUsage, "parse PCRs", "tpm2: PCR %s: %w", v, err)
				}
				if pcr > MaxPCR {
					return nil, tpmzfs.Errorf(tpmzfs.KindUsage, "parse PCRs", "tpm2: PCR %s: out of range, max %d", v, MaxPCR)
				}
				sel.PCRSelect[pcr/8] |= 1 << (pcr % 8)
			}
		}
		sels = append(sels, sel)
	}
	return sels, nil
}

func allBytes(b []byte, v byte) bool {
	for _, c := range b {
		if c != v {
			return false
		}
	}
	return true
}

// UnparsePCRs renders sels in the form ParsePCRs reads, with canonical
// algorithm names.
func UnparsePCRs(sels []tpm2.TPMSPCRSelection) string {
	var sb strings.Builder
	for i, sel := range sels {
		if i > 0 {
			sb.WriteByte('+')
		}
		sb.WriteString(HashAlgName(sel.Hash))
		switch {
		case allBytes(sel.PCRSelect, 0x00):
			sb.WriteString(":none")
		case allBytes(sel.PCRSelect, 0xFF):
			sb.WriteString(":all")
		default:
			sep := byte(':')
			for j, b := range sel.PCRSelect {
				for bit := 0; bit < 8; bit++ {
					if b&(1<<bit) != 0 {
						sb.WriteByte(sep)
						sb.WriteString(strconv.Itoa(j*8 + bit))
						sep = ','
					}
				}
			}
		}
	}
	return sb.String()
}

func anySelected(sels []tpm2.TPMSPCRSelection) bool {
	for _, sel := range sels {
		if !allBytes(sel.PCRSelect, 0x00) {
			return true
		}
	}
	return false
}

func cloneSelections(sels []tpm2.TPMSPCRSelection) []tpm2.TPMSPCRSelection {
	out := make([]tpm2.TPMSPCRSelection, len(sels))
	for i, sel := range sels {
		out[i] = tpm2.TPMSPCRSelection{Hash: sel.Hash, PCRSelect: slices.Clone(sel.PCRSelect)}
	}
	return out
}

// pcrReader is tpm2.PCRRead bound to a TPM.
type pcrReader func(sel tpm2.TPMLPCRSelection) (*tpm2.PCRReadResponse, error)

// pcrDigest hashes the current values of every selected PCR, in the order
// the TPM returns them, into the SHA-256 digest PolicyPCR expects. A TPM
// returns only a few digests per PCR_Read, so the remaining selection is
// read until empty; if the PCRs change meanwhile the whole read restarts.
func pcrDigest(read pcrReader, sels []tpm2.TPMSPCRSelection) ([]byte, error) {
	for {
		d, stale, err := readPCRs(read, sels)
		if err != nil || !stale {
			return d, err
		}
	}
}

func readPCRs(read pcrReader, sels []tpm2.TPMSPCRSelection) (digest []byte, stale bool, err error) {
	h := sha256.New()
	left := cloneSelections(sels)
	var counter *uint32
	for anySelected(left) {
		rsp, err := read(tpm2.TPMLPCRSelection{PCRSelections: left})
		if err != nil {
			return nil, false, fmt.Errorf("tpm2: read PCRs: %w", err)
		}
		if counter != nil && *counter != rsp.PCRUpdateCounter {
			return nil, true, nil
		}
		counter = &rsp.PCRUpdateCounter

		if len(rsp.PCRValues.Digests) == 0 {
			var algs []string
			for _, sel := range left {
				if !allBytes(sel.PCRSelect, 0x00) {
					algs = append(algs, HashAlgName(sel.Hash))
				}
			}
			return nil, false, fmt.Errorf("tpm2: no PCRs when asking for %s: does the TPM support the algorithm?", strings.Join(algs, ", "))
		}
		for _, d := range rsp.PCRValues.Digests {
			h.Write(d.Buffer)
		}

		for i, got := range rsp.PCRSelectionOut.PCRSelections {
			if i >= len(left) {
				break
			}
			for j := range left[i].PCRSelect {
				if j < len(got.PCRSelect) {
					left[i].PCRSelect[j] &^= got.PCRSelect[j]
				}
			}
		}
	}
	return h.Sum(nil), false, nil
}
