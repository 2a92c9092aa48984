package tpm1x

import (
	"crypto/sha1"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/go-tpm/tpmutil"

	"github.com/salrashid123/tpmzfs"
)

// MaxPCR is the highest PCR index a TPM 1.2 selection can name.
const MaxPCR = 229

// highestShortPCR is the last index TPM_PCR_INFO can bind; anything above
// needs TPM_PCR_INFO_LONG.
const highestShortPCR = 15

// ParsePCRs reads a comma- or space-separated list of decimal or
// 0x-prefixed hex PCR indices into a sorted, deduplicated slice.
func ParsePCRs(s string) ([]uint32, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return nil, tpmzfs.Errorf(tpmzfs.KindUsage, "parse PCRs", "PCR list %q empty", s)
	}
	pcrs := make([]uint32, 0, len(fields))
	for _, f := range fields {
		base := 10
		num := f
		if rest, ok := strings.CutPrefix(strings.ToLower(f), "0x"); ok {
			base, num = 16, rest
		}
		v, err := strconv.ParseUint(num, base, 32)
		if err != nil {
			return nil, tpmzfs.Errorf(tpmzfs.KindUsage, "parse PCRs", "PCR %q: not a number", f)
		}
		if v > MaxPCR {
			return nil, tpmzfs.Errorf(tpmzfs.KindUsage, "parse PCRs", "PCR %d: too large (max %d)", v, MaxPCR)
		}
		pcrs = append(pcrs, uint32(v))
	}
	slices.Sort(pcrs)
	return slices.Compact(pcrs), nil
}

// pcrSelection is a TPM_PCR_SELECTION: a u16-prefixed bitmap.
type pcrSelection = tpmutil.U16Bytes

func newSelection(pcrs []uint32) pcrSelection {
	size := minSelectSize
	if len(pcrs) > 0 {
		size = max(size, int(slices.Max(pcrs))/8+1)
	}
	sel := make(pcrSelection, size)
	for _, p := range pcrs {
		sel[p/8] |= 1 << (p % 8)
	}
	return sel
}

// compositeHash is SHA1 over TPM_PCR_COMPOSITE{select, valueSize, values}.
func compositeHash(sel pcrSelection, values [][digestSize]byte) ([digestSize]byte, error) {
	vals := make([]byte, 0, len(values)*digestSize)
	for _, v := range values {
		vals = append(vals, v[:]...)
	}
	b, err := tpmutil.Pack(sel, tpmutil.U32Bytes(vals))
	if err != nil {
		return [digestSize]byte{}, fmt.Errorf("tpm1x: can't pack PCR composite: %w", err)
	}
	return sha1.Sum(b), nil
}

type pcrInfoShort struct {
	Selection        pcrSelection
	DigestAtRelease  [digestSize]byte
	DigestAtCreation [digestSize]byte
}

type pcrInfoLong struct {
	Tag                uint16
	LocalityAtCreation byte
	LocalityAtRelease  byte
	CreationSelection  pcrSelection
	ReleaseSelection   pcrSelection
	DigestAtCreation   [digestSize]byte
	DigestAtRelease    [digestSize]byte
}

// encodePCRInfo binds pcrs to values, which must be in the same order. With
// no PCRs it returns nil: the sealed data carries no PCR binding at all.
func encodePCRInfo(pcrs []uint32, values [][digestSize]byte) ([]byte, error) {
	if len(pcrs) == 0 {
		return nil, nil
	}
	if len(pcrs) != len(values) {
		return nil, fmt.Errorf("tpm1x: %d PCRs but %d values", len(pcrs), len(values))
	}
	sel := newSelection(pcrs)
	digest, err := compositeHash(sel, values)
	if err != nil {
		return nil, err
	}

	var info interface{}
	if slices.Max(pcrs) > highestShortPCR {
		info = pcrInfoLong{
			Tag:                tagPCRInfoLong,
			LocalityAtCreation: localityAll,
			LocalityAtRelease:  localityAll,
			CreationSelection:  sel,
			ReleaseSelection:   sel,
			DigestAtCreation:   digest,
			DigestAtRelease:    digest,
		}
	} else {
		info = pcrInfoShort{
			Selection:        sel,
			DigestAtRelease:  digest,
			DigestAtCreation: digest,
		}
	}
	b, err := tpmutil.Pack(info)
	if err != nil {
		return nil, fmt.Errorf("tpm1x: can't pack PCR info: %w", err)
	}
	return b, nil
}

// pcrInfo reads the current value of each PCR and binds to them.
func (s *session) pcrInfo(pcrs []uint32) ([]byte, error) {
	values := make([][digestSize]byte, len(pcrs))
	for i, p := range pcrs {
		v, err := s.pcrRead(p)
		if err != nil {
			return nil, fmt.Errorf("tpm1x: can't read PCR %d: %w", p, err)
		}
		values[i] = v
	}
	return encodePCRInfo(pcrs, values)
}
