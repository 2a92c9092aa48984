package tpm2

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/go-tpm/tpm2"

	"github.com/salrashid123/tpmzfs"
)

const (
	persistentFirst tpm2.TPMHandle = 0x81000000
	// 0x81800000 and up belong to the platform hierarchy.
	persistentLast tpm2.TPMHandle = 0x817FFFFF
)

// Handle is a sealed object persisted in the TPM and the PCR banks its
// policy reads.
type Handle struct {
	Persistent tpm2.TPMHandle
	PCRs       []tpm2.TPMSPCRSelection
}

// String renders h as "0x81000000" or "0x81000000;sha256:7".
func (h Handle) String() string {
	s := fmt.Sprintf("0x%X", uint32(h.Persistent))
	if len(h.PCRs) > 0 {
		s += ";" + UnparsePCRs(h.PCRs)
	}
	return s
}

// ParseHandle reads a handle written by Handle.String.
func ParseHandle(s string) (Handle, error) {
	hs, rest, _ := strings.Cut(s, ";")
	if hs == "" || strings.HasPrefix(hs, "-") {
		return Handle{}, tpmzfs.Errorf(tpmzfs.KindUsage, "parse handle", "tpm2: handle %q: invalid", hs)
	}
	v, err := strconv.ParseUint(hs, 0, 32)
	if err != nil {
		return Handle{}, tpmzfs.Errorf(tpmzfs.KindUsage, "parse handle", "tpm2: handle %q: %w", hs, err)
	}
	h := Handle{Persistent: tpm2.TPMHandle(v)}

	pcrs, _, _ := strings.Cut(rest, ";")
	if pcrs != "" {
		if h.PCRs, err = ParsePCRs(pcrs); err != nil {
			return Handle{}, err
		}
	}
	return h, nil
}

// TPM2_MAX_CAP_HANDLES
const maxCapHandles = 254

// freePersistent returns the lowest owner persistent handle list doesn't
// report as used. list returns the used handles from first on and whether
// the TPM has more.
func freePersistent(list func(first tpm2.TPMHandle) ([]tpm2.TPMHandle, bool, error)) (tpm2.TPMHandle, error) {
	next := persistentFirst
	for first := persistentFirst; ; {
		hs, more, err := list(first)
		if err != nil {
			return 0, err
		}
		slices.Sort(hs)
		for _, h := range hs {
			if h > next {
				break
			}
			if h == next {
				next++
			}
		}
		if len(hs) == 0 || hs[len(hs)-1] > next || !more || hs[len(hs)-1] >= persistentLast {
			break
		}
		first = hs[len(hs)-1] + 1
	}

	if next > persistentLast {
		return 0, tpmzfs.Errorf(tpmzfs.KindResource, "allocate persistent handle", "tpm2: all persistent handles allocated")
	}
	return next, nil
}
