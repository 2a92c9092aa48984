package tpm1x

import (
	"encoding/binary"
	"strings"

	"github.com/salrashid123/tpmzfs"
)

const (
	// a TPM_KEY12 with every variable-length field empty
	minKey12Size = 2 + 2 + 2 + 4 + 1 + 4 + 2 + 2 + 4 + 4 + 4 + 4
	// version, sealInfoSize, encDataSize
	minStoredDataSize = 4 + 4 + 4
)

// Handle is what a TPM1.X key property holds: the parent key blob and the
// sealed data blob, both as the TPM returned them.
type Handle struct {
	ParentKey    []byte
	SealedObject []byte
}

// String renders the handle as HEX(parent):HEX(sealed).
func (h Handle) String() string {
	return tpmzfs.EncodeHex(h.ParentKey) + ":" + tpmzfs.EncodeHex(h.SealedObject)
}

// ParseHandle reads a handle back and checks that both halves look like
// the TPM structures they should hold.
func ParseHandle(s string) (Handle, error) {
	parent, sealed, ok := strings.Cut(s, ":")
	if !ok {
		return Handle{}, tpmzfs.Errorf(tpmzfs.KindUsage, "parse handle", "handle %.16s... not valid", s)
	}
	var h Handle
	var err error
	if h.ParentKey, err = tpmzfs.DecodeHex(parent); err != nil {
		return Handle{}, tpmzfs.Errorf(tpmzfs.KindUsage, "parse handle", "parent key blob: %w", err)
	}
	if h.SealedObject, err = tpmzfs.DecodeHex(sealed); err != nil {
		return Handle{}, tpmzfs.Errorf(tpmzfs.KindUsage, "parse handle", "sealed object blob: %w", err)
	}
	if len(h.ParentKey) < minKey12Size || binary.BigEndian.Uint16(h.ParentKey) != tagKey12 {
		return Handle{}, tpmzfs.Errorf(tpmzfs.KindUsage, "parse handle", "parent key blob is not a TPM_KEY12")
	}
	if len(h.SealedObject) < minStoredDataSize {
		return Handle{}, tpmzfs.Errorf(tpmzfs.KindUsage, "parse handle", "sealed object blob too short (%d bytes)", len(h.SealedObject))
	}
	return h, nil
}
