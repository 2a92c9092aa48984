package tpmzfs

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strings"

	"github.com/google/go-tpm/tpmutil"
)

var TPMDEVICES = []string{"/dev/tpm0", "/dev/tpmrm0"}

// OpenTPM opens a TPM character device, or dials a TPM command socket
// (eg. swtpm) when path is not one of TPMDEVICES.
func OpenTPM(path string) (io.ReadWriteCloser, error) {
	if slices.Contains(TPMDEVICES, path) {
		return tpmutil.OpenTPM(path)
	} else {
		return net.Dial("tcp", path)
	}
}

const (
	WrappingKeyLen = 32 // bytes of raw key handed to zfs

	BackendTPM1X = "TPM1.X"
	BackendTPM2  = "TPM2"

	DefaultPropertyPrefix = "xyz.nabijaczleweli:tzpfms"
)

// Version is stamped into TPM2 creation metadata; the CLI overrides it at build time.
var Version = "dev"

// NewWrappingKey reads exactly WrappingKeyLen bytes from r.
func NewWrappingKey(r io.Reader) ([]byte, error) {
	key := make([]byte, WrappingKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("tpmzfs: can't get random data: %w", err)
	}
	return key, nil
}

// VerifyKeyLen rejects unsealed data that isn't exactly one wrapping key.
func VerifyKeyLen(got []byte) error {
	if len(got) != WrappingKeyLen {
		return Errorf(KindTPM, "unseal", "unsealed data has wrong length %d, expected %d", len(got), WrappingKeyLen)
	}
	return nil
}

// WriteBackup stores the raw key at path with mode 0400, refusing to
// replace an existing file.
func WriteBackup(path string, key []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0400)
	if err != nil {
		return fmt.Errorf("tpmzfs: can't create backup file: %w", err)
	}
	n, err := f.Write(key)
	if err == nil && n != len(key) {
		err = io.ErrShortWrite
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("tpmzfs: can't write backup file %s: %w", path, err)
	}
	return nil
}

// EncodeHex renders b as uppercase hex without separators.
func EncodeHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// DecodeHex accepts hex of either case.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("tpmzfs: invalid hex blob: %w", err)
	}
	return b, nil
}
