// Package tpmzfs keeps ZFS wrapping keys sealed in a TPM and tracks them
// in two user properties on the dataset's encryption root.
package tpmzfs

import "context"

// Backend seals wrapping keys inside one generation of TPM and renders the
// result as the string stored in the dataset's key property.
type Backend interface {
	// ID is the value stored in the backend property, "TPM1.X" or "TPM2".
	ID() string
	// NewKey draws a fresh WrappingKeyLen-byte key from the TPM's RNG.
	NewKey(ctx context.Context) ([]byte, error)
	// Seal binds key inside the TPM and returns its handle string.
	Seal(ctx context.Context, dataset string, key []byte) (string, error)
	// Unseal recovers the key a handle string refers to.
	Unseal(ctx context.Context, dataset, handle string) ([]byte, error)
	// Free releases any TPM storage the handle holds.
	Free(ctx context.Context, handle string) error
	// Check parses handle without touching the TPM.
	Check(handle string) error
}

type KeyStatus int

const (
	KeyStatusNone KeyStatus = iota
	KeyStatusUnavailable
	KeyStatusAvailable
)

func (k KeyStatus) String() string {
	switch k {
	case KeyStatusAvailable:
		return "available"
	case KeyStatusUnavailable:
		return "unavailable"
	default:
		return "none"
	}
}

// Engine is the ZFS encryption layer.
type Engine interface {
	// EncryptionRoot reports the dataset owning ds's key; root is empty if ds isn't encrypted.
	EncryptionRoot(ctx context.Context, ds string) (root string, isRoot bool, err error)
	KeyStatus(ctx context.Context, ds string) (KeyStatus, error)
	// ChangeKeyRaw rewraps ds's key with key as a raw key.
	ChangeKeyRaw(ctx context.Context, ds string, key []byte) error
	// ChangeKeyPassphrase rewraps ds's key with an interactively prompted passphrase.
	ChangeKeyPassphrase(ctx context.Context, ds string) error
	LoadKey(ctx context.Context, ds string, key []byte, noop bool) error
	// ListDatasets returns the named datasets and their children up to depth (-1: unlimited).
	ListDatasets(ctx context.Context, roots []string, depth int) ([]string, error)
}

// KeyProps are the two user properties tying a dataset to a sealed key.
// Only values set locally on the dataset count.
type KeyProps struct {
	Backend string
	Handle  string
}

// Coherent is true when both properties are set or both are absent.
func (p KeyProps) Coherent() bool { return (p.Backend == "") == (p.Handle == "") }

func (p KeyProps) Empty() bool { return p.Backend == "" && p.Handle == "" }

// Store reads and writes KeyProps on a dataset.
type Store interface {
	KeyProps(ctx context.Context, ds string) (KeyProps, error)
	// SetKeyProps sets both properties in a single update.
	SetKeyProps(ctx context.Context, ds string, p KeyProps) error
	// ClearKeyProps reverts both properties to inherited, attempting each one
	// even if the other fails.
	ClearKeyProps(ctx context.Context, ds string) error
	// PropertyNames returns the full backend and key property names.
	PropertyNames() (backend, key string)
}
