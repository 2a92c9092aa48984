package tpmzfs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can tell an operator error from a
// TPM refusal or a half-applied change.
type Kind int

const (
	KindUnknown     Kind = iota
	KindUsage            // malformed argument, stored handle or passphrase
	KindAuth             // TPM authorization failed after all retries
	KindResource         // no free persistent handle, pipe/memfd allocation
	KindConsistency      // TPM and dataset metadata may have diverged
	KindIncoherent       // only one of the two key properties is set
	KindTPM              // any other TPM or engine status
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindAuth:
		return "authorization"
	case KindResource:
		return "resource"
	case KindConsistency:
		return "consistency"
	case KindIncoherent:
		return "incoherent"
	case KindTPM:
		return "tpm"
	default:
		return "unknown"
	}
}

var (
	ErrKeyNotLoaded    = errors.New("Key change error: Key must be loaded.")
	ErrNotEncrypted    = errors.New("not encrypted")
	ErrNotManaged      = errors.New("not encrypted with tzpfms")
	ErrBackendMismatch = errors.New("encrypted with tzpfms back-end")
	ErrMissingKey      = errors.New("missing key data")
	ErrUnknownBackend  = errors.New("unknown tzpfms back-end")
)

type Error struct {
	Kind    Kind
	Op      string
	Dataset string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Dataset != "" && e.Op != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Dataset, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted message; %w is honoured.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithKind tags err with kind unless it already carries one.
func WithKind(kind Kind, op, dataset string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return err
	}
	return &Error{Kind: kind, Op: op, Dataset: dataset, Err: err}
}

// KindOf returns the outermost Kind attached to err.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
