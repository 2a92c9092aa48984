// Package passphrase reads secrets from an external helper program or,
// failing that, the controlling terminal.
package passphrase

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// MinLength matches the shortest passphrase zfs accepts.
const MinLength = 8

var (
	ErrMismatch = errors.New("Passphrases don't match")
	ErrTooLong  = errors.New("passphrase too long")
	ErrTooShort = errors.New("passphrase too short")
)

// Prompter is what the TPM backends ask for secrets.
type Prompter interface {
	// ReadKnown asks once for an existing secret.
	ReadKnown(subject string, max int) ([]byte, error)
	// ReadNew asks twice for a new secret; empty is allowed.
	ReadNew(subject string, max int) ([]byte, error)
}

type Options struct {
	Helper string // run via /bin/sh -c, empty to always use the terminal
	Logger *zap.Logger
	In     *os.File  // defaults to os.Stdin
	Out    io.Writer // prompts, defaults to os.Stdout
}

type Reader struct {
	helper string
	logger *zap.Logger
	in     *os.File
	out    io.Writer
	lines  *bufio.Reader
}

func New(o Options) *Reader {
	r := &Reader{helper: o.Helper, logger: o.Logger, in: o.In, out: o.Out}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.in == nil {
		r.in = os.Stdin
	}
	if r.out == nil {
		r.out = os.Stdout
	}
	return r
}

func (r *Reader) ReadKnown(subject string, max int) ([]byte, error) {
	pass, err := r.read(subject, false, false)
	if err != nil {
		return nil, err
	}
	if err := checkMax(pass, max); err != nil {
		clear(pass)
		return nil, err
	}
	return pass, nil
}

func (r *Reader) ReadNew(subject string, max int) ([]byte, error) {
	first, err := r.read(subject, true, false)
	if err != nil {
		return nil, err
	}
	if err := checkMax(first, max); err != nil {
		clear(first)
		return nil, err
	}
	second, err := r.read(subject, true, true)
	if err != nil {
		clear(first)
		return nil, err
	}
	defer clear(second)

	if !bytes.Equal(first, second) {
		clear(first)
		return nil, ErrMismatch
	}
	if len(first) > 0 && len(first) < MinLength {
		clear(first)
		return nil, fmt.Errorf("%w: need at least %d characters", ErrTooShort, MinLength)
	}
	return first, nil
}

func checkMax(pass []byte, max int) error {
	if max > 0 && len(pass) > max {
		return fmt.Errorf("%w: %d > %d", ErrTooLong, len(pass), max)
	}
	return nil
}

func (r *Reader) read(subject string, isNew, again bool) ([]byte, error) {
	if r.helper != "" {
		pass, err := r.runHelper(subject, isNew, again)
		if !errors.Is(err, errHelperMissing) {
			return pass, err
		}
		r.logger.Warn("passphrase helper not found, falling back to the terminal", zap.String("helper", r.helper))
		r.helper = ""
	}
	return r.readTerminal(prompt(subject, isNew, again))
}

// nounPhrase is the helper's $1: "Passphrase for X", "New passphrase for X (again)".
func nounPhrase(subject string, isNew, again bool) string {
	s := "Passphrase for " + subject
	if isNew {
		s = "New passphrase for " + subject
	}
	if again {
		s += " (again)"
	}
	return s
}

func prompt(subject string, isNew, again bool) string {
	verb := "Enter"
	if again {
		verb = "Re-enter"
	}
	adj := ""
	if isNew {
		adj = "new "
	}
	return fmt.Sprintf("%s %spassphrase for %s: ", verb, adj, subject)
}

// Static hands out fixed passphrases in order, one per call. It never
// prompts, so ReadNew returns a single value without confirmation.
type Static struct {
	Passphrases [][]byte
	Subjects    []string // every subject asked for, in order
}

func (s *Static) next(subject string, max int) ([]byte, error) {
	s.Subjects = append(s.Subjects, subject)
	if len(s.Passphrases) == 0 {
		return nil, fmt.Errorf("passphrase: no passphrase left for %s: %w", subject, io.EOF)
	}
	p := s.Passphrases[0]
	s.Passphrases = s.Passphrases[1:]
	if err := checkMax(p, max); err != nil {
		return nil, err
	}
	return append([]byte(nil), p...), nil
}

func (s *Static) ReadKnown(subject string, max int) ([]byte, error) { return s.next(subject, max) }
func (s *Static) ReadNew(subject string, max int) ([]byte, error)   { return s.next(subject, max) }
