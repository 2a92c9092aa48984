package tpm1x

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-tpm/tpmutil"
	"go.uber.org/zap"

	"github.com/salrashid123/tpmzfs"
)

// session owns the TPM connection for one operation and everything loaded
// into the TPM through it.
type session struct {
	rw      io.ReadWriter
	logger  *zap.Logger
	srkAuth [digestSize]byte

	keys  []tpmutil.Handle
	auths map[tpmutil.Handle]struct{}
}

func newSession(rw io.ReadWriter, logger *zap.Logger) *session {
	return &session{
		rw:      rw,
		logger:  logger,
		srkAuth: SRKWellKnownSecret,
		auths:   make(map[tpmutil.Handle]struct{}),
	}
}

// withSession opens the TPM at path, runs fn and flushes whatever fn left
// loaded before closing the connection.
func withSession(ctx context.Context, path string, logger *zap.Logger, fn func(*session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rwc, err := tpmzfs.OpenTPM(path)
	if err != nil {
		return tpmzfs.Errorf(tpmzfs.KindTPM, "open TPM", "tpm1x: can't open TPM %s: %w", path, err)
	}
	defer rwc.Close()

	s := newSession(rwc, logger)
	defer s.flush()
	return fn(s)
}

// flush releases loaded keys, newest first, then any auth sessions the TPM
// didn't close on its own.
func (s *session) flush() {
	for i := len(s.keys) - 1; i >= 0; i-- {
		if err := s.flushSpecific(s.keys[i], rtKey); err != nil {
			s.logger.Warn("couldn't flush key", zap.Uint32("handle", uint32(s.keys[i])), zap.Error(err))
		}
	}
	s.keys = nil
	for h := range s.auths {
		if err := s.flushSpecific(h, rtAuth); err != nil {
			s.logger.Debug("auth session already gone", zap.Uint32("handle", uint32(h)), zap.Error(err))
		}
		delete(s.auths, h)
	}
}

// run sends one command and turns a TPM return code into a tpmError.
func (s *session) run(tag tpmutil.Tag, ord tpmutil.Command, in ...interface{}) ([]byte, error) {
	out, rc, err := tpmutil.RunCommand(s.rw, tag, ord, in...)
	if err != nil {
		return nil, fmt.Errorf("tpm1x: command 0x%X: %w", uint32(ord), err)
	}
	if rc != tpmutil.RCSuccess {
		return nil, tpmError(rc)
	}
	return out, nil
}

// closed forgets sessions the TPM terminated after a command that didn't continue them.
func (s *session) closed(as ...*authSession) {
	for _, a := range as {
		delete(s.auths, a.handle)
	}
}
