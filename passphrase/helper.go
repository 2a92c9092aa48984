package passphrase

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/salrashid123/tpmzfs"
	"golang.org/x/sys/unix"
)

var errHelperMissing = errors.New("passphrase helper not found")

// runHelper runs the helper with its stdout on an anonymous memory file
// and returns what it wrote, minus one trailing newline.
func (r *Reader) runHelper(subject string, isNew, again bool) ([]byte, error) {
	fd, err := unix.MemfdCreate("tzpfms-passphrase", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, tpmzfs.Errorf(tpmzfs.KindResource, "passphrase helper", "memfdCreate: %w", err)
	}
	out := os.NewFile(uintptr(fd), "tzpfms-passphrase")
	defer out.Close() //nolint:errcheck

	newArg, againArg := "", ""
	if isNew {
		newArg = "new"
	}
	if again {
		againArg = "again"
	}
	cmd := exec.Command("/bin/sh", "-c", r.helper, "sh", nounPhrase(subject, isNew, again), subject, newArg, againArg)
	cmd.Stdin = r.in
	cmd.Stdout = out
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 127 {
			return nil, errHelperMissing
		}
		return nil, tpmzfs.Errorf(tpmzfs.KindUsage, "passphrase helper", "%s: %w", r.helper, err)
	}

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("passphrase: failed to seek to start of memfd: %w", err)
	}
	pass, err := io.ReadAll(out)
	if err != nil {
		return nil, fmt.Errorf("passphrase: read helper output: %w", err)
	}
	return bytes.TrimSuffix(pass, []byte("\n")), nil
}
