package passphrase

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/salrashid123/tpmzfs"
	"github.com/stretchr/testify/require"
)

// stdin returns a pipe that yields lines and then EOF.
func stdin(t *testing.T, lines ...string) *os.File {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	_, err = w.WriteString(strings.Join(lines, ""))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	t.Cleanup(func() { r.Close() })
	return r
}

func TestHelperArguments(t *testing.T) {
	var out bytes.Buffer
	r := New(Options{
		Helper: `printf '%s|%s|%s|%s\n' "$1" "$2" "$3" "$4"`,
		In:     stdin(t),
		Out:    &out,
	})

	got, err := r.ReadKnown("tank/enc TPM2 wrapping key", 0)
	require.NoError(t, err)
	require.Equal(t, "Passphrase for tank/enc TPM2 wrapping key|tank/enc TPM2 wrapping key||", string(got))
	require.Empty(t, out.String())
}

func TestHelperNewAgain(t *testing.T) {
	var subjects []string
	r := New(Options{
		Helper: `printf '%s\n' "$1" >> "$HELPER_LOG"; echo password-1`,
		In:     stdin(t),
		Out:    &bytes.Buffer{},
	})
	log := t.TempDir() + "/log"
	t.Setenv("HELPER_LOG", log)

	got, err := r.ReadNew("SRK", 0)
	require.NoError(t, err)
	require.Equal(t, "password-1", string(got))

	b, err := os.ReadFile(log)
	require.NoError(t, err)
	subjects = strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Equal(t, []string{"New passphrase for SRK", "New passphrase for SRK (again)"}, subjects)
}

func TestHelperStripsOneNewline(t *testing.T) {
	r := New(Options{Helper: `printf 'secret\n\n'`, In: stdin(t), Out: &bytes.Buffer{}})
	got, err := r.ReadKnown("x", 0)
	require.NoError(t, err)
	require.Equal(t, "secret\n", string(got))
}

func TestHelperMissingFallsBack(t *testing.T) {
	var out bytes.Buffer
	r := New(Options{
		Helper: "exit 127",
		In:     stdin(t, "from-terminal\n", "again-terminal\n"),
		Out:    &out,
	})

	got, err := r.ReadKnown("SRK", 0)
	require.NoError(t, err)
	require.Equal(t, "from-terminal", string(got))
	require.Equal(t, "Enter passphrase for SRK: ", out.String())

	// the helper stays disabled
	require.Empty(t, r.helper)
	got, err = r.ReadKnown("SRK", 0)
	require.NoError(t, err)
	require.Equal(t, "again-terminal", string(got))
}

func TestHelperFailureAborts(t *testing.T) {
	r := New(Options{Helper: "echo nope; exit 3", In: stdin(t, "unused\n"), Out: &bytes.Buffer{}})
	_, err := r.ReadKnown("SRK", 0)
	require.Error(t, err)
	require.Equal(t, tpmzfs.KindUsage, tpmzfs.KindOf(err))
	require.Equal(t, "exit 3", r.helper)
}

func TestReadNew(t *testing.T) {
	for _, tc := range []struct {
		name   string
		lines  []string
		max    int
		want   string
		err    error
		prompt string
	}{
		{"match", []string{"hunter2hunter2\n", "hunter2hunter2\n"}, 0, "hunter2hunter2", nil,
			"Enter new passphrase for ds: Re-enter new passphrase for ds: "},
		{"empty", []string{"\n", "\n"}, 0, "", nil,
			"Enter new passphrase for ds: Re-enter new passphrase for ds: "},
		{"mismatch", []string{"hunter2hunter2\n", "hunter3hunter3\n"}, 0, "", ErrMismatch,
			"Enter new passphrase for ds: Re-enter new passphrase for ds: "},
		{"different_length", []string{"hunter2hunter2\n", "hunter2hunter\n"}, 0, "", ErrMismatch,
			"Enter new passphrase for ds: Re-enter new passphrase for ds: "},
		{"too_short", []string{"short\n", "short\n"}, 0, "", ErrTooShort,
			"Enter new passphrase for ds: Re-enter new passphrase for ds: "},
		{"too_long", []string{strings.Repeat("a", 33) + "\n"}, 32, "", ErrTooLong,
			"Enter new passphrase for ds: "},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			r := New(Options{In: stdin(t, tc.lines...), Out: &out})
			got, err := r.ReadNew("ds", tc.max)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.Nil(t, got)
			} else {
				require.NoError(t, err)
				require.Equal(t, tc.want, string(got))
			}
			require.Equal(t, tc.prompt, out.String())
		})
	}
}

func TestReadKnownEOF(t *testing.T) {
	r := New(Options{In: stdin(t), Out: &bytes.Buffer{}})
	_, err := r.ReadKnown("SRK", 0)
	require.Error(t, err)
}

func TestStatic(t *testing.T) {
	s := &Static{Passphrases: [][]byte{[]byte("one"), []byte(strings.Repeat("x", 40))}}
	var p Prompter = s

	got, err := p.ReadKnown("SRK", 32)
	require.NoError(t, err)
	require.Equal(t, "one", string(got))

	_, err = p.ReadNew("ds TPM2 wrapping key", 32)
	require.ErrorIs(t, err, ErrTooLong)

	_, err = p.ReadKnown("SRK", 0)
	require.Error(t, err)
	require.Equal(t, []string{"SRK", "ds TPM2 wrapping key", "SRK"}, s.Subjects)
}
