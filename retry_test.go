package tpmzfs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBadAuth = errors.New("bad auth")

func isBadAuth(err error) bool { return errors.Is(err, errBadAuth) }

func TestRetryAuth(t *testing.T) {
	for _, tc := range []struct {
		name      string
		max       int
		failures  int // attempts failing with errBadAuth before success
		attempts  int
		prompts   int
		wantAuth  bool
		wantError bool
	}{
		{"first_try", 3, 0, 1, 0, false, false},
		{"second_try", 3, 1, 2, 1, false, false},
		{"last_try", 3, 3, 4, 3, false, false},
		{"exhausted", 3, 4, 4, 3, true, true},
		{"no_retries", 0, 1, 1, 0, true, true},
		{"srk_once", 1, 2, 2, 1, true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var attempts, prompts int
			err := RetryAuth(tc.max, isBadAuth,
				func(retry int) error {
					require.Equal(t, prompts, retry)
					prompts++
					return nil
				},
				func() error {
					attempts++
					if attempts <= tc.failures {
						return errBadAuth
					}
					return nil
				})
			require.Equal(t, tc.attempts, attempts)
			require.Equal(t, tc.prompts, prompts)
			require.Equal(t, tc.wantError, err != nil)
			require.Equal(t, tc.wantAuth, IsAuthError(err))
			if tc.wantAuth {
				require.ErrorIs(t, err, errBadAuth)
			}
		})
	}
}

func TestRetryAuthStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("TPM_FAIL")
	attempts := 0
	err := RetryAuth(3, isBadAuth, func(int) error { return nil }, func() error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, IsAuthError(err))
	require.Equal(t, 1, attempts)
}

func TestRetryAuthPromptError(t *testing.T) {
	eof := errors.New("EOF")
	err := RetryAuth(3, isBadAuth, func(int) error { return eof }, func() error { return errBadAuth })
	require.ErrorIs(t, err, eof)
}
