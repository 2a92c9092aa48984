package tpm2

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/stretchr/testify/require"

	"github.com/salrashid123/tpmzfs"
	"github.com/salrashid123/tpmzfs/passphrase"
)

const swTPMPath = "127.0.0.1:2321"

// swTPM skips the test without a simulator and turns off dictionary attack
// lockout, since some tests deliberately fail authorization.
func swTPM(t *testing.T) {
	t.Helper()
	tpmDevice, err := net.DialTimeout("tcp", swTPMPath, time.Second)
	if err != nil {
		t.Skipf("no swtpm at %s: %v", swTPMPath, err)
	}
	defer tpmDevice.Close()

	// TPM2_DictionaryAttackParameters(TPM_RH_LOCKOUT, maxTries=1000, recoveryTime=0, lockoutRecovery=0)
	cmd := []byte{
		0x80, 0x02, 0x00, 0x00, 0x00, 0x27, 0x00, 0x00, 0x01, 0x3A,
		0x40, 0x00, 0x00, 0x0A,
		0x00, 0x00, 0x00, 0x09, 0x40, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x03, 0xE8, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	rsp, err := transport.FromReadWriter(tpmDevice).Send(cmd)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(rsp), 10)
	require.Equal(t, []byte{0, 0, 0, 0}, rsp[6:10], "DictionaryAttackParameters")
}

func mustPCRs(t *testing.T, s string) []tpm2.TPMSPCRSelection {
	t.Helper()
	sels, err := ParsePCRs(s)
	require.NoError(t, err)
	return sels
}

// extendPCR23 changes PCR 23's SHA-256 value, invalidating policies bound to it.
func extendPCR23(t *testing.T) {
	t.Helper()
	tpmDevice, err := net.Dial("tcp", swTPMPath)
	require.NoError(t, err)
	defer tpmDevice.Close()

	_, err = tpm2.PCRExtend{
		PCRHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(23),
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digests: tpm2.TPMLDigestValues{
			Digests: []tpm2.TPMTHA{{HashAlg: tpm2.TPMAlgSHA256, Digest: bytes.Repeat([]byte{0x23}, 32)}},
		},
	}.Execute(transport.FromReadWriter(tpmDevice))
	require.NoError(t, err)
}

func TestSealUnseal(t *testing.T) {
	swTPM(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		pcrs        string
		allow       bool
		passphrases [][]byte
	}{
		{"no_passphrase", "", false, [][]byte{nil}},
		{"passphrase", "", false, [][]byte{[]byte("hunter22"), []byte("hunter22")}},
		{"pcrs", "sha256:0,23", false, nil},
		{"pcrs_or_passphrase", "sha256:23", true, [][]byte{[]byte("hunter22")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := &passphrase.Static{Passphrases: tc.passphrases}
			b := New(Config{Path: swTPMPath, PCRs: mustPCRs(t, tc.pcrs), AllowPCRsOrPassphrase: tc.allow, Prompter: p})

			key, err := b.NewKey(ctx)
			require.NoError(t, err)
			require.Len(t, key, tpmzfs.WrappingKeyLen)

			h, err := b.Seal(ctx, "tank/ds", key)
			require.NoError(t, err)
			defer func() { require.NoError(t, b.Free(ctx, h)) }()

			parsed, err := ParseHandle(h)
			require.NoError(t, err)
			require.GreaterOrEqual(t, parsed.Persistent, persistentFirst)
			require.Equal(t, tc.pcrs, UnparsePCRs(parsed.PCRs))

			got, err := b.Unseal(ctx, "tank/ds", h)
			require.NoError(t, err)
			require.Equal(t, key, got)
			require.Empty(t, p.Passphrases)
		})
	}
}

func TestUnsealFallsBackToPassphrase(t *testing.T) {
	swTPM(t)
	ctx := context.Background()

	pass := []byte("hunter22")
	p := &passphrase.Static{Passphrases: [][]byte{pass}}
	b := New(Config{Path: swTPMPath, PCRs: mustPCRs(t, "sha256:23"), AllowPCRsOrPassphrase: true, Prompter: p})

	key := bytes.Repeat([]byte{0x42}, tpmzfs.WrappingKeyLen)
	h, err := b.Seal(ctx, "tank/ds", key)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Free(ctx, h)) }()

	extendPCR23(t)

	p.Passphrases = [][]byte{pass}
	got, err := b.Unseal(ctx, "tank/ds", h)
	require.NoError(t, err)
	require.Equal(t, key, got)
	require.Empty(t, p.Passphrases)
}

func TestUnsealPCRsChanged(t *testing.T) {
	swTPM(t)
	ctx := context.Background()

	b := New(Config{Path: swTPMPath, PCRs: mustPCRs(t, "sha256:23"), Prompter: &passphrase.Static{}})
	key := bytes.Repeat([]byte{0x17}, tpmzfs.WrappingKeyLen)
	h, err := b.Seal(ctx, "tank/ds", key)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Free(ctx, h)) }()

	extendPCR23(t)

	_, err = b.Unseal(ctx, "tank/ds", h)
	require.Error(t, err)
}

func TestUnsealWrongPassphrase(t *testing.T) {
	swTPM(t)
	ctx := context.Background()

	pass := []byte("hunter22")
	b := New(Config{Path: swTPMPath, Prompter: &passphrase.Static{Passphrases: [][]byte{pass}}})
	key := bytes.Repeat([]byte{0x99}, tpmzfs.WrappingKeyLen)
	h, err := b.Seal(ctx, "tank/ds", key)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Free(ctx, h)) }()

	wrong := []byte("hunter23")
	p := &passphrase.Static{Passphrases: [][]byte{wrong, wrong, wrong}}
	_, err = New(Config{Path: swTPMPath, Prompter: p}).Unseal(ctx, "tank/ds", h)
	require.Error(t, err)
	require.Equal(t, tpmzfs.KindAuth, tpmzfs.KindOf(err))
	require.Empty(t, p.Passphrases)
}

func TestFreeTwice(t *testing.T) {
	swTPM(t)
	ctx := context.Background()

	b := New(Config{Path: swTPMPath, Prompter: &passphrase.Static{Passphrases: [][]byte{nil}}})
	h, err := b.Seal(ctx, "tank/ds", bytes.Repeat([]byte{0x01}, tpmzfs.WrappingKeyLen))
	require.NoError(t, err)

	require.NoError(t, b.Free(ctx, h))
	require.Error(t, b.Free(ctx, h))
}

func TestKeyfileRecovery(t *testing.T) {
	swTPM(t)
	ctx := context.Background()

	var pem bytes.Buffer
	b := New(Config{Path: swTPMPath, PCRs: mustPCRs(t, "sha256:0"), KeyfileOut: &pem, Prompter: &passphrase.Static{}})
	key := bytes.Repeat([]byte{0x5A}, tpmzfs.WrappingKeyLen)
	h, err := b.Seal(ctx, "tank/ds", key)
	require.NoError(t, err)
	require.NoError(t, b.Free(ctx, h))

	got, err := b.LoadKeyfile(ctx, "tank/ds", pem.Bytes())
	require.NoError(t, err)
	require.Equal(t, key, got)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSealKeyfileFailureLeavesNoHandle(t *testing.T) {
	swTPM(t)
	ctx := context.Background()
	key := bytes.Repeat([]byte{0x33}, tpmzfs.WrappingKeyLen)

	b := New(Config{Path: swTPMPath, Prompter: &passphrase.Static{Passphrases: [][]byte{nil, nil}}})
	h, err := b.Seal(ctx, "tank/ds", key)
	require.NoError(t, err)
	require.NoError(t, b.Free(ctx, h))
	first, err := ParseHandle(h)
	require.NoError(t, err)

	_, err = New(Config{Path: swTPMPath, KeyfileOut: failWriter{}, Prompter: &passphrase.Static{Passphrases: [][]byte{nil}}}).Seal(ctx, "tank/ds", key)
	require.ErrorContains(t, err, "disk full")

	h, err = b.Seal(ctx, "tank/ds", key)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Free(ctx, h)) }()
	again, err := ParseHandle(h)
	require.NoError(t, err)
	require.Equal(t, first.Persistent, again.Persistent)
}
