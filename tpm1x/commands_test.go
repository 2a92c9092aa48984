package tpm1x

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/google/go-tpm/tpmutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTPM answers each command through handle, recording the ordinals seen.
type fakeTPM struct {
	handle  func(ord tpmutil.Command, body []byte) (uint32, []byte)
	ords    []tpmutil.Command
	pending []byte
}

func (f *fakeTPM) Write(b []byte) (int, error) {
	ord := tpmutil.Command(binary.BigEndian.Uint32(b[6:10]))
	f.ords = append(f.ords, ord)
	rc, out := f.handle(ord, b[10:])
	resp := binary.BigEndian.AppendUint16(nil, 0x00C4)
	resp = binary.BigEndian.AppendUint32(resp, uint32(10+len(out)))
	resp = binary.BigEndian.AppendUint32(resp, rc)
	f.pending = append(resp, out...)
	return len(b), nil
}

func (f *fakeTPM) Read(b []byte) (int, error) {
	n := copy(b, f.pending)
	f.pending = nil
	return n, nil
}

func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func hmacSHA1(key []byte, parts ...[]byte) []byte {
	h := hmac.New(sha1.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func sha1Of(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestGetRandom(t *testing.T) {
	var requests [][]byte
	f := &fakeTPM{handle: func(ord tpmutil.Command, body []byte) (uint32, []byte) {
		requests = append(requests, body)
		return 0, concat(u32(4), []byte{0xDE, 0xAD, 0xBE, 0xEF})
	}}
	s := newSession(f, zap.NewNop())

	p := make([]byte, 8)
	n, err := s.Read(p)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xDE, 0xAD, 0xBE, 0xEF}, p)
	require.Equal(t, []tpmutil.Command{ordGetRandom, ordGetRandom}, f.ords)
	require.Equal(t, u32(8), requests[0])
	require.Equal(t, u32(4), requests[1])
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name   string
		rc     uint32
		isAuth bool
		msg    string
	}{
		{"authfail", 0x01, true, "tpm1x: authentication failed"},
		{"auth2fail", 0x1D, true, "tpm1x: the authorization for the second key in a 2 key function failed authorization"},
		{"wrong_pcr", 0x18, false, "tpm1x: the named PCR value does not match the current PCR value"},
		{"lockout", 0x803, false, "tpm1x: the TPM is defending against dictionary attacks and is in a time-out period"},
		{"unknown", 0x7FF, false, "tpm1x: unknown error code 2047"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeTPM{handle: func(tpmutil.Command, []byte) (uint32, []byte) { return tc.rc, nil }}
			_, err := newSession(f, zap.NewNop()).pcrRead(0)
			require.Error(t, err)
			require.Equal(t, tc.isAuth, IsAuthError(err))
			require.EqualError(t, err, tc.msg)
		})
	}
}

func TestStorageKeyTemplate(t *testing.T) {
	tmpl, err := storageKeyTemplate()
	require.NoError(t, err)
	b, err := tpmutil.Pack(tmpl)
	require.NoError(t, err)

	want, err := hex.DecodeString("" +
		"0028" + "0000" + "0011" + "00000004" + "01" + // tag, fill, usage, flags, authDataUsage
		"00000001" + "0003" + "0001" + // RSA, OAEP-SHA1, no signatures
		"0000000C" + "00000800" + "00000002" + "00000000" + // RSA-2048, two primes, default exponent
		"00000000" + "00000000" + "00000000") // no PCR info, public key, private part
	require.NoError(t, err)
	require.Equal(t, want, b)
	require.Len(t, b, minKey12Size+12)
}

func TestLoadKey2(t *testing.T) {
	tmpl, err := storageKeyTemplate()
	require.NoError(t, err)
	blob, err := tpmutil.Pack(tmpl)
	require.NoError(t, err)

	even := nonce{0x01, 0x02, 0x03}
	newEven := nonce{0x09}
	srkAuth := SRKWellKnownSecret

	for _, tamper := range []bool{false, true} {
		f := &fakeTPM{}
		f.handle = func(ord tpmutil.Command, body []byte) (uint32, []byte) {
			switch ord {
			case ordOIAP:
				return 0, concat(u32(0x02000001), even[:])
			case ordLoadKey2:
				require.Equal(t, u32(uint32(khSRK)), body[:4])
				require.Equal(t, blob, body[4:4+len(blob)])
				auth := body[4+len(blob):]
				require.Len(t, auth, 4+20+1+20)
				require.Equal(t, u32(0x02000001), auth[:4])
				odd, cont, got := auth[4:24], auth[24:25], auth[25:]
				require.Equal(t, []byte{0}, cont)

				inDigest := sha1Of(u32(uint32(ordLoadKey2)), blob)
				require.Equal(t, hmacSHA1(srkAuth[:], inDigest, even[:], odd, cont), got)

				outDigest := sha1Of(u32(0), u32(uint32(ordLoadKey2)))
				ra := hmacSHA1(srkAuth[:], outDigest, newEven[:], odd, []byte{0})
				if tamper {
					ra[0] ^= 0xFF
				}
				return 0, concat(u32(0x01000005), newEven[:], []byte{0}, ra)
			case ordFlushSpecific:
				return 0, nil
			}
			t.Fatalf("unexpected ordinal 0x%X", ord)
			return 0, nil
		}

		s := newSession(f, zap.NewNop())
		h, err := s.loadKey2(blob)
		if tamper {
			require.ErrorIs(t, err, errResponseAuth)
		} else {
			require.NoError(t, err)
			require.Equal(t, tpmutil.Handle(0x01000005), h)
		}
		require.Empty(t, s.auths)

		s.flush()
		require.Equal(t, []tpmutil.Command{ordOIAP, ordLoadKey2, ordFlushSpecific}, f.ords)
	}
}

func TestSeal(t *testing.T) {
	keyAuth := DefaultParentKeySecret
	dataAuth := SealingSecret
	data := []byte("0123456789abcdef0123456789abcdef")
	sealed := concat(u32(0x01010000), u32(0), u32(4), []byte{1, 2, 3, 4})

	evenOSAP := nonce{0x0E}
	even := nonce{0x0F}
	newEven := nonce{0x10}
	var shared []byte

	f := &fakeTPM{}
	f.handle = func(ord tpmutil.Command, body []byte) (uint32, []byte) {
		switch ord {
		case ordOSAP:
			require.Len(t, body, 2+4+20)
			require.Equal(t, []byte{0x00, 0x01}, body[:2])
			require.Equal(t, u32(0x01000005), body[2:6])
			shared = hmacSHA1(keyAuth[:], evenOSAP[:], body[6:26])
			return 0, concat(u32(0x02000002), even[:], evenOSAP[:])
		case ordSeal:
			require.Equal(t, u32(0x01000005), body[:4])
			encAuth := body[4:24]
			pad := sha1Of(shared, even[:])
			for i := range encAuth {
				require.Equal(t, dataAuth[i], encAuth[i]^pad[i], "byte %d of encAuth", i)
			}
			require.Equal(t, u32(0), body[24:28])
			require.Equal(t, concat(u32(uint32(len(data))), data), body[28:28+4+len(data)])

			auth := body[28+4+len(data):]
			odd, got := auth[4:24], auth[25:]
			inDigest := sha1Of(u32(uint32(ordSeal)), body[4:28+4+len(data)])
			require.Equal(t, hmacSHA1(shared, inDigest, even[:], odd, []byte{0}), got)

			ra := hmacSHA1(shared, sha1Of(u32(0), u32(uint32(ordSeal)), sealed), newEven[:], odd, []byte{0})
			return 0, concat(sealed, newEven[:], []byte{0}, ra)
		}
		t.Fatalf("unexpected ordinal 0x%X", ord)
		return 0, nil
	}

	s := newSession(f, zap.NewNop())
	got, err := s.seal(0x01000005, keyAuth, dataAuth, nil, data)
	require.NoError(t, err)
	require.Equal(t, sealed, got)
	require.Empty(t, s.auths)
}

func TestSplitResponseAuth(t *testing.T) {
	n := nonce{0x01}
	ra := concat(n[:], []byte{0x01}, make([]byte, 20))
	params, ras, err := splitResponseAuth(concat([]byte{0xAB}, ra, ra), 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAB}, params)
	require.Len(t, ras, 2)
	require.Equal(t, n, ras[1].NonceEven)
	require.Equal(t, byte(1), ras[1].ContSession)

	_, _, err = splitResponseAuth(make([]byte, 40), 1)
	require.Error(t, err)
}
