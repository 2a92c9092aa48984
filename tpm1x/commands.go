package tpm1x

import (
	"fmt"

	"github.com/google/go-tpm/tpmutil"
)

// These are the parameters of a TPM key.
type keyParms struct {
	AlgID     uint32
	EncScheme uint16
	SigScheme uint16
	Parms     tpmutil.U32Bytes // serialized rsaKeyParms
}

type rsaKeyParms struct {
	KeyLength uint32
	NumPrimes uint32
	Exponent  tpmutil.U32Bytes
}

// key12 is a TPM_KEY12 structure.
type key12 struct {
	Tag            uint16
	Zero           uint16
	KeyUsage       uint16
	KeyFlags       uint32
	AuthDataUsage  byte
	AlgorithmParms keyParms
	PCRInfo        tpmutil.U32Bytes
	PubKey         tpmutil.U32Bytes
	EncData        tpmutil.U32Bytes
}

// tpmStoredData covers both TPM_STORED_DATA and TPM_STORED_DATA12: the
// first four bytes are a version or a tag and entity type.
type tpmStoredData struct {
	Version uint32
	Info    tpmutil.U32Bytes
	Enc     tpmutil.U32Bytes
}

// storageKeyTemplate is a volatile, non-migratable RSA-2048 storage key
// that always requires authorization.
func storageKeyTemplate() (*key12, error) {
	parms, err := tpmutil.Pack(rsaKeyParms{KeyLength: storageKeyBits, NumPrimes: 2})
	if err != nil {
		return nil, fmt.Errorf("tpm1x: can't pack key parameters: %w", err)
	}
	return &key12{
		Tag:           tagKey12,
		KeyUsage:      keyStorage,
		KeyFlags:      keyFlagVolatile,
		AuthDataUsage: authAlways,
		AlgorithmParms: keyParms{
			AlgID:     algRSA,
			EncScheme: esRSAOAEPSHA1,
			SigScheme: ssNone,
			Parms:     parms,
		},
	}, nil
}

func (s *session) getRandom(n uint32) ([]byte, error) {
	out, err := s.run(tagRQUCommand, ordGetRandom, n)
	if err != nil {
		return nil, err
	}
	var b tpmutil.U32Bytes
	if _, err := tpmutil.Unpack(out, &b); err != nil {
		return nil, fmt.Errorf("tpm1x: can't unpack random bytes: %w", err)
	}
	return b, nil
}

// Read fills p from the TPM's RNG, so a session can feed tpmzfs.NewWrappingKey.
func (s *session) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		b, err := s.getRandom(uint32(len(p) - n))
		if err != nil {
			return n, err
		}
		if len(b) == 0 {
			return n, ErrShortRandom
		}
		n += copy(p[n:], b)
	}
	return n, nil
}

func (s *session) pcrRead(idx uint32) ([digestSize]byte, error) {
	var v [digestSize]byte
	out, err := s.run(tagRQUCommand, ordPCRRead, idx)
	if err != nil {
		return v, err
	}
	if _, err := tpmutil.Unpack(out, &v); err != nil {
		return v, fmt.Errorf("tpm1x: can't unpack PCR %d: %w", idx, err)
	}
	return v, nil
}

func (s *session) extend(idx uint32, d [digestSize]byte) ([digestSize]byte, error) {
	var v [digestSize]byte
	out, err := s.run(tagRQUCommand, ordExtend, idx, d)
	if err != nil {
		return v, err
	}
	if _, err := tpmutil.Unpack(out, &v); err != nil {
		return v, fmt.Errorf("tpm1x: can't unpack PCR %d: %w", idx, err)
	}
	return v, nil
}

func (s *session) flushSpecific(h tpmutil.Handle, resourceType uint32) error {
	_, err := s.run(tagRQUCommand, ordFlushSpecific, h, resourceType)
	return err
}

// createWrapKey creates a storage key under the SRK whose usage secret is
// usageAuth and returns its TPM_KEY12 blob.
func (s *session) createWrapKey(usageAuth [digestSize]byte) ([]byte, error) {
	tmpl, err := storageKeyTemplate()
	if err != nil {
		return nil, err
	}
	as, err := s.osap(etSRK, khSRK, s.srkAuth)
	if err != nil {
		return nil, err
	}
	ca, err := as.begin()
	if err != nil {
		return nil, err
	}
	// The migration secret is meaningless for a non-migratable key but must still be sent.
	dataUsageAuth := encryptAuth(usageAuth, as.key, as.nonceEven)
	dataMigrationAuth := encryptAuth(usageAuth, as.key, ca.NonceOdd)
	params := []interface{}{dataUsageAuth, dataMigrationAuth, tmpl}
	d, err := inParamDigest(ordCreateWrapKey, params...)
	if err != nil {
		return nil, err
	}
	as.sign(ca, d)

	out, err := s.run(tagRQUAuth1Command, ordCreateWrapKey, khSRK, dataUsageAuth, dataMigrationAuth, tmpl, ca)
	if err != nil {
		return nil, err
	}
	s.closed(as)
	blob, ras, err := splitResponseAuth(out, 1)
	if err != nil {
		return nil, err
	}
	if err := as.verify(ca, &ras[0], outParamDigest(ordCreateWrapKey, blob)); err != nil {
		return nil, err
	}
	return blob, nil
}

// loadKey2 loads a TPM_KEY12 blob under the SRK. The key is flushed with the session.
func (s *session) loadKey2(blob []byte) (tpmutil.Handle, error) {
	as, err := s.oiap(s.srkAuth)
	if err != nil {
		return 0, err
	}
	ca, err := as.begin()
	if err != nil {
		return 0, err
	}
	d, err := inParamDigest(ordLoadKey2, tpmutil.RawBytes(blob))
	if err != nil {
		return 0, err
	}
	as.sign(ca, d)

	out, err := s.run(tagRQUAuth1Command, ordLoadKey2, khSRK, tpmutil.RawBytes(blob), ca)
	if err != nil {
		return 0, err
	}
	s.closed(as)
	params, ras, err := splitResponseAuth(out, 1)
	if err != nil {
		return 0, err
	}
	var h tpmutil.Handle
	if _, err := tpmutil.Unpack(params, &h); err != nil {
		return 0, fmt.Errorf("tpm1x: can't unpack key handle: %w", err)
	}
	s.keys = append(s.keys, h)
	// The returned handle isn't part of the authorized parameters.
	if err := as.verify(ca, &ras[0], outParamDigest(ordLoadKey2, nil)); err != nil {
		return 0, err
	}
	return h, nil
}

// seal binds data under the loaded key kh, releasable with dataAuth and,
// if pcrInfo is non-empty, only while the PCRs match it.
func (s *session) seal(kh tpmutil.Handle, keyAuth, dataAuth [digestSize]byte, pcrInfo, data []byte) ([]byte, error) {
	as, err := s.osap(etKeyHandle, kh, keyAuth)
	if err != nil {
		return nil, err
	}
	ca, err := as.begin()
	if err != nil {
		return nil, err
	}
	encAuth := encryptAuth(dataAuth, as.key, as.nonceEven)
	params := []interface{}{encAuth, tpmutil.U32Bytes(pcrInfo), tpmutil.U32Bytes(data)}
	d, err := inParamDigest(ordSeal, params...)
	if err != nil {
		return nil, err
	}
	as.sign(ca, d)

	out, err := s.run(tagRQUAuth1Command, ordSeal, append(append([]interface{}{kh}, params...), ca)...)
	if err != nil {
		return nil, err
	}
	s.closed(as)
	sealed, ras, err := splitResponseAuth(out, 1)
	if err != nil {
		return nil, err
	}
	if err := as.verify(ca, &ras[0], outParamDigest(ordSeal, sealed)); err != nil {
		return nil, err
	}
	return sealed, nil
}

// unseal releases sealed data from under the loaded key kh. The first
// session authorizes the key, the second the data.
func (s *session) unseal(kh tpmutil.Handle, keyAuth, dataAuth [digestSize]byte, sealed []byte) ([]byte, error) {
	keySession, err := s.oiap(keyAuth)
	if err != nil {
		return nil, err
	}
	dataSession, err := s.oiap(dataAuth)
	if err != nil {
		return nil, err
	}
	d, err := inParamDigest(ordUnseal, tpmutil.RawBytes(sealed))
	if err != nil {
		return nil, err
	}
	ca1, err := keySession.begin()
	if err != nil {
		return nil, err
	}
	ca2, err := dataSession.begin()
	if err != nil {
		return nil, err
	}
	keySession.sign(ca1, d)
	dataSession.sign(ca2, d)

	out, err := s.run(tagRQUAuth2Command, ordUnseal, kh, tpmutil.RawBytes(sealed), ca1, ca2)
	if err != nil {
		return nil, err
	}
	s.closed(keySession, dataSession)
	params, ras, err := splitResponseAuth(out, 2)
	if err != nil {
		return nil, err
	}
	od := outParamDigest(ordUnseal, params)
	if err := keySession.verify(ca1, &ras[0], od); err != nil {
		return nil, err
	}
	if err := dataSession.verify(ca2, &ras[1], od); err != nil {
		return nil, err
	}
	var secret tpmutil.U32Bytes
	if _, err := tpmutil.Unpack(params, &secret); err != nil {
		return nil, fmt.Errorf("tpm1x: can't unpack unsealed data: %w", err)
	}
	return secret, nil
}
