package tpm1x

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"fmt"

	"github.com/google/go-tpm/tpmutil"
)

// A nonce is a 20-byte value.
type nonce [digestSize]byte

type oiapResponse struct {
	AuthHandle tpmutil.Handle
	NonceEven  nonce
}

type osapCommand struct {
	EntityType  uint16
	EntityValue tpmutil.Handle
	OddOSAP     nonce
}

type osapResponse struct {
	AuthHandle tpmutil.Handle
	NonceEven  nonce
	EvenOSAP   nonce
}

// commandAuth is appended to every authorized command, once per session.
type commandAuth struct {
	AuthHandle  tpmutil.Handle
	NonceOdd    nonce
	ContSession byte
	Auth        [digestSize]byte
}

type responseAuth struct {
	NonceEven   nonce
	ContSession byte
	Auth        [digestSize]byte
}

// authSession is an open OIAP or OSAP session. key is the HMAC key: the
// entity's usage secret for OIAP, the shared secret for OSAP.
type authSession struct {
	handle    tpmutil.Handle
	nonceEven nonce
	key       [digestSize]byte
}

// begin starts the authorization for one command with a fresh odd nonce.
// The session is not continued past the command.
func (a *authSession) begin() (*commandAuth, error) {
	ca := &commandAuth{AuthHandle: a.handle}
	if _, err := rand.Read(ca.NonceOdd[:]); err != nil {
		return nil, fmt.Errorf("tpm1x: can't generate nonce: %w", err)
	}
	return ca, nil
}

func (a *authSession) sign(ca *commandAuth, inDigest [digestSize]byte) {
	ca.Auth = authHMAC(a.key, inDigest, a.nonceEven, ca.NonceOdd, ca.ContSession)
}

// verify checks the TPM's proof of the session secret over outDigest.
func (a *authSession) verify(ca *commandAuth, ra *responseAuth, outDigest [digestSize]byte) error {
	want := authHMAC(a.key, outDigest, ra.NonceEven, ca.NonceOdd, ra.ContSession)
	if !hmac.Equal(want[:], ra.Auth[:]) {
		return errResponseAuth
	}
	a.nonceEven = ra.NonceEven
	return nil
}

// authHMAC = HMAC-SHA1(key, digest || nonceEven || nonceOdd || continueAuthSession)
func authHMAC(key, digest [digestSize]byte, even, odd nonce, cont byte) [digestSize]byte {
	h := hmac.New(sha1.New, key[:])
	h.Write(digest[:])
	h.Write(even[:])
	h.Write(odd[:])
	h.Write([]byte{cont})
	var out [digestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// sharedSecret = HMAC-SHA1(entityAuth, nonceEvenOSAP || nonceOddOSAP)
func sharedSecret(entityAuth [digestSize]byte, evenOSAP, oddOSAP nonce) [digestSize]byte {
	h := hmac.New(sha1.New, entityAuth[:])
	h.Write(evenOSAP[:])
	h.Write(oddOSAP[:])
	var out [digestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// encryptAuth hides a new authorization value inside an OSAP session:
// secret XOR SHA1(sharedSecret || n).
func encryptAuth(secret, shared [digestSize]byte, n nonce) [digestSize]byte {
	pad := sha1.Sum(append(shared[:], n[:]...))
	var out [digestSize]byte
	for i := range out {
		out[i] = secret[i] ^ pad[i]
	}
	return out
}

// inParamDigest = SHA1(ordinal || params), handles excluded.
func inParamDigest(ord tpmutil.Command, params ...interface{}) ([digestSize]byte, error) {
	b, err := tpmutil.Pack(append([]interface{}{ord}, params...)...)
	if err != nil {
		return [digestSize]byte{}, fmt.Errorf("tpm1x: can't pack command parameters: %w", err)
	}
	return sha1.Sum(b), nil
}

// outParamDigest = SHA1(returnCode || ordinal || params), handles excluded.
func outParamDigest(ord tpmutil.Command, params []byte) [digestSize]byte {
	h := sha1.New()
	b, _ := tpmutil.Pack(tpmutil.RCSuccess, ord)
	h.Write(b)
	h.Write(params)
	var out [digestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// splitResponseAuth cuts n trailing responseAuth blocks off a response body.
func splitResponseAuth(body []byte, n int) ([]byte, []responseAuth, error) {
	if len(body) < n*responseAuthSize {
		return nil, nil, fmt.Errorf("tpm1x: short response (%d bytes)", len(body))
	}
	params := body[:len(body)-n*responseAuthSize]
	ras := make([]responseAuth, n)
	rest := body[len(params):]
	for i := range ras {
		if _, err := tpmutil.Unpack(rest[i*responseAuthSize:(i+1)*responseAuthSize], &ras[i]); err != nil {
			return nil, nil, fmt.Errorf("tpm1x: can't unpack response authorization: %w", err)
		}
	}
	return params, ras, nil
}

// oiap opens an object-independent session authorized by entityAuth.
func (s *session) oiap(entityAuth [digestSize]byte) (*authSession, error) {
	out, err := s.run(tagRQUCommand, ordOIAP)
	if err != nil {
		return nil, err
	}
	var resp oiapResponse
	if _, err := tpmutil.Unpack(out, &resp); err != nil {
		return nil, fmt.Errorf("tpm1x: can't unpack OIAP response: %w", err)
	}
	s.auths[resp.AuthHandle] = struct{}{}
	return &authSession{handle: resp.AuthHandle, nonceEven: resp.NonceEven, key: entityAuth}, nil
}

// osap opens an object-specific session for the entity, keyed by the
// shared secret derived from entityAuth.
func (s *session) osap(entityType uint16, entity tpmutil.Handle, entityAuth [digestSize]byte) (*authSession, error) {
	cmd := osapCommand{EntityType: entityType, EntityValue: entity}
	if _, err := rand.Read(cmd.OddOSAP[:]); err != nil {
		return nil, fmt.Errorf("tpm1x: can't generate nonce: %w", err)
	}
	out, err := s.run(tagRQUCommand, ordOSAP, cmd)
	if err != nil {
		return nil, err
	}
	var resp osapResponse
	if _, err := tpmutil.Unpack(out, &resp); err != nil {
		return nil, fmt.Errorf("tpm1x: can't unpack OSAP response: %w", err)
	}
	s.auths[resp.AuthHandle] = struct{}{}
	return &authSession{
		handle:    resp.AuthHandle,
		nonceEven: resp.NonceEven,
		key:       sharedSecret(entityAuth, resp.EvenOSAP, cmd.OddOSAP),
	}, nil
}
