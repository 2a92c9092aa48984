// Package tpm1x seals wrapping keys in a TPM 1.2, speaking the TPM 1.2
// command protocol directly.
package tpm1x

import "github.com/google/go-tpm/tpmutil"

// Supported TPM commands.
const (
	tagRQUCommand      tpmutil.Tag = 0x00C1
	tagRQUAuth1Command tpmutil.Tag = 0x00C2
	tagRQUAuth2Command tpmutil.Tag = 0x00C3
)

// Supported TPM operations.
const (
	ordOIAP          tpmutil.Command = 0x0000000A
	ordOSAP          tpmutil.Command = 0x0000000B
	ordExtend        tpmutil.Command = 0x00000014
	ordPCRRead       tpmutil.Command = 0x00000015
	ordSeal          tpmutil.Command = 0x00000017
	ordUnseal        tpmutil.Command = 0x00000018
	ordCreateWrapKey tpmutil.Command = 0x0000001F
	ordLoadKey2      tpmutil.Command = 0x00000041
	ordGetRandom     tpmutil.Command = 0x00000046
	ordFlushSpecific tpmutil.Command = 0x000000BA
)

// Entity types
const (
	etKeyHandle uint16 = 0x0001
	etSRK       uint16 = 0x0004
)

// Resource types
const (
	rtKey  uint32 = 0x00000001
	rtAuth uint32 = 0x00000002
)

// Entity values
const khSRK tpmutil.Handle = 0x40000000

// Structure tags and key parameters for the storage keys created here.
const (
	tagPCRInfoLong uint16 = 0x0006
	tagKey12       uint16 = 0x0028

	keyStorage      uint16 = 0x0011
	keyFlagVolatile uint32 = 0x00000004
	authAlways      byte   = 0x01

	algRSA        uint32 = 0x00000001
	esRSAOAEPSHA1 uint16 = 0x0003
	ssNone        uint16 = 0x0001

	localityAll byte = 0x1F
)

const (
	digestSize = 20

	// nonceEven || continueAuthSession || resAuth
	responseAuthSize = digestSize + 1 + digestSize

	storageKeyBits = 2048

	minSelectSize = 3
)

// SRKWellKnownSecret is the SRK authorization used until the TPM asks for another.
var SRKWellKnownSecret [digestSize]byte

// SealingSecret authorizes the sealed data object itself.
var SealingSecret = [digestSize]byte{
	0xB9, 0xEE, 0x71, 0x5D, 0xBE, 0x4B, 0x24, 0x3F, 0xAA, 0x81,
	0xEA, 0x04, 0x30, 0x6E, 0x06, 0x37, 0x10, 0x38, 0x3E, 0x35,
}

// DefaultParentKeySecret authorizes the parent key when no passphrase was given.
var DefaultParentKeySecret = [digestSize]byte{
	0x3B, 0x0D, 0x6E, 0x96, 0x1C, 0x44, 0xA8, 0x52, 0x07, 0xF1,
	0x9E, 0x2A, 0x64, 0xC5, 0x80, 0x13, 0xD7, 0x5F, 0x29, 0xBA,
}
