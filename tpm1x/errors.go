package tpm1x

import (
	"errors"
	"strconv"
)

// A tpmError is a TPM 1.2 return code.
type tpmError uint32

func (e tpmError) Error() string {
	if s, ok := tpmErrMsgs[e]; ok {
		return "tpm1x: " + s
	}
	return "tpm1x: unknown error code " + strconv.Itoa(int(e))
}

const (
	ErrAuthFail tpmError = iota + 1
	ErrBadIndex
	ErrBadParameter
	ErrAuditFailure
	ErrClearDisabled
	ErrDeactivated
	ErrDisabled
	ErrDisabledCmd
	ErrFail
	ErrBadOrdinal
	ErrInstallDisabled
	ErrInvalidKeyHandle
	ErrKeyNotFound
	ErrInappropriateEnc
	ErrMigrateFail
	ErrInvalidPCRInfo
	ErrNoSpace
	ErrNoSRK
	ErrNotSealedBlob
	ErrOwnerSet
	ErrResources
	ErrShortRandom
	ErrSize
	ErrWrongPCRVal
	ErrBadParamSize
	ErrSHAThread
	ErrSHAError
	ErrFailedSelfTest
	ErrAuth2Fail
	ErrBadTag
	ErrIOError
	ErrEncryptError
	ErrDecryptError
	ErrInvalidAuthHandle
	ErrNoEndorsement
	ErrInvalidKeyUsage
	ErrWrongEntityType
	ErrInvalidPostInit
)

const (
	ErrRetry             tpmError = 0x800
	ErrDefendLockRunning tpmError = 0x803
)

var tpmErrMsgs = map[tpmError]string{
	ErrAuthFail:          "authentication failed",
	ErrBadIndex:          "the index to a PCR, DIR or other register is incorrect",
	ErrBadParameter:      "one or more parameter is bad",
	ErrAuditFailure:      "an operation completed successfully but the auditing of that operation failed",
	ErrClearDisabled:     "the clear disable flag is set and all clear operations now require physical access",
	ErrDeactivated:       "the TPM is deactivated",
	ErrDisabled:          "the TPM is disabled",
	ErrDisabledCmd:       "the target command has been disabled",
	ErrFail:              "the operation failed",
	ErrBadOrdinal:        "the ordinal was unknown or inconsistent",
	ErrInstallDisabled:   "the ability to install an owner is disabled",
	ErrInvalidKeyHandle:  "the key handle can not be interpreted",
	ErrKeyNotFound:       "the key handle points to an invalid key",
	ErrInappropriateEnc:  "unacceptable encryption scheme",
	ErrMigrateFail:       "migration authorization failed",
	ErrInvalidPCRInfo:    "PCR information could not be interpreted",
	ErrNoSpace:           "no room to load key",
	ErrNoSRK:             "there is no SRK set",
	ErrNotSealedBlob:     "an encrypted blob is invalid or was not created by this TPM",
	ErrOwnerSet:          "there is already an Owner",
	ErrResources:         "the TPM has insufficient internal resources to perform the requested action",
	ErrShortRandom:       "a random string was too short",
	ErrSize:              "the TPM does not have the space to perform the operation",
	ErrWrongPCRVal:       "the named PCR value does not match the current PCR value",
	ErrBadParamSize:      "the paramSize argument to the command has the incorrect value",
	ErrSHAThread:         "there is no existing SHA-1 thread",
	ErrSHAError:          "the calculation is unable to proceed because the existing SHA-1 thread has already encountered an error",
	ErrFailedSelfTest:    "self-test has failed and the TPM has shutdown",
	ErrAuth2Fail:         "the authorization for the second key in a 2 key function failed authorization",
	ErrBadTag:            "the tag value sent to for a command is invalid",
	ErrIOError:           "an IO error occurred transmitting information to the TPM",
	ErrEncryptError:      "the encryption process had a problem",
	ErrDecryptError:      "the decryption process had a problem",
	ErrInvalidAuthHandle: "an invalid handle was used",
	ErrNoEndorsement:     "the TPM does not have an EK installed",
	ErrInvalidKeyUsage:   "the usage of a key is not allowed",
	ErrWrongEntityType:   "the submitted entity type is not allowed",
	ErrInvalidPostInit:   "the command was received in the wrong sequence relative to Init and a subsequent Startup",
	ErrRetry:             "the TPM is too busy to respond to the command immediately",
	ErrDefendLockRunning: "the TPM is defending against dictionary attacks and is in a time-out period",
}

var errResponseAuth = errors.New("tpm1x: response authorization doesn't verify")

// IsAuthError reports whether the TPM rejected one of the command's authorizations.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthFail) || errors.Is(err, ErrAuth2Fail)
}
