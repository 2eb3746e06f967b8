package desfire

import (
	"errors"
	"fmt"
)

// Status codes returned by the card in SW2 (SW1 is always 0x91).
const (
	StatusOperationOK         byte = 0x00
	StatusNoChanges           byte = 0x0C
	StatusOutOfEEPROM         byte = 0x0E
	StatusIllegalCommand      byte = 0x1C
	StatusIntegrityError      byte = 0x1E
	StatusNoSuchKey           byte = 0x40
	StatusLengthError         byte = 0x7E
	StatusPermissionDenied    byte = 0x9D
	StatusParameterError      byte = 0x9E
	StatusAppNotFound         byte = 0xA0
	StatusAppIntegrityError   byte = 0xA1
	StatusAuthenticationError byte = 0xAE
	StatusAdditionalFrame     byte = 0xAF
	StatusBoundaryError       byte = 0xBE
	StatusPICCIntegrityError  byte = 0xC1
	StatusCommandAborted      byte = 0xCA
	StatusPICCDisabled        byte = 0xCD
	StatusCountError          byte = 0xCE
	StatusDuplicateError      byte = 0xDE
	StatusEEPROMError         byte = 0xEE
	StatusFileNotFound        byte = 0xF0
	StatusFileIntegrityError  byte = 0xF1
)

// Sentinel errors raised by the host side of the protocol.
var (
	// ErrNotAuthenticated is returned when an operation needs an active
	// session and none is established.
	ErrNotAuthenticated = errors.New("desfire: not authenticated")
	// ErrAuthRejected is returned when the card answers the challenge with
	// the wrong nonce during mutual authentication.
	ErrAuthRejected = errors.New("desfire: card returned wrong nonce")
	// ErrCMACMismatch is returned when a response MAC fails verification.
	// The session is reset.
	ErrCMACMismatch = errors.New("desfire: response CMAC mismatch")
	// ErrCRCMismatch is returned when a deciphered response fails its CRC
	// check. The session is reset.
	ErrCRCMismatch = errors.New("desfire: response CRC mismatch")
	// ErrAccessDenied is returned by the access-rights resolver when none of
	// the relevant nibbles grant the operation.
	ErrAccessDenied = errors.New("desfire: access denied by file access rights")
)

// StatusError is a terminal non-OK status returned by the card. The raw
// status byte is preserved for diagnostics.
type StatusError struct {
	INS  byte // command that triggered the status, 0 if unknown
	Code byte
}

func (e *StatusError) Error() string {
	if e.INS != 0 {
		return fmt.Sprintf("desfire: command 0x%02X failed with status 0x%02X (%s)", e.INS, e.Code, statusDescription(e.Code))
	}
	return fmt.Sprintf("desfire: status 0x%02X (%s)", e.Code, statusDescription(e.Code))
}

// TransportError wraps a failure to talk to the reader.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("desfire: transport failure: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// ArgumentError reports invalid caller input, such as a key length that does
// not match the key type or an illegal key number at PICC level.
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string {
	return "desfire: " + e.Reason
}

// AuthError represents a failure at a specific step of the mutual
// authentication handshake.
type AuthError struct {
	Step  string // "challenge" or "response"
	Code  byte   // status byte, if the card answered
	Cause error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("desfire: auth %s failed: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("desfire: auth %s failed with status 0x%02X (%s)", e.Step, e.Code, statusDescription(e.Code))
}

func (e *AuthError) Unwrap() error { return e.Cause }

func statusDescription(code byte) string {
	switch code {
	case StatusOperationOK:
		return "operation OK"
	case StatusNoChanges:
		return "no changes"
	case StatusOutOfEEPROM:
		return "out of EEPROM"
	case StatusIllegalCommand:
		return "illegal command code"
	case StatusIntegrityError:
		return "integrity error"
	case StatusNoSuchKey:
		return "no such key"
	case StatusLengthError:
		return "length error"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusParameterError:
		return "parameter error"
	case StatusAppNotFound:
		return "application not found"
	case StatusAppIntegrityError:
		return "application integrity error"
	case StatusAuthenticationError:
		return "authentication error"
	case StatusAdditionalFrame:
		return "additional frame"
	case StatusBoundaryError:
		return "boundary error"
	case StatusPICCIntegrityError:
		return "PICC integrity error"
	case StatusCommandAborted:
		return "command aborted"
	case StatusPICCDisabled:
		return "PICC disabled"
	case StatusCountError:
		return "count error"
	case StatusDuplicateError:
		return "duplicate error"
	case StatusEEPROMError:
		return "EEPROM error"
	case StatusFileNotFound:
		return "file not found"
	case StatusFileIntegrityError:
		return "file integrity error"
	default:
		return "unknown status"
	}
}

// IsStatus reports whether err is a card status error carrying code.
func IsStatus(err error, code byte) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
