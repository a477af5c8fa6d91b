package nfc

import (
	"errors"
	"strings"
)

// ErrorCode represents a specific type of NFC error for programmatic handling.
type ErrorCode int

const (
	// Precondition errors
	ErrCodeRadioUnavailable ErrorCode = iota + 100
	ErrCodeNoTagPolled

	// Capability errors
	ErrCodeNdefUnsupported
	ErrCodeTransceiveUnsupported
	ErrCodeNotWritable

	// Argument and format errors
	ErrCodeBadArgument
	ErrCodeFormat
	ErrCodeNdefFormat

	// Tag I/O errors
	ErrCodeCommunication
	ErrCodeLockFailed
	ErrCodePollTimeout
)

var codeStatus = map[ErrorCode]string{
	ErrCodeRadioUnavailable:      "404",
	ErrCodeNoTagPolled:           "406",
	ErrCodeNdefUnsupported:       "405",
	ErrCodeTransceiveUnsupported: "405",
	ErrCodeNotWritable:           "405",
	ErrCodeBadArgument:           "400",
	ErrCodeFormat:                "400",
	ErrCodeNdefFormat:            "400",
	ErrCodeCommunication:         "500",
	ErrCodeLockFailed:            "500",
	ErrCodePollTimeout:           "408",
}

var codeMessage = map[ErrorCode]string{
	ErrCodeRadioUnavailable:      "NFC not available",
	ErrCodeNoTagPolled:           "No tag polled",
	ErrCodeNdefUnsupported:       "NDEF not supported on current tag",
	ErrCodeTransceiveUnsupported: "Transceiver not supported for this type of card",
	ErrCodeNotWritable:           "Tag not writable",
	ErrCodeBadArgument:           "Bad argument",
	ErrCodeFormat:                "Command format error",
	ErrCodeNdefFormat:            "NDEF format error",
	ErrCodeCommunication:         "Communication error",
	ErrCodeLockFailed:            "Failed to lock NDEF tag",
	ErrCodePollTimeout:           "Polling tag timeout",
}

// Status returns the stable status code reported to method-channel callers.
func (c ErrorCode) Status() string {
	if s, ok := codeStatus[c]; ok {
		return s
	}
	return "500"
}

// Message returns the default human-readable message for the code.
func (c ErrorCode) Message() string {
	if m, ok := codeMessage[c]; ok {
		return m
	}
	return "Unknown error"
}

// NFCError provides structured error information for programmatic handling.
type NFCError struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "ReadNDEF", "Transceive")
	Message string // Human-readable message
	Cause   error  // Underlying error
}

func (e *NFCError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *NFCError) Unwrap() error {
	return e.Cause
}

func (e *NFCError) Is(target error) bool {
	if t, ok := target.(*NFCError); ok {
		return e.Code == t.Code
	}
	return false
}

// Details returns the underlying cause text, or nil when there is none.
func (e *NFCError) Details() any {
	if e.Cause == nil {
		return nil
	}
	return e.Cause.Error()
}

// Sentinel errors for errors.Is checks. Only the code is compared.
var (
	ErrRadioUnavailable      = &NFCError{Code: ErrCodeRadioUnavailable, Message: ErrCodeRadioUnavailable.Message()}
	ErrNoTagPolled           = &NFCError{Code: ErrCodeNoTagPolled, Message: ErrCodeNoTagPolled.Message()}
	ErrNdefUnsupported       = &NFCError{Code: ErrCodeNdefUnsupported, Message: ErrCodeNdefUnsupported.Message()}
	ErrTransceiveUnsupported = &NFCError{Code: ErrCodeTransceiveUnsupported, Message: ErrCodeTransceiveUnsupported.Message()}
	ErrNotWritable           = &NFCError{Code: ErrCodeNotWritable, Message: ErrCodeNotWritable.Message()}
	ErrBadArgument           = &NFCError{Code: ErrCodeBadArgument, Message: ErrCodeBadArgument.Message()}
	ErrFormat                = &NFCError{Code: ErrCodeFormat, Message: ErrCodeFormat.Message()}
	ErrNdefFormat            = &NFCError{Code: ErrCodeNdefFormat, Message: ErrCodeNdefFormat.Message()}
	ErrCommunication         = &NFCError{Code: ErrCodeCommunication, Message: ErrCodeCommunication.Message()}
	ErrLockFailed            = &NFCError{Code: ErrCodeLockFailed, Message: ErrCodeLockFailed.Message()}
	ErrPollTimeout           = &NFCError{Code: ErrCodePollTimeout, Message: ErrCodePollTimeout.Message()}
)

// NewError creates an NFCError carrying the default message for code.
func NewError(code ErrorCode, op string, cause error) *NFCError {
	return &NFCError{
		Code:    code,
		Op:      op,
		Message: code.Message(),
		Cause:   cause,
	}
}

// NewCommunicationError wraps an I/O failure talking to the tag.
func NewCommunicationError(op string, cause error) *NFCError {
	return NewError(ErrCodeCommunication, op, cause)
}

// NewFormatError creates an error for malformed hex input.
func NewFormatError(op string, cause error) *NFCError {
	return NewError(ErrCodeFormat, op, cause)
}

// NewNdefFormatError creates an error for malformed NDEF data.
func NewNdefFormatError(op string, cause error) *NFCError {
	return NewError(ErrCodeNdefFormat, op, cause)
}

// GetErrorCode extracts the ErrorCode from an error if it's an NFCError.
// Returns 0 if the error is not an NFCError.
func GetErrorCode(err error) ErrorCode {
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr.Code
	}
	return 0
}

// AsNFCError returns err as an NFCError. Errors that are not NFCErrors are
// reported as communication errors, since they come from the tag transport.
func AsNFCError(op string, err error) *NFCError {
	if err == nil {
		return nil
	}
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr
	}
	return NewCommunicationError(op, err)
}
