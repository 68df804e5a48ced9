package p2p

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the Req/Resp and chunk-codec failure taxonomy. Kinds
// at or above InvalidResponseCode are protocol violations and carry a heavy
// descore; everything below is transport-benign and carries a light descore
// or none at all.
type ErrorKind int

const (
	BrokenConnection ErrorKind = iota
	UnexpectedEOF
	PotentiallyExpectedEOF
	StreamOpenTimeoutKind
	ReadResponseTimeoutKind

	// protocolViolationBoundary: kinds at or after this point are protocol
	// violations (see IsProtocolViolation).
	InvalidResponseCode
	InvalidSnappyBytes
	InvalidSszBytes
	InvalidSizePrefix
	ZeroSizePrefix
	SizePrefixOverflow
	InvalidContextBytes
	ResponseChunkOverflow
	UnknownError
)

func (k ErrorKind) String() string {
	switch k {
	case BrokenConnection:
		return "BrokenConnection"
	case UnexpectedEOF:
		return "UnexpectedEOF"
	case PotentiallyExpectedEOF:
		return "PotentiallyExpectedEOF"
	case StreamOpenTimeoutKind:
		return "StreamOpenTimeout"
	case ReadResponseTimeoutKind:
		return "ReadResponseTimeout"
	case InvalidResponseCode:
		return "InvalidResponseCode"
	case InvalidSnappyBytes:
		return "InvalidSnappyBytes"
	case InvalidSszBytes:
		return "InvalidSszBytes"
	case InvalidSizePrefix:
		return "InvalidSizePrefix"
	case ZeroSizePrefix:
		return "ZeroSizePrefix"
	case SizePrefixOverflow:
		return "SizePrefixOverflow"
	case InvalidContextBytes:
		return "InvalidContextBytes"
	case ResponseChunkOverflow:
		return "ResponseChunkOverflow"
	case UnknownError:
		return "UnknownError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// IsProtocolViolation reports whether the error kind represents a wire-level
// protocol violation rather than a benign transport hiccup.
func (k ErrorKind) IsProtocolViolation() bool {
	return k >= InvalidResponseCode
}

// CodecError wraps an ErrorKind with the underlying cause, if any. Req/Resp
// and chunk-codec functions return *CodecError rather than a bare ErrorKind
// so callers can both switch on Kind and unwrap the root cause for logging.
type CodecError struct {
	Kind  ErrorKind
	Cause error
}

func (e *CodecError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *CodecError) Unwrap() error { return e.Cause }

func newCodecErr(kind ErrorKind, cause error) *CodecError {
	return &CodecError{Kind: kind, Cause: cause}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is a
// *CodecError, otherwise returns UnknownError.
func KindOf(err error) ErrorKind {
	var ce *CodecError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return UnknownError
}

// ReceivedErrorResponse is returned by the Req/Resp client when the peer's
// response chunk carries a non-Success response code. Message is already
// rendered for display per the ASCII-or-hex rule in errorMessageString.
type ReceivedErrorResponse struct {
	Code    ResponseCode
	Message string
}

func (e *ReceivedErrorResponse) Error() string {
	return fmt.Sprintf("peer returned %s: %s", e.Code, e.Message)
}

// Application-level errors a request handler may return; these map to wire
// response codes without descoring the local peer (see ErrorHandling in the
// design: "Application-logical" errors are the responder's own state, not a
// remote fault).
var (
	ErrInvalidInputs      = errors.New("p2p: invalid request inputs")
	ErrResourceUnavailable = errors.New("p2p: requested resource unavailable")
)

// InvalidInputsError and ResourceUnavailableError let handlers attach
// context while remaining matchable with errors.Is against the sentinels
// above.
type InvalidInputsError struct{ Cause error }

func (e *InvalidInputsError) Error() string { return fmt.Sprintf("invalid inputs: %v", e.Cause) }
func (e *InvalidInputsError) Unwrap() error { return ErrInvalidInputs }
func (e *InvalidInputsError) Is(target error) bool { return target == ErrInvalidInputs }

type ResourceUnavailableError struct{ Cause error }

func (e *ResourceUnavailableError) Error() string {
	return fmt.Sprintf("resource unavailable: %v", e.Cause)
}
func (e *ResourceUnavailableError) Unwrap() error     { return ErrResourceUnavailable }
func (e *ResourceUnavailableError) Is(target error) bool { return target == ErrResourceUnavailable }
