package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/captp/internal/ids"
)

// ProtocolError represents a connection-fatal protocol violation: a
// message referring to an unknown id, or a state-illegal transition.
//
// Policy (unlike call-scoped exceptions): a protocol error tears down
// the entire session. All outstanding questions resolve with an
// exception, answers are abandoned, imports are invalidated, and the
// transport is closed.
type ProtocolError struct {
	// Code identifies the violation category.
	Code ProtocolErrorCode

	// Message is a human-readable description.
	Message string
}

// ProtocolErrorCode categorizes protocol errors.
type ProtocolErrorCode string

const (
	// ErrCodeUnknownID indicates a message referenced an id with no
	// live table entry.
	ErrCodeUnknownID ProtocolErrorCode = "UNKNOWN_ID"

	// ErrCodeIDReuse indicates the peer reused a live id.
	ErrCodeIDReuse ProtocolErrorCode = "ID_REUSE"

	// ErrCodeDoubleReturn indicates a second Return for one question.
	ErrCodeDoubleReturn ProtocolErrorCode = "DOUBLE_RETURN"

	// ErrCodeDoubleFinish indicates a second Finish for one question or
	// answer.
	ErrCodeDoubleFinish ProtocolErrorCode = "DOUBLE_FINISH"

	// ErrCodeRefUnderflow indicates a Release retracting more
	// references than the export's wire count.
	ErrCodeRefUnderflow ProtocolErrorCode = "REF_UNDERFLOW"

	// ErrCodeThirdParty indicates a Level-3 descriptor, which this
	// Level-1 runtime does not accept.
	ErrCodeThirdParty ProtocolErrorCode = "THIRD_PARTY_UNSUPPORTED"

	// ErrCodeBadTarget indicates a message target that cannot be
	// resolved (wrong variant, or a disembargo for an unresolved or
	// non-loopback target).
	ErrCodeBadTarget ProtocolErrorCode = "BAD_TARGET"

	// ErrCodeBadDescriptor indicates a malformed capability descriptor.
	ErrCodeBadDescriptor ProtocolErrorCode = "BAD_DESCRIPTOR"
)

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// protoErrf builds a ProtocolError with a formatted message.
func protoErrf(code ProtocolErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// asProtocol escalates table lookup failures to protocol errors and
// passes other errors through unchanged.
func asProtocol(err error) error {
	if err == nil {
		return nil
	}
	var nf *ids.ErrNotFound
	if errors.As(err, &nf) {
		return &ProtocolError{Code: ErrCodeUnknownID, Message: nf.Error()}
	}
	return err
}

// IsProtocolError reports whether err is connection-fatal.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
