package wire

import (
	"errors"
	"fmt"
)

// Exception is a call-scoped error: raised by the callee, reported by
// the peer in a Return, or produced locally when a capability is broken.
// An exception resolves only the struct ref of the call that raised it;
// the connection stays up.
type Exception struct {
	// Reason is the human-readable error text carried on the wire.
	Reason string
}

// Error implements the error interface.
func (e *Exception) Error() string {
	return e.Reason
}

// Exceptionf builds an Exception with a formatted reason.
func Exceptionf(format string, args ...any) *Exception {
	return &Exception{Reason: fmt.Sprintf(format, args...)}
}

// ErrCancelled resolves a struct ref whose call was terminated by
// cancellation, either locally (the caller dropped its last reference
// before the Return arrived) or by the peer (Finish before Return).
var ErrCancelled = errors.New("call cancelled")

// IsCancelled reports whether err is the cancellation sentinel.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
