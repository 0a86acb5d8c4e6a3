// Package relayerr enumerates the error kinds the relay core can surface,
// mirroring the propagation contract: every error is recovered at the
// dispatcher boundary and turned into a FAIL/Error reply or, for decode
// failures, the HELLO cover page. The one exception is a Session.Read error
// during READ, which leaves the reply OK with no Data field. Nothing here is allowed to panic the
// request handler.
package relayerr

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by Session.Write once the session has
// transitioned to CLOSED, whether by explicit close, upstream EOF, upstream
// I/O error, or a queue failure, and by Session.Read when the session closed
// without a recorded upstream error (after an upstream EOF or I/O error,
// Read returns *IoError instead). The text is wire-visible in the FAIL
// reply's Error field and must stay byte-identical to the original
// implementation.
var ErrSessionClosed = errors.New("Session is closed")

// ErrSendFailed indicates the write-inbox rejected an enqueue because its
// receiving worker is already gone.
var ErrSendFailed = errors.New("send failed")

// ErrSessionNotFound indicates a FORWARD/READ/DISCONNECT referenced a mark
// absent from the registry. The text is wire-visible in the FAIL reply's
// Error field and must stay byte-identical to the original implementation.
var ErrSessionNotFound = errors.New("Session not found")

// DecodeError wraps a base64 structural failure. It is never surfaced to
// the client directly; the dispatcher responds with the HELLO cover page
// instead.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode error: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// IoError wraps a network failure observed below the Session interface.
type IoError struct {
	Err error
}

func (e *IoError) Error() string { return fmt.Sprintf("io error: %v", e.Err) }
func (e *IoError) Unwrap() error { return e.Err }
