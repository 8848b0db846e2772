package bridge

import (
	"errors"
	"fmt"
)

// ErrStreamClosed is returned by stream producers when the other side has
// closed the stream. Applications should stop producing when they see it.
var ErrStreamClosed = errors.New("stream closed")

// ErrDisconnected reports a peer-initiated disconnect. Reads from wsgi.input
// return it after the buffered remainder is drained, and response writes fail
// with it once the peer is gone. All disconnect-related errors satisfy
// errors.Is(err, ErrDisconnected).
var ErrDisconnected = errors.New("client disconnected")

// ErrGetTimeout is returned by AsyncToSyncStream.Get when the timeout expires
// before an item arrives.
var ErrGetTimeout = errors.New("get timed out")

// Side identifies which half of the bridge violated the protocol.
type Side string

const (
	SideApp    Side = "application"
	SideServer Side = "server"
)

// ProtocolError reports a violation of the WSGI or ASGI message protocol:
// a body before a response start, a duplicate start, an unknown message or
// scope type. It is raised synchronously to the offending side; the other
// side observes EOF.
type ProtocolError struct {
	Side   Side
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation (%s): %s", e.Side, e.Reason)
}

// protocolErrorf builds a ProtocolError with a formatted reason.
func protocolErrorf(side Side, format string, args ...any) *ProtocolError {
	return &ProtocolError{Side: side, Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
