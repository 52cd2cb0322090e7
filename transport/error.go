package transport

import "errors"

// Error is a stream or connection operation failure with a fatality
// classification. Non-fatal errors are resolved by retrying the operation
// on a later tick; fatal errors mean the resource is permanently unusable.
type Error struct {
	msg   string
	fatal bool
}

func (e *Error) Error() string { return e.msg }

// Fatal reports whether the failed resource is permanently unusable.
func (e *Error) Fatal() bool { return e.fatal }

var (
	// ErrBlocked reports that a send or receive could not make progress
	// this tick. Retry on a later tick.
	ErrBlocked = &Error{msg: "stream blocked", fatal: false}

	// ErrFinished reports that the peer finished a receive stream and
	// all of its data has been consumed. The stream is removed from the
	// connection's open set and a ClosedRecvStream event follows.
	ErrFinished = &Error{msg: "stream finished", fatal: false}

	// ErrNoStream reports an operation on a stream that was never
	// opened, was closed, or was torn down.
	ErrNoStream = &Error{msg: "no such stream", fatal: true}

	// ErrReset reports that the peer reset the stream; pending data is
	// discarded and no more will arrive.
	ErrReset = &Error{msg: "stream reset by peer", fatal: true}

	// ErrClosed reports an operation on a connection or endpoint that
	// has been closed.
	ErrClosed = &Error{msg: "connection closed", fatal: true}

	// ErrNoConnection reports an operation addressed to a connection id
	// that is not live on the endpoint.
	ErrNoConnection = errors.New("no such connection")
)

// fatality is satisfied by backend errors that carry their own
// classification.
type fatality interface {
	Fatal() bool
}

// IsFatal reports whether err indicates that the operated-on resource is
// permanently unusable. Errors without a classification are treated as
// fatal, since retrying an unknown failure cannot be assumed safe.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var f fatality
	if errors.As(err, &f) {
		return f.Fatal()
	}
	return true
}
