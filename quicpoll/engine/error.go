package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrBlocked reports that a stream operation cannot make progress
	// until the peer or congestion control allows it.
	ErrBlocked = errors.New("blocked")

	// ErrFinished reports that the peer finished a receive stream and
	// all delivered data has been consumed.
	ErrFinished = errors.New("finished")

	// ErrClosedStream reports a stream operation on a half that was
	// never opened or has been torn down.
	ErrClosedStream = errors.New("closed stream")

	// ErrConnectionClosed reports an operation on a connection that is
	// closing or drained.
	ErrConnectionClosed = errors.New("connection closed")
)

// ResetError reports that the peer reset a receive stream with an
// application error code.
type ResetError struct {
	Code uint64
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("stream reset by peer (code %d)", e.Code)
}
