package transport

// StreamEventType enumerates the lifecycle transitions of stream halves.
type StreamEventType uint8

const (
	NewSendStream StreamEventType = iota
	ClosedSendStream
	NewRecvStream
	ClosedRecvStream
)

func (t StreamEventType) String() string {
	switch t {
	case NewSendStream:
		return "new send stream"
	case ClosedSendStream:
		return "closed send stream"
	case NewRecvStream:
		return "new recv stream"
	case ClosedRecvStream:
		return "closed recv stream"
	default:
		return "unknown stream event"
	}
}

// StreamEvent reports that a stream half was opened or closed.
// PeerGenerated is true when the remote side initiated the transition.
// Events are delivered in FIFO order per connection; ordering across
// connections is unspecified.
type StreamEvent struct {
	StreamID      StreamID
	PeerGenerated bool
	Type          StreamEventType
}
