package transport

// StreamID identifies a stream within one connection. Ids follow the QUIC
// stream-id encoding: the low bit carries the initiator, the 0x2 bit carries
// directionality. Ids are meaningless outside the connection that issued
// them.
type StreamID uint64

// Direction of a stream relative to its initiator.
type Direction uint8

const (
	// Bidirectional streams have a send and a receive half on both
	// peers. Closing one half does not close the other.
	Bidirectional Direction = iota
	// Unidirectional streams carry data from the initiator to the peer
	// only.
	Unidirectional
)

func (d Direction) String() string {
	if d == Unidirectional {
		return "uni"
	}
	return "bi"
}

// Dir reports the stream's directionality, taken from the id encoding.
func (id StreamID) Dir() Direction {
	if id&0x2 != 0 {
		return Unidirectional
	}
	return Bidirectional
}

// Initiator reports which side opened the stream.
func (id StreamID) Initiator() Side {
	if id&0x1 != 0 {
		return Server
	}
	return Client
}

// OpenDescription carries the parameters for opening a stream.
type OpenDescription struct {
	Dir Direction
}

// CloseDescription carries the parameters for closing one half of a stream.
// A zero value finishes a send stream gracefully. Reset aborts the stream
// with ErrorCode: on a send stream it resets the peer's receive half, on a
// receive stream it stops the peer's send half. ErrorCode is ignored when
// Reset is false.
type CloseDescription struct {
	Reset     bool
	ErrorCode uint64
}

// SendStream is the send half of an open stream.
type SendStream interface {
	// Send writes as much of p as the stream accepts and returns the
	// number of bytes consumed. It fails with a non-fatal Blocked error
	// when flow control or congestion prevents progress; callers retry
	// the remaining bytes on a later tick.
	Send(p []byte) (int, error)

	// Close finishes or resets the send half as described by desc.
	Close(desc CloseDescription) error

	// IsOpen reports whether the half is still usable.
	IsOpen() bool
}

// RecvStream is the receive half of an open stream.
type RecvStream interface {
	// Recv returns up to limit bytes of newly received data. It fails
	// with a non-fatal Blocked error when no data has arrived yet, with
	// a non-fatal Finished error when the peer has finished the stream
	// and every byte has been consumed, and with a fatal error when the
	// stream was reset or does not exist.
	Recv(limit int) ([]byte, error)

	// Close stops the receive half as described by desc.
	Close(desc CloseDescription) error

	// IsOpen reports whether the half is still usable.
	IsOpen() bool
}
