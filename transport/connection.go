package transport

import "net/netip"

// ConnectionID identifies a live connection within one endpoint. Handles are
// issued by the backend when the connection is created and are unique among
// the endpoint's currently live connections; a handle may be reused only
// after the connection it identified has been removed.
type ConnectionID uint64

// Side distinguishes the connection's role in the handshake.
type Side uint8

const (
	Client Side = iota
	Server
)

func (s Side) String() string {
	if s == Server {
		return "server"
	}
	return "client"
}

// ConnectionStats is the read-only projection of a connection.
type ConnectionStats struct {
	Side   Side
	Remote netip.AddrPort
}

// Connection is one peer session. Stream lookups return false for ids that
// are not currently open in the queried direction.
type Connection interface {
	// Disconnect requests closure of the connection. Like stream closes,
	// it takes effect through protocol messages flushed by later Update
	// calls on the owning endpoint.
	Disconnect()

	// OpenStream opens a locally initiated stream, reporting false if
	// the backend cannot open one right now (stream limits, connection
	// not yet established).
	OpenStream(desc OpenDescription) (StreamID, bool)

	// SendStream returns the send half of an open stream.
	SendStream(id StreamID) (SendStream, bool)

	// RecvStream returns the receive half of an open stream.
	RecvStream(id StreamID) (RecvStream, bool)

	// PollStreamEvent pops the next pending stream event, in the order
	// the backend produced them. It reports false when the queue is
	// empty for this tick.
	PollStreamEvent() (StreamEvent, bool)

	// Stats returns the read-only view of the connection.
	Stats() ConnectionStats
}
