package engine

import (
	"crypto/tls"
	"net/netip"
	"time"

	"github.com/pollmux/pollmux/transport"
)

// Handle identifies a live connection inside the engine. The endpoint keys
// its connection table by handle; the engine must not issue a handle that
// collides with a currently live one.
type Handle uint64

// ECN is the Explicit Congestion Notification codepoint attached to a
// datagram. The zero value means the datagram carried no marking.
type ECN uint8

const (
	NotECT ECN = iota
	ECT0
	ECT1
	CE
)

// Transmit is a datagram the engine wants sent. Payload aliases the buffer
// passed to the producing call and is valid only until the engine is called
// again. A Payload longer than SegmentSize is a GSO batch of SegmentSize-d
// segments.
type Transmit struct {
	Destination netip.AddrPort
	ECN         ECN
	Payload     []byte
	SegmentSize int
	Src         netip.Addr
}

// Incoming describes an inbound connection attempt the engine has not
// accepted yet.
type Incoming interface {
	RemoteAddr() netip.AddrPort
}

// DatagramEvent is the outcome of feeding one datagram to the engine.
// Exactly one of the three concrete types is returned.
type DatagramEvent interface{ isDatagramEvent() }

// NewConnection reports an inbound connection attempt awaiting an
// accept/refuse decision.
type NewConnection struct{ Incoming Incoming }

// ConnectionEvent is addressed to the connection identified by Handle and
// must be delivered to its Conn.HandleEvent.
type ConnectionEvent struct {
	Handle Handle
	Event  ConnEvent
}

// Response is a datagram the engine answers with directly, without
// involving a connection (version negotiation, retry, stateless reset).
type Response struct{ Transmit Transmit }

func (NewConnection) isDatagramEvent()   {}
func (ConnectionEvent) isDatagramEvent() {}
func (Response) isDatagramEvent()        {}

// ConnEvent is an engine-internal message addressed to one connection. The
// endpoint carries it between Engine and Conn without inspecting it.
type ConnEvent any

// EndpointEvent is an engine-internal message a connection addresses to its
// endpoint, drained via Conn.PollEndpointEvents and fed to
// Engine.HandleEvent.
type EndpointEvent any

// ClientConfig carries the parameters for an outgoing connection.
type ClientConfig struct {
	ServerName string
	TLS        *tls.Config
}

// AcceptError reports a failed accept. If Response is non-nil the endpoint
// should transmit it (a refusal packet for the peer).
type AcceptError struct {
	Response *Transmit
	Reason   error
}

func (e *AcceptError) Error() string { return "accept failed: " + e.Reason.Error() }
func (e *AcceptError) Unwrap() error { return e.Reason }

// Engine is a sans-IO QUIC protocol engine.
//
// Calls that may produce outgoing packet bytes take a reusable buffer; any
// Transmit they return aliases it.
type Engine interface {
	// Server reports whether the engine holds a server configuration
	// and can accept inbound connections.
	Server() bool

	// MaxUDPPayloadSize returns the largest datagram payload the engine
	// is configured to produce or consume.
	MaxUDPPayloadSize() int

	// Handle processes one received datagram. A nil return means the
	// datagram was consumed without requiring endpoint action.
	Handle(now time.Time, remote netip.AddrPort, dst netip.Addr, ecn ECN, payload []byte, buf *[]byte) DatagramEvent

	// Accept admits an inbound connection attempt, returning its handle
	// and connection state.
	Accept(incoming Incoming, now time.Time, buf *[]byte) (Handle, Conn, error)

	// Refuse rejects an inbound connection attempt, returning the
	// refusal packet to transmit.
	Refuse(incoming Incoming, buf *[]byte) Transmit

	// Connect starts an outgoing connection.
	Connect(now time.Time, cfg ClientConfig, remote netip.AddrPort) (Handle, Conn, error)

	// HandleEvent delivers a connection's endpoint-bound event. The
	// engine may answer with an event to feed back into the same
	// connection.
	HandleEvent(handle Handle, event EndpointEvent) (ConnEvent, bool)
}

// Event is an application-visible connection event drained via Conn.Poll.
type Event interface{ isEvent() }

// Connected reports handshake completion.
type Connected struct{}

// ConnectionLost reports that the connection is gone: closed locally,
// closed by the peer, or timed out.
type ConnectionLost struct{ Reason error }

func (Connected) isEvent()      {}
func (ConnectionLost) isEvent() {}

// Conn is the engine-side state of one connection.
type Conn interface {
	// HandleEvent delivers an event addressed to this connection.
	HandleEvent(event ConnEvent)

	// PollTransmit returns the next datagram the connection wants sent,
	// packing at most maxDatagrams GSO segments.
	PollTransmit(now time.Time, maxDatagrams int, buf *[]byte) (Transmit, bool)

	// PollTimeout returns the connection's next timer deadline.
	PollTimeout() (time.Time, bool)

	// HandleTimeout fires the timer whose deadline has passed.
	HandleTimeout(now time.Time)

	// PollEndpointEvents drains events addressed to the endpoint.
	PollEndpointEvents() (EndpointEvent, bool)

	// Poll drains application-visible events.
	Poll() (Event, bool)

	// Open opens a locally initiated stream, reporting false if stream
	// limits forbid it right now.
	Open(dir transport.Direction) (transport.StreamID, bool)

	// Accept pops the next peer-initiated stream of the given
	// directionality.
	Accept(dir transport.Direction) (transport.StreamID, bool)

	// Send writes to a stream's send half. It fails with ErrBlocked when
	// flow control prevents progress and ErrClosedStream when the half
	// is not open.
	Send(id transport.StreamID, p []byte) (int, error)

	// Recv reads up to limit bytes from a stream's receive half. It
	// fails with ErrBlocked when no data is available, ErrFinished when
	// the peer finished the stream and all data was consumed, a
	// *ResetError when the peer reset it, and ErrClosedStream when the
	// half is not open.
	Recv(id transport.StreamID, limit int) ([]byte, error)

	// Finish gracefully closes a stream's send half.
	Finish(id transport.StreamID) error

	// Reset abandons a stream's send half with an error code.
	Reset(id transport.StreamID, code uint64) error

	// Stop tells the peer to abandon a stream's send half.
	Stop(id transport.StreamID, code uint64) error

	// Close starts closing the connection. The close packet is flushed
	// through later PollTransmit calls.
	Close(code uint64, reason string)

	// Side reports the connection's handshake role.
	Side() transport.Side

	// RemoteAddr returns the peer's address.
	RemoteAddr() netip.AddrPort
}
