package transport

import (
	"crypto/tls"
	"net/netip"
)

// Endpoint is one side of a transport: it owns a set of connections and the
// resources needed to drive them.
type Endpoint interface {
	// Update drains pending I/O, advances protocol state for every
	// connection and reports endpoint-level events through handler.
	// It never blocks; work that cannot complete this tick is resumed
	// on the next call.
	Update(handler EndpointEventHandler)

	// Connection returns the connection identified by id, or false if no
	// such connection is live.
	Connection(id ConnectionID) (Connection, bool)

	// Connect starts an outgoing connection. The returned connection is
	// not usable for streams until the handler observes Connected for
	// its id on a later Update.
	Connect(desc ConnectDescription) (ConnectionID, Connection, error)

	// Disconnect closes the connection identified by id. It reports an
	// error only if the connection does not exist; the close itself
	// takes effect through subsequent Update calls.
	Disconnect(id ConnectionID) error

	// LocalAddr returns the endpoint's bound address.
	LocalAddr() netip.AddrPort
}

// ConnectDescription carries the parameters for an outgoing connection.
// Each backend reads the fields that apply to it and ignores the rest:
// the native QUIC backend uses Remote and ServerName, the WebTransport
// backend uses URL. TLS applies to any backend that performs a TLS
// handshake itself.
type ConnectDescription struct {
	Remote     netip.AddrPort
	ServerName string
	URL        string
	TLS        *tls.Config
}

// Incoming describes a connection attempt that has not been accepted yet.
type Incoming interface {
	RemoteAddr() netip.AddrPort
}

// EndpointEventHandler receives endpoint-level events during Update.
// Implementations must not call back into the endpoint that is delivering
// the event.
type EndpointEventHandler interface {
	// ConnectionRequest decides whether an incoming connection attempt
	// is accepted.
	ConnectionRequest(incoming Incoming) bool

	// Connected reports that the connection identified by id is
	// established and ready for streams.
	Connected(id ConnectionID)

	// Disconnected reports that a previously connected connection was
	// lost or closed. The id is invalid after this call returns.
	Disconnected(id ConnectionID)
}

// RejectHandler is an EndpointEventHandler that refuses every incoming
// connection and ignores all notifications. Embed it to implement only the
// callbacks a caller cares about.
type RejectHandler struct{}

func (RejectHandler) ConnectionRequest(Incoming) bool { return false }
func (RejectHandler) Connected(ConnectionID)          {}
func (RejectHandler) Disconnected(ConnectionID)       {}
