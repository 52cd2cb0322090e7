package webtransport

import (
	"log/slog"
	"net/netip"
	"net/url"

	"github.com/pollmux/pollmux/transport"
)

// Config configures an Endpoint.
type Config struct {
	// Logger receives the handshake layer's structured logs. Defaults to
	// a discarding logger.
	Logger *slog.Logger
}

// Endpoint wraps an inner transport endpoint and runs the session handshake
// on every connection before surfacing it.
type Endpoint struct {
	inner  transport.Endpoint
	conns  map[transport.ConnectionID]*Connection
	logger *slog.Logger
}

var _ transport.Endpoint = (*Endpoint)(nil)

// New wraps inner with the handshake layer.
func New(inner transport.Endpoint, cfg Config) *Endpoint {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Endpoint{
		inner:  inner,
		conns:  make(map[transport.ConnectionID]*Connection),
		logger: logger,
	}
}

// Update drives the inner endpoint, then advances every connection's
// handshake and stream bookkeeping.
func (e *Endpoint) Update(handler transport.EndpointEventHandler) {
	e.inner.Update(&interceptor{endpoint: e, app: handler})
	for _, conn := range e.conns {
		conn.advance(handler)
	}
}

// Connection returns the connection identified by id. The returned
// connection is not usable for streams until the handler has observed
// Connected for it.
func (e *Endpoint) Connection(id transport.ConnectionID) (transport.Connection, bool) {
	conn, ok := e.conns[id]
	if !ok {
		return nil, false
	}
	return conn, true
}

// Connect starts an outgoing connection and its client-side handshake. The
// session target is taken from desc.URL; a missing URL connects to the
// remote address with the root path.
func (e *Endpoint) Connect(desc transport.ConnectDescription) (transport.ConnectionID, transport.Connection, error) {
	authority, path := connectTarget(desc)

	id, inner, err := e.inner.Connect(desc)
	if err != nil {
		return 0, nil, err
	}

	conn := newConnection(inner, id, e.logger)
	conn.authority = authority
	conn.path = path
	e.conns[id] = conn
	return id, conn, nil
}

// Disconnect closes the connection identified by id.
func (e *Endpoint) Disconnect(id transport.ConnectionID) error {
	if _, ok := e.conns[id]; !ok {
		return transport.ErrNoConnection
	}
	return e.inner.Disconnect(id)
}

// LocalAddr returns the inner endpoint's bound address.
func (e *Endpoint) LocalAddr() netip.AddrPort { return e.inner.LocalAddr() }

// interceptor sits between the inner endpoint and the application handler.
// Connected drives handshake creation instead of reaching the application;
// Disconnected is forwarded only for connections the application saw
// connect.
type interceptor struct {
	endpoint *Endpoint
	app      transport.EndpointEventHandler
}

func (i *interceptor) ConnectionRequest(incoming transport.Incoming) bool {
	return i.app.ConnectionRequest(incoming)
}

func (i *interceptor) Connected(id transport.ConnectionID) {
	e := i.endpoint
	conn, ok := e.conns[id]
	if !ok {
		inner, live := e.inner.Connection(id)
		if !live {
			return
		}
		conn = newConnection(inner, id, e.logger)
		e.conns[id] = conn
	}
	conn.begin()
}

func (i *interceptor) Disconnected(id transport.ConnectionID) {
	e := i.endpoint
	conn, ok := e.conns[id]
	if !ok {
		return
	}
	delete(e.conns, id)
	if conn.appConnected {
		i.app.Disconnected(id)
		return
	}
	e.logger.Debug("connection lost before handshake completion",
		slog.Uint64("connection", uint64(id)),
		slog.String("state", conn.state.String()))
}

func connectTarget(desc transport.ConnectDescription) (authority, path string) {
	if desc.URL != "" {
		if u, err := url.Parse(desc.URL); err == nil {
			authority = u.Host
			path = u.Path
		}
	}
	if authority == "" {
		authority = desc.Remote.String()
	}
	if path == "" {
		path = "/"
	}
	return authority, path
}
