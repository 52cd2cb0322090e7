package wtbackend

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"github.com/pollmux/pollmux/transport"
)

const (
	defaultDialTimeout = 10 * time.Second
	refusedErrorCode   = webtransport.SessionErrorCode(1)
)

// Config configures an Endpoint.
type Config struct {
	// Addr is the address to serve WebTransport sessions on. Leave empty
	// for a client-only endpoint.
	Addr string

	// Path is the URL path sessions are served under. Defaults to "/".
	Path string

	// TLS is the server's TLS configuration. Required when Addr is set.
	TLS *tls.Config

	// CheckOrigin overrides the library's Origin check for browser
	// clients.
	CheckOrigin func(*http.Request) bool

	// DialTimeout bounds outgoing session establishment. Defaults to 10
	// seconds.
	DialTimeout time.Duration

	// Logger receives the backend's structured logs. Defaults to a
	// discarding logger.
	Logger *slog.Logger
}

// Endpoint implements transport.Endpoint over webtransport-go sessions.
type Endpoint struct {
	cfg    Config
	logger *slog.Logger

	server *webtransport.Server
	local  netip.AddrPort

	sessions chan incomingSession
	dials    chan dialResult

	conns  map[transport.ConnectionID]*Connection
	nextID transport.ConnectionID
}

var _ transport.Endpoint = (*Endpoint)(nil)

type incomingSession struct {
	sess   *webtransport.Session
	remote netip.AddrPort
}

func (in incomingSession) RemoteAddr() netip.AddrPort { return in.remote }

type dialResult struct {
	id   transport.ConnectionID
	sess *webtransport.Session
	err  error
}

// New creates an endpoint. When cfg.Addr is set it starts serving
// WebTransport sessions immediately.
func New(cfg Config) (*Endpoint, error) {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	e := &Endpoint{
		cfg:      cfg,
		logger:   logger,
		sessions: make(chan incomingSession, 16),
		dials:    make(chan dialResult, 16),
		conns:    make(map[transport.ConnectionID]*Connection),
	}

	if cfg.Addr != "" {
		if cfg.TLS == nil {
			return nil, fmt.Errorf("serving %s requires a TLS configuration", cfg.Addr)
		}
		local, err := netip.ParseAddrPort(cfg.Addr)
		if err == nil {
			e.local = local
		}

		mux := http.NewServeMux()
		e.server = &webtransport.Server{
			H3: http3.Server{
				Addr:      cfg.Addr,
				TLSConfig: cfg.TLS,
				Handler:   mux,
			},
			CheckOrigin: cfg.CheckOrigin,
		}
		mux.HandleFunc(cfg.Path, e.upgrade)

		go func() {
			if err := e.server.ListenAndServe(); err != nil {
				e.logger.Error("webtransport server stopped",
					slog.String("addr", cfg.Addr),
					slog.String("error", err.Error()))
			}
		}()
	}
	return e, nil
}

// upgrade runs on the HTTP serving goroutine; accepted sessions are handed
// to Update through the sessions channel.
func (e *Endpoint) upgrade(w http.ResponseWriter, r *http.Request) {
	sess, err := e.server.Upgrade(w, r)
	if err != nil {
		e.logger.Warn("session upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	remote, _ := netip.ParseAddrPort(r.RemoteAddr)
	select {
	case e.sessions <- incomingSession{sess: sess, remote: remote}:
	default:
		// accept queue full, shed load
		_ = sess.CloseWithError(refusedErrorCode, "busy")
	}
}

// Update drains finished dials, incoming sessions, closed sessions and
// accepted streams.
func (e *Endpoint) Update(handler transport.EndpointEventHandler) {
	e.drainDials(handler)
	e.drainSessions(handler)

	for id, conn := range e.conns {
		if conn.sess != nil && conn.sess.Context().Err() != nil {
			delete(e.conns, id)
			handler.Disconnected(id)
			continue
		}
		conn.advance()
	}
}

func (e *Endpoint) drainDials(handler transport.EndpointEventHandler) {
	for {
		select {
		case result := <-e.dials:
			conn, ok := e.conns[result.id]
			if !ok {
				if result.sess != nil {
					_ = result.sess.CloseWithError(0, "")
				}
				continue
			}
			if result.err != nil {
				e.logger.Warn("session dial failed",
					slog.Uint64("connection", uint64(result.id)),
					slog.String("error", result.err.Error()))
				delete(e.conns, result.id)
				handler.Disconnected(result.id)
				continue
			}
			conn.attach(result.sess)
			handler.Connected(result.id)
		default:
			return
		}
	}
}

func (e *Endpoint) drainSessions(handler transport.EndpointEventHandler) {
	for {
		select {
		case in := <-e.sessions:
			if !handler.ConnectionRequest(in) {
				_ = in.sess.CloseWithError(refusedErrorCode, "refused")
				continue
			}
			id := e.allocID()
			conn := newConnection(id, transport.Server, e.logger)
			conn.attach(in.sess)
			e.conns[id] = conn
			handler.Connected(id)
		default:
			return
		}
	}
}

// Connection returns the live connection identified by id.
func (e *Endpoint) Connection(id transport.ConnectionID) (transport.Connection, bool) {
	conn, ok := e.conns[id]
	if !ok {
		return nil, false
	}
	return conn, true
}

// Connect dials desc.URL on a background goroutine. The returned
// connection becomes usable once the handler observes Connected for it.
func (e *Endpoint) Connect(desc transport.ConnectDescription) (transport.ConnectionID, transport.Connection, error) {
	if desc.URL == "" {
		return 0, nil, fmt.Errorf("connect requires a session URL")
	}

	id := e.allocID()
	conn := newConnection(id, transport.Client, e.logger)
	e.conns[id] = conn

	timeout := e.cfg.DialTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		dialer := webtransport.Dialer{TLSClientConfig: desc.TLS}
		_, sess, err := dialer.Dial(ctx, desc.URL, nil)
		e.dials <- dialResult{id: id, sess: sess, err: err}
	}()
	return id, conn, nil
}

// Disconnect closes the connection identified by id. The closure is
// reported by a later Update.
func (e *Endpoint) Disconnect(id transport.ConnectionID) error {
	conn, ok := e.conns[id]
	if !ok {
		return transport.ErrNoConnection
	}
	conn.Disconnect()
	return nil
}

// LocalAddr returns the configured serving address, or the zero AddrPort
// for a client-only endpoint.
func (e *Endpoint) LocalAddr() netip.AddrPort { return e.local }

// Close stops serving. Live sessions are closed by their peers timing out
// or by explicit Disconnects beforehand.
func (e *Endpoint) Close() error {
	if e.server == nil {
		return nil
	}
	return e.server.Close()
}

func (e *Endpoint) allocID() transport.ConnectionID {
	id := e.nextID
	e.nextID++
	return id
}
