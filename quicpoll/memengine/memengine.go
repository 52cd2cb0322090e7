package memengine

import (
	"net/netip"
	"time"

	"github.com/pollmux/pollmux/quicpoll/engine"
	"github.com/pollmux/pollmux/transport"
)

const (
	defaultStreamWindow = 64 * 1024
	defaultIdleTimeout  = 10 * time.Second
	defaultMaxPayload   = 1452
)

// Config configures an Engine.
type Config struct {
	// Server enables accepting inbound connections.
	Server bool

	// StreamWindow is the initial per-stream send credit in bytes.
	// Senders block once it is exhausted until the receiver consumes
	// data. Defaults to 64 KiB.
	StreamWindow int

	// IdleTimeout closes a connection that has received nothing for this
	// long. Defaults to 10 seconds.
	IdleTimeout time.Duration

	// MaxPayload is the largest datagram payload the engine produces.
	// Defaults to 1452 bytes.
	MaxPayload int
}

func (cfg Config) withDefaults() Config {
	if cfg.StreamWindow == 0 {
		cfg.StreamWindow = defaultStreamWindow
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = defaultMaxPayload
	}
	return cfg
}

// Engine is an in-memory protocol engine implementing the sans-IO contract
// with a minimal frame protocol instead of QUIC. It requires a reliable,
// ordered link such as one half of udpsock.NewMemPair: there is no loss
// recovery, no reordering tolerance and no encryption. It supports at most
// one connection per remote address.
type Engine struct {
	cfg Config

	nextHandle engine.Handle
	byRemote   map[netip.AddrPort]engine.Handle
	remotes    map[engine.Handle]netip.AddrPort
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine with the given configuration.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		byRemote: make(map[netip.AddrPort]engine.Handle),
		remotes:  make(map[engine.Handle]netip.AddrPort),
	}
}

func (e *Engine) Server() bool { return e.cfg.Server }

func (e *Engine) MaxUDPPayloadSize() int { return e.cfg.MaxPayload }

// incoming is an inbound connection attempt awaiting a decision. rest
// holds any frames the client coalesced into the handshake datagram after
// the CONNECT frame; they are delivered to the connection on Accept.
type incoming struct {
	remote netip.AddrPort
	rest   []byte
}

func (in incoming) RemoteAddr() netip.AddrPort { return in.remote }

func (e *Engine) Handle(now time.Time, remote netip.AddrPort, dst netip.Addr, ecn engine.ECN, payload []byte, buf *[]byte) engine.DatagramEvent {
	if handle, ok := e.byRemote[remote]; ok {
		return engine.ConnectionEvent{
			Handle: handle,
			Event:  datagramEvent{now: now, payload: payload},
		}
	}

	// only a handshake frame may start a new connection
	f, n, err := parseFrame(payload)
	if err != nil || f.typ != frameTypeConnect {
		return nil
	}
	return engine.NewConnection{Incoming: incoming{remote: remote, rest: payload[n:]}}
}

func (e *Engine) Accept(in engine.Incoming, now time.Time, buf *[]byte) (engine.Handle, engine.Conn, error) {
	remote := in.RemoteAddr()
	conn := newConn(e.cfg, transport.Server, remote, now)
	conn.connected = true
	conn.appEvents = append(conn.appEvents, engine.Connected{})
	conn.pending = append(conn.pending, frame{typ: frameTypeAccept})

	// frames the client packed behind CONNECT must not be lost
	if in, ok := in.(incoming); ok && len(in.rest) > 0 {
		conn.HandleEvent(datagramEvent{now: now, payload: in.rest})
	}

	handle := e.allocHandle(remote)
	return handle, conn, nil
}

func (e *Engine) Refuse(in engine.Incoming, buf *[]byte) engine.Transmit {
	payload := frame{typ: frameTypeRefuse}.append((*buf)[:0])
	*buf = payload
	return engine.Transmit{
		Destination: in.RemoteAddr(),
		Payload:     payload,
		SegmentSize: len(payload),
	}
}

func (e *Engine) Connect(now time.Time, cfg engine.ClientConfig, remote netip.AddrPort) (engine.Handle, engine.Conn, error) {
	conn := newConn(e.cfg, transport.Client, remote, now)
	conn.pending = append(conn.pending, frame{typ: frameTypeConnect})

	handle := e.allocHandle(remote)
	return handle, conn, nil
}

func (e *Engine) HandleEvent(handle engine.Handle, event engine.EndpointEvent) (engine.ConnEvent, bool) {
	if _, ok := event.(drainedEvent); ok {
		if remote, live := e.remotes[handle]; live {
			delete(e.byRemote, remote)
			delete(e.remotes, handle)
		}
	}
	return nil, false
}

func (e *Engine) allocHandle(remote netip.AddrPort) engine.Handle {
	handle := e.nextHandle
	e.nextHandle++
	e.byRemote[remote] = handle
	e.remotes[handle] = remote
	return handle
}
