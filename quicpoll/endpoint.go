package quicpoll

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/pollmux/pollmux/quicpoll/engine"
	"github.com/pollmux/pollmux/quicpoll/udpsock"
	"github.com/pollmux/pollmux/transport"
)

// Endpoint pumps UDP datagrams through a sans-IO QUIC engine. It implements
// transport.Endpoint for the native UDP backend.
type Endpoint struct {
	eng    engine.Engine
	sock   udpsock.Conn
	local  netip.AddrPort
	conns  map[transport.ConnectionID]*Connection
	logger *slog.Logger

	recvBuf []byte
	sendBuf []byte
	bufs    [][]byte
	metas   []udpsock.Meta
}

var _ transport.Endpoint = (*Endpoint)(nil)

// New creates an endpoint driving eng over the socket described by cfg.
func New(eng engine.Engine, cfg Config) (*Endpoint, error) {
	sock := cfg.Socket
	if sock == nil {
		var err error
		sock, err = udpsock.Listen(cfg.Bind)
		if err != nil {
			return nil, fmt.Errorf("bind endpoint socket: %w", err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Endpoint{
		eng:    eng,
		sock:   sock,
		local:  sock.LocalAddr(),
		conns:  make(map[transport.ConnectionID]*Connection),
		logger: logger,
		bufs:   make([][]byte, udpsock.BatchSize),
		metas:  make([]udpsock.Meta, udpsock.BatchSize),
	}, nil
}

// Update drains received datagrams and advances every live connection,
// reporting endpoint-level events through handler.
func (e *Endpoint) Update(handler transport.EndpointEventHandler) {
	e.receiveDatagrams(handler)
	e.advanceConnections(handler)
}

// Connection returns the live connection identified by id.
func (e *Endpoint) Connection(id transport.ConnectionID) (transport.Connection, bool) {
	conn, ok := e.conns[id]
	if !ok {
		return nil, false
	}
	return conn, true
}

// Connect starts an outgoing connection to desc.Remote.
func (e *Endpoint) Connect(desc transport.ConnectDescription) (transport.ConnectionID, transport.Connection, error) {
	handle, econn, err := e.eng.Connect(time.Now(), engine.ClientConfig{
		ServerName: desc.ServerName,
		TLS:        desc.TLS,
	}, desc.Remote)
	if err != nil {
		return 0, nil, fmt.Errorf("connect %s: %w", desc.Remote, err)
	}

	id := transport.ConnectionID(handle)
	if _, exists := e.conns[id]; exists {
		panic("quicpoll: engine issued a duplicate connection handle")
	}

	conn := newConnection(econn, id, e.logger)
	e.conns[id] = conn
	return id, conn, nil
}

// Disconnect closes the connection identified by id.
func (e *Endpoint) Disconnect(id transport.ConnectionID) error {
	conn, ok := e.conns[id]
	if !ok {
		return transport.ErrNoConnection
	}
	conn.Disconnect()
	return nil
}

// LocalAddr returns the bound socket address.
func (e *Endpoint) LocalAddr() netip.AddrPort { return e.local }

// Close releases the endpoint's socket. Live connections are not closed
// gracefully; use Disconnect and further Updates for that.
func (e *Endpoint) Close() error { return e.sock.Close() }

// receiveDatagrams performs the receive phase: batched non-blocking reads
// until the socket would block. Read errors end the phase but never kill
// the endpoint.
func (e *Endpoint) receiveDatagrams(handler transport.EndpointEventHandler) {
	minLen := min(e.eng.MaxUDPPayloadSize(), 64*1024) * e.sock.MaxGSOSegments() * udpsock.BatchSize
	if len(e.recvBuf) < minLen {
		e.recvBuf = make([]byte, minLen)
	}
	chunk := len(e.recvBuf) / udpsock.BatchSize
	for i := range e.bufs {
		e.bufs[i] = e.recvBuf[i*chunk : (i+1)*chunk]
	}

	for {
		n, err := e.sock.ReadBatch(e.bufs, e.metas)
		if err != nil {
			if !errors.Is(err, udpsock.ErrWouldBlock) {
				e.logger.Error("unexpected error receiving endpoint datagrams",
					slog.String("local", e.local.String()),
					slog.String("error", err.Error()))
			}
			return
		}
		e.processDatagrams(n, handler)
	}
}

// processDatagrams splits each received datagram by its GRO stride and
// hands the individual packets to the engine.
func (e *Endpoint) processDatagrams(count int, handler transport.EndpointEventHandler) {
	now := time.Now()
	for i := 0; i < count; i++ {
		meta := e.metas[i]
		data := e.bufs[i][:meta.Len]
		for len(data) > 0 {
			stride := meta.Stride
			if stride <= 0 || stride > len(data) {
				stride = len(data)
			}
			packet := data[:stride]
			data = data[stride:]

			e.sendBuf = e.sendBuf[:0]
			event := e.eng.Handle(now, meta.Remote, meta.Dst, translateECN(meta.ECN), packet, &e.sendBuf)
			if event == nil {
				continue
			}
			e.processDatagramEvent(event, handler)
		}
	}
}

// processDatagramEvent dispatches one datagram event from the engine.
func (e *Endpoint) processDatagramEvent(event engine.DatagramEvent, handler transport.EndpointEventHandler) {
	var transmit *engine.Transmit

	switch event := event.(type) {
	case engine.NewConnection:
		transmit = e.acceptIncoming(event.Incoming, handler)
	case engine.ConnectionEvent:
		id := transport.ConnectionID(event.Handle)
		conn, ok := e.conns[id]
		if !ok {
			e.logger.Error("engine produced a connection event for a connection that doesn't exist",
				slog.String("local", e.local.String()),
				slog.Uint64("handle", uint64(event.Handle)))
			return
		}
		conn.eng.HandleEvent(event.Event)
	case engine.Response:
		transmit = &event.Transmit
	}

	if transmit != nil {
		// a failed transmit is equivalent to dropping due to congestion
		_ = e.sock.Send(transmit.Payload, transmit.Destination, translateECNOut(transmit.ECN), transmit.SegmentSize)
	}
}

// acceptIncoming decides the fate of an inbound connection attempt and
// returns the refusal packet when it is rejected.
func (e *Endpoint) acceptIncoming(incoming engine.Incoming, handler transport.EndpointEventHandler) *engine.Transmit {
	if !e.eng.Server() {
		e.logger.Warn("peer attempted to connect but the endpoint isn't configured as a server",
			slog.String("local", e.local.String()),
			slog.String("remote", incoming.RemoteAddr().String()))
		t := e.eng.Refuse(incoming, &e.sendBuf)
		return &t
	}

	if !handler.ConnectionRequest(incoming) {
		t := e.eng.Refuse(incoming, &e.sendBuf)
		return &t
	}

	handle, econn, err := e.eng.Accept(incoming, time.Now(), &e.sendBuf)
	if err != nil {
		var acceptErr *engine.AcceptError
		if errors.As(err, &acceptErr) && acceptErr.Response != nil {
			return acceptErr.Response
		}
		e.logger.Warn("failed to accept incoming connection",
			slog.String("remote", incoming.RemoteAddr().String()),
			slog.String("error", err.Error()))
		return nil
	}

	id := transport.ConnectionID(handle)
	if _, exists := e.conns[id]; exists {
		panic("quicpoll: engine issued a duplicate connection handle")
	}
	e.conns[id] = newConnection(econn, id, e.logger)
	return nil
}

// advanceConnections runs the per-connection advance: flush transmits, fire
// due timers, relay engine-internal events, translate application events and
// accept newly opened streams.
func (e *Endpoint) advanceConnections(handler transport.EndpointEventHandler) {
	now := time.Now()
	maxDatagrams := e.sock.GROSegments()

	var lost []transport.ConnectionID
	for id, conn := range e.conns {
		for {
			e.sendBuf = e.sendBuf[:0]
			transmit, ok := conn.eng.PollTransmit(now, maxDatagrams, &e.sendBuf)
			if !ok {
				break
			}
			// congestion drop on failure
			_ = e.sock.Send(transmit.Payload, transmit.Destination, translateECNOut(transmit.ECN), transmit.SegmentSize)
		}

		conn.pollTimeouts(now)

		for {
			epEvent, ok := conn.eng.PollEndpointEvents()
			if !ok {
				break
			}
			if connEvent, ok := e.eng.HandleEvent(engine.Handle(id), epEvent); ok {
				conn.eng.HandleEvent(connEvent)
			}
		}

		conn.pollAppEvents(handler)
		conn.acceptStreams()

		if conn.lost {
			lost = append(lost, id)
		}
	}

	for _, id := range lost {
		delete(e.conns, id)
	}
}

func translateECN(ecn udpsock.ECN) engine.ECN {
	switch ecn {
	case udpsock.ECT0:
		return engine.ECT0
	case udpsock.ECT1:
		return engine.ECT1
	case udpsock.CE:
		return engine.CE
	default:
		return engine.NotECT
	}
}

func translateECNOut(ecn engine.ECN) udpsock.ECN {
	switch ecn {
	case engine.ECT0:
		return udpsock.ECT0
	case engine.ECT1:
		return udpsock.ECT1
	case engine.CE:
		return udpsock.CE
	default:
		return udpsock.NotECT
	}
}
