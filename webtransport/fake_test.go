package webtransport

import (
	"log/slog"
	"net/netip"

	"github.com/pollmux/pollmux/transport"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// fakeConn is a scriptable inner connection.
type fakeConn struct {
	side         transport.Side
	events       []transport.StreamEvent
	sends        map[transport.StreamID][]byte
	recvs        map[transport.StreamID][][]byte
	nextLocal    uint64
	nextPeer     uint64
	disconnected bool
}

var _ transport.Connection = (*fakeConn)(nil)

func newFakeConn(side transport.Side) *fakeConn {
	return &fakeConn{
		side:  side,
		sends: make(map[transport.StreamID][]byte),
		recvs: make(map[transport.StreamID][][]byte),
	}
}

// pushPeerStream simulates the peer opening a stream, queuing the same
// events the real backend produces.
func (c *fakeConn) pushPeerStream(dir transport.Direction) transport.StreamID {
	peer := transport.Client
	if c.side == transport.Client {
		peer = transport.Server
	}
	id := encodeFakeStreamID(c.nextPeer, dir, peer)
	c.nextPeer++

	c.recvs[id] = nil
	c.events = append(c.events, transport.StreamEvent{StreamID: id, PeerGenerated: true, Type: transport.NewRecvStream})
	if dir == transport.Bidirectional {
		c.sends[id] = nil
		c.events = append(c.events, transport.StreamEvent{StreamID: id, PeerGenerated: true, Type: transport.NewSendStream})
	}
	return id
}

func (c *fakeConn) Disconnect() { c.disconnected = true }

func (c *fakeConn) OpenStream(desc transport.OpenDescription) (transport.StreamID, bool) {
	id := encodeFakeStreamID(c.nextLocal, desc.Dir, c.side)
	c.nextLocal++
	c.sends[id] = nil
	if desc.Dir == transport.Bidirectional {
		c.recvs[id] = nil
	}
	return id, true
}

func (c *fakeConn) SendStream(id transport.StreamID) (transport.SendStream, bool) {
	if _, ok := c.sends[id]; !ok {
		return nil, false
	}
	return &fakeSendStream{conn: c, id: id}, true
}

func (c *fakeConn) RecvStream(id transport.StreamID) (transport.RecvStream, bool) {
	if _, ok := c.recvs[id]; !ok {
		return nil, false
	}
	return &fakeRecvStream{conn: c, id: id}, true
}

func (c *fakeConn) PollStreamEvent() (transport.StreamEvent, bool) {
	if len(c.events) == 0 {
		return transport.StreamEvent{}, false
	}
	event := c.events[0]
	c.events = c.events[1:]
	return event, true
}

func (c *fakeConn) Stats() transport.ConnectionStats {
	return transport.ConnectionStats{Side: c.side}
}

type fakeSendStream struct {
	conn *fakeConn
	id   transport.StreamID
}

func (s *fakeSendStream) Send(p []byte) (int, error) {
	s.conn.sends[s.id] = append(s.conn.sends[s.id], p...)
	return len(p), nil
}

func (s *fakeSendStream) Close(transport.CloseDescription) error {
	delete(s.conn.sends, s.id)
	return nil
}

func (s *fakeSendStream) IsOpen() bool {
	_, ok := s.conn.sends[s.id]
	return ok
}

type fakeRecvStream struct {
	conn *fakeConn
	id   transport.StreamID
}

func (s *fakeRecvStream) Recv(limit int) ([]byte, error) {
	chunks := s.conn.recvs[s.id]
	if len(chunks) == 0 {
		return nil, transport.ErrBlocked
	}
	chunk := chunks[0]
	if len(chunk) > limit {
		s.conn.recvs[s.id][0] = chunk[limit:]
		return chunk[:limit], nil
	}
	s.conn.recvs[s.id] = chunks[1:]
	return chunk, nil
}

func (s *fakeRecvStream) Close(transport.CloseDescription) error {
	delete(s.conn.recvs, s.id)
	return nil
}

func (s *fakeRecvStream) IsOpen() bool {
	_, ok := s.conn.recvs[s.id]
	return ok
}

func encodeFakeStreamID(index uint64, dir transport.Direction, initiator transport.Side) transport.StreamID {
	id := index << 2
	if dir == transport.Unidirectional {
		id |= 0x2
	}
	if initiator == transport.Server {
		id |= 0x1
	}
	return transport.StreamID(id)
}

// fakeEndpoint drives scripted handler callbacks through Update.
type fakeEndpoint struct {
	conns  map[transport.ConnectionID]transport.Connection
	script func(transport.EndpointEventHandler)
}

var _ transport.Endpoint = (*fakeEndpoint)(nil)

func (e *fakeEndpoint) Update(handler transport.EndpointEventHandler) {
	if e.script != nil {
		e.script(handler)
	}
}

func (e *fakeEndpoint) Connection(id transport.ConnectionID) (transport.Connection, bool) {
	conn, ok := e.conns[id]
	return conn, ok
}

func (e *fakeEndpoint) Connect(transport.ConnectDescription) (transport.ConnectionID, transport.Connection, error) {
	return 0, nil, transport.ErrNoConnection
}

func (e *fakeEndpoint) Disconnect(id transport.ConnectionID) error {
	conn, ok := e.conns[id]
	if !ok {
		return transport.ErrNoConnection
	}
	conn.Disconnect()
	return nil
}

func (e *fakeEndpoint) LocalAddr() netip.AddrPort { return netip.AddrPort{} }
