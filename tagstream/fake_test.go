package tagstream

import (
	"github.com/pollmux/pollmux/transport"
)

// fakeTagConn is a scriptable connection whose receive streams deliver
// exactly the queued chunks, letting tests control byte-per-tick pacing.
type fakeTagConn struct {
	events   []transport.StreamEvent
	sends    map[transport.StreamID][]byte
	recvs    map[transport.StreamID][][]byte
	nextPeer uint64
	nextOwn  uint64
}

var _ transport.Connection = (*fakeTagConn)(nil)

func newFakeTagConn() *fakeTagConn {
	return &fakeTagConn{
		sends: make(map[transport.StreamID][]byte),
		recvs: make(map[transport.StreamID][][]byte),
	}
}

func (c *fakeTagConn) pushPeerStream() transport.StreamID {
	// peer-initiated unidirectional id in the QUIC encoding
	id := transport.StreamID(c.nextPeer<<2 | 0x2 | 0x1)
	c.nextPeer++
	c.recvs[id] = nil
	c.events = append(c.events, transport.StreamEvent{
		StreamID: id, PeerGenerated: true, Type: transport.NewRecvStream,
	})
	return id
}

func (c *fakeTagConn) queueRecv(id transport.StreamID, chunk []byte) {
	c.recvs[id] = append(c.recvs[id], chunk)
}

func (c *fakeTagConn) closeRecv(id transport.StreamID) {
	delete(c.recvs, id)
	c.events = append(c.events, transport.StreamEvent{
		StreamID: id, PeerGenerated: true, Type: transport.ClosedRecvStream,
	})
}

func (c *fakeTagConn) Disconnect() {}

func (c *fakeTagConn) OpenStream(desc transport.OpenDescription) (transport.StreamID, bool) {
	id := transport.StreamID(c.nextOwn << 2)
	if desc.Dir == transport.Unidirectional {
		id |= 0x2
	}
	c.nextOwn++
	c.sends[id] = nil
	return id, true
}

func (c *fakeTagConn) SendStream(id transport.StreamID) (transport.SendStream, bool) {
	if _, ok := c.sends[id]; !ok {
		return nil, false
	}
	return &fakeTagSend{conn: c, id: id}, true
}

func (c *fakeTagConn) RecvStream(id transport.StreamID) (transport.RecvStream, bool) {
	if _, ok := c.recvs[id]; !ok {
		return nil, false
	}
	return &fakeTagRecv{conn: c, id: id}, true
}

func (c *fakeTagConn) PollStreamEvent() (transport.StreamEvent, bool) {
	if len(c.events) == 0 {
		return transport.StreamEvent{}, false
	}
	event := c.events[0]
	c.events = c.events[1:]
	return event, true
}

func (c *fakeTagConn) Stats() transport.ConnectionStats {
	return transport.ConnectionStats{Side: transport.Client}
}

type fakeTagSend struct {
	conn *fakeTagConn
	id   transport.StreamID
}

func (s *fakeTagSend) Send(p []byte) (int, error) {
	s.conn.sends[s.id] = append(s.conn.sends[s.id], p...)
	return len(p), nil
}

func (s *fakeTagSend) Close(transport.CloseDescription) error {
	delete(s.conn.sends, s.id)
	return nil
}

func (s *fakeTagSend) IsOpen() bool {
	_, ok := s.conn.sends[s.id]
	return ok
}

type fakeTagRecv struct {
	conn *fakeTagConn
	id   transport.StreamID
}

func (s *fakeTagRecv) Recv(limit int) ([]byte, error) {
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

func (s *fakeTagRecv) Close(transport.CloseDescription) error {
	delete(s.conn.recvs, s.id)
	return nil
}

func (s *fakeTagRecv) IsOpen() bool {
	_, ok := s.conn.recvs[s.id]
	return ok
}
