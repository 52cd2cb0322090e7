package wtbackend

import (
	"log/slog"
	"net/netip"

	"github.com/quic-go/webtransport-go"

	"github.com/pollmux/pollmux/transport"
)

// Connection adapts one webtransport-go session. Accept goroutines feed
// peer-opened streams into channels; everything else happens on the Update
// goroutine.
type Connection struct {
	id     transport.ConnectionID
	side   transport.Side
	logger *slog.Logger

	sess *webtransport.Session
	bidi chan webtransport.Stream
	uni  chan webtransport.ReceiveStream

	sends  map[transport.StreamID]webtransport.SendStream
	recvs  map[transport.StreamID]webtransport.ReceiveStream
	events []transport.StreamEvent
}

var _ transport.Connection = (*Connection)(nil)

func newConnection(id transport.ConnectionID, side transport.Side, logger *slog.Logger) *Connection {
	return &Connection{
		id:     id,
		side:   side,
		logger: logger,
		bidi:   make(chan webtransport.Stream, 16),
		uni:    make(chan webtransport.ReceiveStream, 16),
		sends:  make(map[transport.StreamID]webtransport.SendStream),
		recvs:  make(map[transport.StreamID]webtransport.ReceiveStream),
	}
}

// attach binds the established session and starts its accept goroutines.
func (c *Connection) attach(sess *webtransport.Session) {
	c.sess = sess
	ctx := sess.Context()

	go func() {
		for {
			stream, err := sess.AcceptStream(ctx)
			if err != nil {
				return
			}
			select {
			case c.bidi <- stream:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		for {
			stream, err := sess.AcceptUniStream(ctx)
			if err != nil {
				return
			}
			select {
			case c.uni <- stream:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// advance drains peer-opened streams into the event queue.
func (c *Connection) advance() {
	for {
		select {
		case stream := <-c.uni:
			id := transport.StreamID(stream.StreamID())
			c.recvs[id] = stream
			c.events = append(c.events, transport.StreamEvent{
				StreamID: id, PeerGenerated: true, Type: transport.NewRecvStream,
			})
		case stream := <-c.bidi:
			id := transport.StreamID(stream.StreamID())
			c.recvs[id] = stream
			c.sends[id] = stream
			c.events = append(c.events,
				transport.StreamEvent{StreamID: id, PeerGenerated: true, Type: transport.NewRecvStream},
				transport.StreamEvent{StreamID: id, PeerGenerated: true, Type: transport.NewSendStream},
			)
		default:
			return
		}
	}
}

// Disconnect closes the session.
func (c *Connection) Disconnect() {
	if c.sess != nil {
		_ = c.sess.CloseWithError(0, "")
	}
}

// OpenStream opens a locally initiated stream. It reports false until the
// session is established and whenever stream limits forbid opening.
func (c *Connection) OpenStream(desc transport.OpenDescription) (transport.StreamID, bool) {
	if c.sess == nil {
		return 0, false
	}

	if desc.Dir == transport.Unidirectional {
		stream, err := c.sess.OpenUniStream()
		if err != nil {
			return 0, false
		}
		id := transport.StreamID(stream.StreamID())
		c.sends[id] = stream
		c.events = append(c.events, transport.StreamEvent{
			StreamID: id, PeerGenerated: false, Type: transport.NewSendStream,
		})
		return id, true
	}

	stream, err := c.sess.OpenStream()
	if err != nil {
		return 0, false
	}
	id := transport.StreamID(stream.StreamID())
	c.sends[id] = stream
	c.recvs[id] = stream
	c.events = append(c.events,
		transport.StreamEvent{StreamID: id, PeerGenerated: false, Type: transport.NewSendStream},
		transport.StreamEvent{StreamID: id, PeerGenerated: false, Type: transport.NewRecvStream},
	)
	return id, true
}

// SendStream returns the send half of stream id while it is open.
func (c *Connection) SendStream(id transport.StreamID) (transport.SendStream, bool) {
	stream, ok := c.sends[id]
	if !ok {
		return nil, false
	}
	return &sendStream{conn: c, id: id, inner: stream}, true
}

// RecvStream returns the receive half of stream id while it is open.
func (c *Connection) RecvStream(id transport.StreamID) (transport.RecvStream, bool) {
	stream, ok := c.recvs[id]
	if !ok {
		return nil, false
	}
	return &recvStream{conn: c, id: id, inner: stream}, true
}

// PollStreamEvent pops the next pending stream event.
func (c *Connection) PollStreamEvent() (transport.StreamEvent, bool) {
	if len(c.events) == 0 {
		return transport.StreamEvent{}, false
	}
	event := c.events[0]
	c.events = c.events[1:]
	return event, true
}

// Stats returns the read-only view of the connection.
func (c *Connection) Stats() transport.ConnectionStats {
	stats := transport.ConnectionStats{Side: c.side}
	if c.sess != nil {
		if remote, err := netip.ParseAddrPort(c.sess.RemoteAddr().String()); err == nil {
			stats.Remote = remote
		}
	}
	return stats
}

func (c *Connection) closeSend(id transport.StreamID, peerGenerated bool) {
	if _, ok := c.sends[id]; !ok {
		return
	}
	delete(c.sends, id)
	c.events = append(c.events, transport.StreamEvent{
		StreamID: id, PeerGenerated: peerGenerated, Type: transport.ClosedSendStream,
	})
}

func (c *Connection) closeRecv(id transport.StreamID, peerGenerated bool) {
	if _, ok := c.recvs[id]; !ok {
		return
	}
	delete(c.recvs, id)
	c.events = append(c.events, transport.StreamEvent{
		StreamID: id, PeerGenerated: peerGenerated, Type: transport.ClosedRecvStream,
	})
}
