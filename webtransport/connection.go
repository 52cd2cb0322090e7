package webtransport

import (
	"errors"
	"log/slog"

	"github.com/pollmux/pollmux/internal/wtmsg"
	"github.com/pollmux/pollmux/transport"
)

// Connection is one session over an inner connection. Until the handshake
// reaches Connected, stream lookups answer false and no stream events are
// surfaced except opportunistic peer streams unrelated to the handshake.
type Connection struct {
	inner  transport.Connection
	id     transport.ConnectionID
	logger *slog.Logger

	// client connect target
	authority string
	path      string

	state        handshakeState
	hsStream     transport.StreamID
	hsBuf        []byte
	appConnected bool

	// streams consumed by the handshake, never surfaced
	handshakeStreams map[transport.StreamID]struct{}

	// prefix bytes still to flush per locally opened stream
	sendHeaders map[transport.StreamID][]byte

	// peer streams held until their stream-frame prefix is read
	heldRecv map[transport.StreamID]*heldStream

	events []transport.StreamEvent
}

// heldStream is a peer stream whose stream-frame prefix has not fully
// arrived. Its events are withheld until the prefix is verified.
type heldStream struct {
	events []transport.StreamEvent
	prefix []byte
}

var _ transport.Connection = (*Connection)(nil)

func newConnection(inner transport.Connection, id transport.ConnectionID, logger *slog.Logger) *Connection {
	return &Connection{
		inner:            inner,
		id:               id,
		logger:           logger,
		state:            stateUnconnected,
		handshakeStreams: make(map[transport.StreamID]struct{}),
		sendHeaders:      make(map[transport.StreamID][]byte),
		heldRecv:         make(map[transport.StreamID]*heldStream),
	}
}

// Disconnect requests closure of the inner connection.
func (c *Connection) Disconnect() { c.inner.Disconnect() }

// OpenStream opens a stream on the session. The stream-frame prefix is
// flushed ahead of the first payload bytes sent on it.
func (c *Connection) OpenStream(desc transport.OpenDescription) (transport.StreamID, bool) {
	if c.state != stateConnected {
		return 0, false
	}
	id, ok := c.inner.OpenStream(desc)
	if !ok {
		return 0, false
	}
	c.sendHeaders[id] = wtmsg.AppendStreamHeader(nil)
	return id, true
}

// SendStream returns the send half of an open session stream.
func (c *Connection) SendStream(id transport.StreamID) (transport.SendStream, bool) {
	if _, reserved := c.handshakeStreams[id]; reserved {
		return nil, false
	}
	inner, ok := c.inner.SendStream(id)
	if !ok {
		return nil, false
	}
	return &sendStream{conn: c, id: id, inner: inner}, true
}

// RecvStream returns the receive half of an open session stream. Peer
// streams are not available until their stream-frame prefix has been read.
func (c *Connection) RecvStream(id transport.StreamID) (transport.RecvStream, bool) {
	if _, reserved := c.handshakeStreams[id]; reserved {
		return nil, false
	}
	if _, held := c.heldRecv[id]; held {
		return nil, false
	}
	return c.inner.RecvStream(id)
}

// PollStreamEvent pops the next pending stream event.
func (c *Connection) PollStreamEvent() (transport.StreamEvent, bool) {
	c.drainInner()
	if len(c.events) == 0 {
		return transport.StreamEvent{}, false
	}
	event := c.events[0]
	c.events = c.events[1:]
	return event, true
}

// Stats returns the read-only view of the inner connection.
func (c *Connection) Stats() transport.ConnectionStats { return c.inner.Stats() }

// advance runs one tick of the connection: route inner stream events, step
// the handshake machine as far as it can go, and read prefixes off held
// peer streams.
func (c *Connection) advance(handler transport.EndpointEventHandler) {
	c.drainInner()
	for c.step() {
	}
	c.pollHeldStreams()

	if c.state == stateConnected && !c.appConnected {
		c.appConnected = true
		handler.Connected(c.id)
	}
}

// drainInner routes every pending inner stream event.
func (c *Connection) drainInner() {
	for {
		event, ok := c.inner.PollStreamEvent()
		if !ok {
			return
		}
		c.routeEvent(event)
	}
}

func (c *Connection) routeEvent(event transport.StreamEvent) {
	if c.state == stateFailed {
		return
	}
	if _, reserved := c.handshakeStreams[event.StreamID]; reserved {
		return
	}

	if !event.PeerGenerated {
		c.events = append(c.events, event)
		return
	}

	// waiting states consume the stream open they expect; a peer stream of
	// the wrong directionality there is a protocol violation
	if expected, waiting := c.expectedStreamDir(); waiting && event.Type == transport.NewRecvStream {
		if event.StreamID.Dir() != expected {
			c.fail("peer opened a " + event.StreamID.Dir().String() + " stream where a " + expected.String() + " handshake stream was expected")
			return
		}
		c.markHandshakeStream(event.StreamID)
		c.hsStream = event.StreamID
		c.hsBuf = nil
		c.state = c.state.afterStreamArrived()
		return
	}

	if c.state == stateConnected && event.PeerGenerated {
		switch event.Type {
		case transport.NewRecvStream:
			// held until the stream-frame prefix is read
			c.heldRecv[event.StreamID] = &heldStream{events: []transport.StreamEvent{event}}
			return
		case transport.NewSendStream:
			if held, ok := c.heldRecv[event.StreamID]; ok {
				held.events = append(held.events, event)
				return
			}
		case transport.ClosedRecvStream:
			if _, held := c.heldRecv[event.StreamID]; held {
				c.logger.Warn("peer stream closed before its stream header arrived",
					slog.Uint64("connection", uint64(c.id)),
					slog.Uint64("stream", uint64(event.StreamID)))
				delete(c.heldRecv, event.StreamID)
				return
			}
		}
	}

	c.events = append(c.events, event)
}

// pollHeldStreams reads the stream-frame prefix off every held peer
// stream, surfacing the stream's events once the prefix is verified. The
// prefix is a varint, so it may dribble in one byte at a time across
// ticks; partial bytes accumulate on the held stream until it is whole.
func (c *Connection) pollHeldStreams() {
	for id, held := range c.heldRecv {
		recv, ok := c.inner.RecvStream(id)
		if !ok {
			delete(c.heldRecv, id)
			continue
		}

		complete := true
		for len(held.prefix) < prefixLen(held.prefix) {
			data, err := recv.Recv(prefixLen(held.prefix) - len(held.prefix))
			if err != nil {
				if transport.IsFatal(err) {
					c.logger.Warn("peer stream failed before its stream header arrived",
						slog.Uint64("connection", uint64(c.id)),
						slog.Uint64("stream", uint64(id)),
						slog.String("error", err.Error()))
					delete(c.heldRecv, id)
				}
				complete = false
				break
			}
			if len(data) == 0 {
				complete = false
				break
			}
			held.prefix = append(held.prefix, data...)
		}
		if !complete {
			continue
		}

		if _, err := wtmsg.ParseStreamHeader(held.prefix); err != nil {
			if errors.Is(err, wtmsg.ErrUnexpectedEnd) {
				continue
			}
			c.fail("peer stream carried an invalid stream header: " + err.Error())
			return
		}
		c.events = append(c.events, held.events...)
		delete(c.heldRecv, id)
	}
}

// prefixLen returns the full wire length of the stream-frame prefix given
// the bytes read so far. A varint's length is carried in the two high bits
// of its first byte, so one byte is enough to know the rest.
func prefixLen(prefix []byte) int {
	if len(prefix) == 0 {
		return 1
	}
	return 1 << (prefix[0] >> 6)
}

func (c *Connection) markHandshakeStream(id transport.StreamID) {
	c.handshakeStreams[id] = struct{}{}
}

// fail moves the handshake to its failed terminal state and tears down the
// inner connection.
func (c *Connection) fail(reason string) {
	if c.state == stateFailed {
		return
	}
	c.logger.Warn("session handshake failed",
		slog.Uint64("connection", uint64(c.id)),
		slog.String("state", c.state.String()),
		slog.String("reason", reason))
	c.state = stateFailed
	c.events = nil
	c.heldRecv = make(map[transport.StreamID]*heldStream)
	c.inner.Disconnect()
}
