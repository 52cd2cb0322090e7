package quicpoll

import (
	"log/slog"
	"time"

	"github.com/pollmux/pollmux/quicpoll/engine"
	"github.com/pollmux/pollmux/transport"
)

// Connection tracks one peer session: the engine-side connection state plus
// the open-stream sets and the pending stream event queue. The engine's
// stream handles carry no open/closed state once torn down, so membership
// in the open sets is the authoritative answer to "is this stream usable".
type Connection struct {
	eng    engine.Conn
	id     transport.ConnectionID
	logger *slog.Logger

	openSend map[transport.StreamID]struct{}
	openRecv map[transport.StreamID]struct{}
	events   []transport.StreamEvent

	connected bool
	lost      bool
}

var _ transport.Connection = (*Connection)(nil)

func newConnection(econn engine.Conn, id transport.ConnectionID, logger *slog.Logger) *Connection {
	return &Connection{
		eng:      econn,
		id:       id,
		logger:   logger,
		openSend: make(map[transport.StreamID]struct{}),
		openRecv: make(map[transport.StreamID]struct{}),
	}
}

// Disconnect requests closure of the connection. The close packet is
// flushed by later Updates on the owning endpoint.
func (c *Connection) Disconnect() {
	c.eng.Close(0, "")
}

// OpenStream opens a locally initiated stream and queues the matching
// locally generated stream events.
func (c *Connection) OpenStream(desc transport.OpenDescription) (transport.StreamID, bool) {
	id, ok := c.eng.Open(desc.Dir)
	if !ok {
		return 0, false
	}

	c.openSend[id] = struct{}{}
	c.pushEvent(transport.StreamEvent{StreamID: id, PeerGenerated: false, Type: transport.NewSendStream})
	if desc.Dir == transport.Bidirectional {
		c.openRecv[id] = struct{}{}
		c.pushEvent(transport.StreamEvent{StreamID: id, PeerGenerated: false, Type: transport.NewRecvStream})
	}
	return id, true
}

// SendStream returns the send half of stream id while it is open.
func (c *Connection) SendStream(id transport.StreamID) (transport.SendStream, bool) {
	if _, ok := c.openSend[id]; !ok {
		return nil, false
	}
	return &sendStream{conn: c, id: id}, true
}

// RecvStream returns the receive half of stream id while it is open.
func (c *Connection) RecvStream(id transport.StreamID) (transport.RecvStream, bool) {
	if _, ok := c.openRecv[id]; !ok {
		return nil, false
	}
	return &recvStream{conn: c, id: id}, true
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
	return transport.ConnectionStats{
		Side:   c.eng.Side(),
		Remote: c.eng.RemoteAddr(),
	}
}

func (c *Connection) pushEvent(event transport.StreamEvent) {
	c.events = append(c.events, event)
}

// pollTimeouts fires every due engine timer, stopping at the first future
// deadline.
func (c *Connection) pollTimeouts(now time.Time) {
	for {
		deadline, ok := c.eng.PollTimeout()
		if !ok || deadline.After(now) {
			return
		}
		c.eng.HandleTimeout(now)
	}
}

// pollAppEvents translates the engine's application events into handler
// notifications.
func (c *Connection) pollAppEvents(handler transport.EndpointEventHandler) {
	for {
		event, ok := c.eng.Poll()
		if !ok {
			return
		}
		switch event := event.(type) {
		case engine.Connected:
			c.connected = true
			handler.Connected(c.id)
		case engine.ConnectionLost:
			c.logger.Debug("connection lost",
				slog.Uint64("connection", uint64(c.id)),
				slog.String("reason", reasonString(event.Reason)))
			c.lost = true
			handler.Disconnected(c.id)
		}
	}
}

// acceptStreams drains peer-initiated streams from the engine and queues
// the corresponding events: unidirectional streams first, then
// bidirectional ones, which produce a receive event followed by a send
// event.
func (c *Connection) acceptStreams() {
	for {
		id, ok := c.eng.Accept(transport.Unidirectional)
		if !ok {
			break
		}
		c.openRecv[id] = struct{}{}
		c.pushEvent(transport.StreamEvent{StreamID: id, PeerGenerated: true, Type: transport.NewRecvStream})
	}

	for {
		id, ok := c.eng.Accept(transport.Bidirectional)
		if !ok {
			break
		}
		c.openRecv[id] = struct{}{}
		c.openSend[id] = struct{}{}
		c.pushEvent(transport.StreamEvent{StreamID: id, PeerGenerated: true, Type: transport.NewRecvStream})
		c.pushEvent(transport.StreamEvent{StreamID: id, PeerGenerated: true, Type: transport.NewSendStream})
	}
}

// closeSend removes id from the open-send set and queues the closed event.
func (c *Connection) closeSend(id transport.StreamID, peerGenerated bool) {
	if _, ok := c.openSend[id]; !ok {
		return
	}
	delete(c.openSend, id)
	c.pushEvent(transport.StreamEvent{StreamID: id, PeerGenerated: peerGenerated, Type: transport.ClosedSendStream})
}

// closeRecv removes id from the open-recv set and queues the closed event.
func (c *Connection) closeRecv(id transport.StreamID, peerGenerated bool) {
	if _, ok := c.openRecv[id]; !ok {
		return
	}
	delete(c.openRecv, id)
	c.pushEvent(transport.StreamEvent{StreamID: id, PeerGenerated: peerGenerated, Type: transport.ClosedRecvStream})
}

func reasonString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
