package memengine

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/pollmux/pollmux/quicpoll/engine"
	"github.com/pollmux/pollmux/transport"
)

var (
	errIdleTimeout = errors.New("idle timeout")
	errRefused     = errors.New("connection refused by peer")
)

// ApplicationError is the reason a connection was closed by the peer's
// application.
type ApplicationError struct {
	Code   uint64
	Reason string
}

func (e *ApplicationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("closed by peer (code %d)", e.Code)
	}
	return fmt.Sprintf("closed by peer (code %d): %s", e.Code, e.Reason)
}

type sendState struct {
	credit int
}

type recvState struct {
	buf      []byte
	finished bool
	reset    *uint64
}

// Conn is one side of an in-memory connection.
type Conn struct {
	cfg    Config
	side   transport.Side
	remote netip.AddrPort

	// handshake
	connected bool

	// stream state
	sends      map[transport.StreamID]*sendState
	recvs      map[transport.StreamID]*recvState
	nextStream map[transport.Direction]uint64
	acceptUni  []transport.StreamID
	acceptBi   []transport.StreamID

	// outbound frames not yet packed into a datagram
	pending []frame

	// event queues
	appEvents []engine.Event
	epEvents  []engine.EndpointEvent

	lastActivity time.Time
	closing      bool
	drained      bool
}

var _ engine.Conn = (*Conn)(nil)

func newConn(cfg Config, side transport.Side, remote netip.AddrPort, now time.Time) *Conn {
	return &Conn{
		cfg:          cfg,
		side:         side,
		remote:       remote,
		sends:        make(map[transport.StreamID]*sendState),
		recvs:        make(map[transport.StreamID]*recvState),
		nextStream:   make(map[transport.Direction]uint64),
		lastActivity: now,
	}
}

// datagramEvent carries one received datagram from the engine to its
// connection.
type datagramEvent struct {
	now     time.Time
	payload []byte
}

// drainedEvent tells the engine the connection is gone and its handle can be
// retired.
type drainedEvent struct{}

func (c *Conn) HandleEvent(event engine.ConnEvent) {
	dgram, ok := event.(datagramEvent)
	if !ok || c.drained {
		return
	}
	c.lastActivity = dgram.now

	payload := dgram.payload
	for len(payload) > 0 {
		f, n, err := parseFrame(payload)
		if err != nil {
			// a malformed datagram is treated like a lost one
			return
		}
		payload = payload[n:]
		c.handleFrame(f)
		if c.drained {
			return
		}
	}
}

func (c *Conn) handleFrame(f frame) {
	switch f.typ {
	case frameTypePadding:

	case frameTypeConnect:
		// retransmitted handshake, already answered

	case frameTypeAccept:
		if !c.connected {
			c.connected = true
			c.appEvents = append(c.appEvents, engine.Connected{})
		}

	case frameTypeRefuse:
		c.teardown(errRefused)

	case frameTypeOpen:
		if _, ok := c.recvs[f.id]; ok {
			return
		}
		c.recvs[f.id] = &recvState{}
		if f.id.Dir() == transport.Unidirectional {
			c.acceptUni = append(c.acceptUni, f.id)
		} else {
			c.sends[f.id] = &sendState{credit: c.cfg.StreamWindow}
			c.acceptBi = append(c.acceptBi, f.id)
		}

	case frameTypeStream:
		recv, ok := c.recvs[f.id]
		if !ok || recv.finished || recv.reset != nil {
			return
		}
		recv.buf = append(recv.buf, f.data...)

	case frameTypeFin:
		if recv, ok := c.recvs[f.id]; ok {
			recv.finished = true
		}

	case frameTypeReset:
		if recv, ok := c.recvs[f.id]; ok {
			code := f.code
			recv.reset = &code
			recv.buf = nil
		}

	case frameTypeStop:
		// the peer abandoned its receive half; tear down our send half
		delete(c.sends, f.id)

	case frameTypeMaxStreamData:
		if send, ok := c.sends[f.id]; ok {
			send.credit += int(f.code)
		}

	case frameTypeClose:
		c.teardown(&ApplicationError{Code: f.code, Reason: f.reason})
	}
}

// teardown marks the connection gone and queues the lost and drained events.
func (c *Conn) teardown(reason error) {
	if c.drained {
		return
	}
	c.drained = true
	c.appEvents = append(c.appEvents, engine.ConnectionLost{Reason: reason})
	c.epEvents = append(c.epEvents, drainedEvent{})
}

func (c *Conn) PollTransmit(now time.Time, maxDatagrams int, buf *[]byte) (engine.Transmit, bool) {
	if len(c.pending) == 0 {
		if c.closing && !c.drained {
			// the close frame has been flushed
			c.teardown(nil)
		}
		return engine.Transmit{}, false
	}

	if maxDatagrams < 1 {
		maxDatagrams = 1
	}

	// pack up to maxDatagrams GSO segments of stride MaxPayload; every
	// segment but the last is padded to exactly the stride so the receiver
	// can split the batch back apart
	stride := c.cfg.MaxPayload
	payload := (*buf)[:0]
	segments := 1
	packed := 0
	for packed < len(c.pending) {
		f := c.pending[packed]
		segStart := (segments - 1) * stride
		if len(payload)-segStart+f.wireLen() > stride {
			if len(payload) == segStart {
				// an oversized frame travels alone in its own datagram
				if segments == 1 {
					payload = f.append(payload)
					packed++
				}
				break
			}
			if segments == maxDatagrams {
				break
			}
			for len(payload) < segments*stride {
				payload = append(payload, frameTypePadding)
			}
			segments++
			continue
		}
		payload = f.append(payload)
		packed++
	}
	c.pending = c.pending[packed:]
	*buf = payload

	segmentSize := stride
	if len(payload) <= stride {
		segmentSize = len(payload)
	}
	return engine.Transmit{
		Destination: c.remote,
		Payload:     payload,
		SegmentSize: segmentSize,
	}, true
}

func (c *Conn) PollTimeout() (time.Time, bool) {
	if c.drained {
		return time.Time{}, false
	}
	return c.lastActivity.Add(c.cfg.IdleTimeout), true
}

func (c *Conn) HandleTimeout(now time.Time) {
	if c.drained || now.Before(c.lastActivity.Add(c.cfg.IdleTimeout)) {
		return
	}
	c.teardown(errIdleTimeout)
}

func (c *Conn) PollEndpointEvents() (engine.EndpointEvent, bool) {
	if len(c.epEvents) == 0 {
		return nil, false
	}
	event := c.epEvents[0]
	c.epEvents = c.epEvents[1:]
	return event, true
}

func (c *Conn) Poll() (engine.Event, bool) {
	if len(c.appEvents) == 0 {
		return nil, false
	}
	event := c.appEvents[0]
	c.appEvents = c.appEvents[1:]
	return event, true
}

func (c *Conn) Open(dir transport.Direction) (transport.StreamID, bool) {
	if c.closing || c.drained {
		return 0, false
	}

	index := c.nextStream[dir]
	c.nextStream[dir] = index + 1
	id := encodeStreamID(index, dir, c.side)

	c.sends[id] = &sendState{credit: c.cfg.StreamWindow}
	if dir == transport.Bidirectional {
		c.recvs[id] = &recvState{}
	}
	c.pending = append(c.pending, frame{typ: frameTypeOpen, id: id})
	return id, true
}

func (c *Conn) Accept(dir transport.Direction) (transport.StreamID, bool) {
	queue := &c.acceptBi
	if dir == transport.Unidirectional {
		queue = &c.acceptUni
	}
	if len(*queue) == 0 {
		return 0, false
	}
	id := (*queue)[0]
	*queue = (*queue)[1:]
	return id, true
}

func (c *Conn) Send(id transport.StreamID, p []byte) (int, error) {
	if c.drained {
		return 0, engine.ErrConnectionClosed
	}
	send, ok := c.sends[id]
	if !ok {
		return 0, engine.ErrClosedStream
	}
	if send.credit == 0 {
		return 0, engine.ErrBlocked
	}

	n := min(len(p), send.credit)
	send.credit -= n

	// data frames must fit a datagram alongside their header
	maxChunk := c.cfg.MaxPayload - 32
	for chunk := p[:n]; len(chunk) > 0; {
		take := min(len(chunk), maxChunk)
		data := make([]byte, take)
		copy(data, chunk[:take])
		c.pending = append(c.pending, frame{typ: frameTypeStream, id: id, data: data})
		chunk = chunk[take:]
	}
	return n, nil
}

func (c *Conn) Recv(id transport.StreamID, limit int) ([]byte, error) {
	if c.drained {
		return nil, engine.ErrConnectionClosed
	}
	recv, ok := c.recvs[id]
	if !ok {
		return nil, engine.ErrClosedStream
	}
	if recv.reset != nil {
		code := *recv.reset
		delete(c.recvs, id)
		return nil, &engine.ResetError{Code: code}
	}
	if len(recv.buf) == 0 {
		if recv.finished {
			delete(c.recvs, id)
			return nil, engine.ErrFinished
		}
		return nil, engine.ErrBlocked
	}

	n := min(limit, len(recv.buf))
	data := recv.buf[:n]
	recv.buf = recv.buf[n:]
	c.pending = append(c.pending, frame{typ: frameTypeMaxStreamData, id: id, code: uint64(n)})
	return data, nil
}

func (c *Conn) Finish(id transport.StreamID) error {
	if _, ok := c.sends[id]; !ok {
		return engine.ErrClosedStream
	}
	delete(c.sends, id)
	c.pending = append(c.pending, frame{typ: frameTypeFin, id: id})
	return nil
}

func (c *Conn) Reset(id transport.StreamID, code uint64) error {
	if _, ok := c.sends[id]; !ok {
		return engine.ErrClosedStream
	}
	delete(c.sends, id)
	c.pending = append(c.pending, frame{typ: frameTypeReset, id: id, code: code})
	return nil
}

func (c *Conn) Stop(id transport.StreamID, code uint64) error {
	if _, ok := c.recvs[id]; !ok {
		return engine.ErrClosedStream
	}
	delete(c.recvs, id)
	c.pending = append(c.pending, frame{typ: frameTypeStop, id: id, code: code})
	return nil
}

func (c *Conn) Close(code uint64, reason string) {
	if c.closing || c.drained {
		return
	}
	c.closing = true
	c.pending = append(c.pending, frame{typ: frameTypeClose, code: code, reason: reason})
}

func (c *Conn) Side() transport.Side { return c.side }

func (c *Conn) RemoteAddr() netip.AddrPort { return c.remote }

// encodeStreamID builds a stream id in the QUIC encoding: the low bit is the
// initiator, the 0x2 bit is the directionality.
func encodeStreamID(index uint64, dir transport.Direction, side transport.Side) transport.StreamID {
	id := index << 2
	if dir == transport.Unidirectional {
		id |= 0x2
	}
	if side == transport.Server {
		id |= 0x1
	}
	return transport.StreamID(id)
}
