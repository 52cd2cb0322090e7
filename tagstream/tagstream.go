// Package tagstream multiplexes differently-purposed logical streams over
// one connection by prefixing every stream with a fixed-width tag chosen by
// its opener. No side channel is needed: the tag is the first TagWidth
// bytes of the stream itself.
//
// The open side allocates the stream, then flushes the tag's big-endian
// bytes across as many ticks as flow control requires; the stream id is
// surfaced through Ready only once the tag is fully on the wire. The
// receive side holds new peer streams in an uninitialized bucket and reads
// exactly the missing tag bytes each tick, surfacing a tagged-stream event
// once the tag is complete. A stream that closes before its tag does is
// dropped with a warning and never surfaced.
package tagstream

import (
	"encoding/binary"
	"log/slog"

	"github.com/pollmux/pollmux/transport"
)

// Tag identifies the logical purpose of a stream.
type Tag uint16

// TagWidth is the size of the encoded tag prefix in bytes.
const TagWidth = 2

// Event reports a peer stream whose tag has been fully received. The
// stream is a plain stream from here on.
type Event struct {
	StreamID transport.StreamID
	Tag      Tag
}

// PendingStream is a locally opened stream whose tag prefix may still be
// in flight.
type PendingStream struct {
	id     transport.StreamID
	header []byte
}

// Open opens a stream on conn and stages its tag prefix. It reports false
// when the connection cannot open a stream right now.
func Open(conn transport.Connection, desc transport.OpenDescription, tag Tag) (*PendingStream, bool) {
	id, ok := conn.OpenStream(desc)
	if !ok {
		return nil, false
	}
	header := make([]byte, TagWidth)
	binary.BigEndian.PutUint16(header, uint16(tag))
	return &PendingStream{id: id, header: header}, true
}

// Ready flushes as much of the pending tag as the stream accepts and
// reports whether the stream is ready for payload. Call it once per tick
// until it reports true; the returned id is only valid then.
func (p *PendingStream) Ready(conn transport.Connection) (transport.StreamID, bool) {
	if len(p.header) == 0 {
		return p.id, true
	}

	send, ok := conn.SendStream(p.id)
	if !ok {
		return 0, false
	}
	n, err := send.Send(p.header)
	p.header = p.header[n:]
	if err != nil && transport.IsFatal(err) {
		return 0, false
	}
	if len(p.header) > 0 {
		return 0, false
	}
	return p.id, true
}

// Headers tracks the receive side of one connection: peer streams whose
// tag prefix has not fully arrived yet.
type Headers struct {
	pending map[transport.StreamID][]byte
	logger  *slog.Logger
}

// NewHeaders creates a tracker. A nil logger discards.
func NewHeaders(logger *slog.Logger) *Headers {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Headers{
		pending: make(map[transport.StreamID][]byte),
		logger:  logger,
	}
}

// Update drains conn's stream events and advances tag reads. It returns
// the tagged-stream events that completed this tick and the stream events
// that are none of this layer's business, in their original order. Peer
// receive streams are absorbed into the pending bucket and only ever
// surface as tagged events.
func (h *Headers) Update(conn transport.Connection) ([]Event, []transport.StreamEvent) {
	var passthrough []transport.StreamEvent
	for {
		event, ok := conn.PollStreamEvent()
		if !ok {
			break
		}
		switch {
		case event.Type == transport.NewRecvStream && event.PeerGenerated:
			h.pending[event.StreamID] = make([]byte, 0, TagWidth)
		case event.Type == transport.ClosedRecvStream && h.tracked(event.StreamID):
			h.logger.Warn("stream closed before its tag was received",
				slog.Uint64("stream", uint64(event.StreamID)))
			delete(h.pending, event.StreamID)
		default:
			passthrough = append(passthrough, event)
		}
	}

	var tagged []Event
	for id := range h.pending {
		event, done := h.pollTag(conn, id)
		if done {
			tagged = append(tagged, event)
		}
	}
	return tagged, passthrough
}

// pollTag reads the missing tag bytes of one pending stream.
func (h *Headers) pollTag(conn transport.Connection, id transport.StreamID) (Event, bool) {
	buf := h.pending[id]
	need := TagWidth - len(buf)

	recv, ok := conn.RecvStream(id)
	if !ok {
		delete(h.pending, id)
		return Event{}, false
	}
	data, err := recv.Recv(need)
	if err != nil {
		if !transport.IsFatal(err) {
			return Event{}, false
		}
		h.logger.Warn("stream failed before its tag was received",
			slog.Uint64("stream", uint64(id)),
			slog.String("error", err.Error()))
		delete(h.pending, id)
		return Event{}, false
	}

	if len(data) > need {
		// the backend returned more than requested; the excess cannot be
		// un-read, so it is dropped rather than misread as payload
		h.logger.Warn("discarding bytes beyond the stream tag",
			slog.Uint64("stream", uint64(id)),
			slog.Int("discarded", len(data)-need))
		data = data[:need]
	}
	buf = append(buf, data...)
	if len(buf) < TagWidth {
		h.pending[id] = buf
		return Event{}, false
	}

	delete(h.pending, id)
	return Event{
		StreamID: id,
		Tag:      Tag(binary.BigEndian.Uint16(buf)),
	}, true
}

func (h *Headers) tracked(id transport.StreamID) bool {
	_, ok := h.pending[id]
	return ok
}
