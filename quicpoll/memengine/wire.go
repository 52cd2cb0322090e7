package memengine

import (
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/pollmux/pollmux/transport"
)

// Frame type identifiers. Every frame starts with its type as a varint;
// frames never span datagrams. Padding fills the tail of non-final GSO
// segments and carries nothing.
const (
	frameTypePadding       = 0x00
	frameTypeConnect       = 0x01
	frameTypeAccept        = 0x02
	frameTypeRefuse        = 0x03
	frameTypeOpen          = 0x04
	frameTypeStream        = 0x05
	frameTypeFin           = 0x06
	frameTypeReset         = 0x07
	frameTypeStop          = 0x08
	frameTypeMaxStreamData = 0x09
	frameTypeClose         = 0x0a
)

type frame struct {
	typ    uint64
	id     transport.StreamID
	code   uint64
	data   []byte
	reason string
}

// wireLen returns the encoded size of the frame.
func (f frame) wireLen() int {
	n := quicvarint.Len(f.typ)
	switch f.typ {
	case frameTypeOpen, frameTypeFin:
		n += quicvarint.Len(uint64(f.id))
	case frameTypeStream:
		n += quicvarint.Len(uint64(f.id)) + quicvarint.Len(uint64(len(f.data))) + len(f.data)
	case frameTypeReset, frameTypeStop, frameTypeMaxStreamData:
		n += quicvarint.Len(uint64(f.id)) + quicvarint.Len(f.code)
	case frameTypeClose:
		n += quicvarint.Len(f.code) + quicvarint.Len(uint64(len(f.reason))) + len(f.reason)
	}
	return n
}

func (f frame) append(b []byte) []byte {
	b = quicvarint.Append(b, f.typ)
	switch f.typ {
	case frameTypeOpen, frameTypeFin:
		b = quicvarint.Append(b, uint64(f.id))
	case frameTypeStream:
		b = quicvarint.Append(b, uint64(f.id))
		b = quicvarint.Append(b, uint64(len(f.data)))
		b = append(b, f.data...)
	case frameTypeReset, frameTypeStop, frameTypeMaxStreamData:
		b = quicvarint.Append(b, uint64(f.id))
		b = quicvarint.Append(b, f.code)
	case frameTypeClose:
		b = quicvarint.Append(b, f.code)
		b = quicvarint.Append(b, uint64(len(f.reason)))
		b = append(b, f.reason...)
	}
	return b
}

// parseFrame decodes one frame from the front of b and returns the number of
// bytes consumed. The returned frame's data aliases b.
func parseFrame(b []byte) (frame, int, error) {
	typ, n, err := quicvarint.Parse(b)
	if err != nil {
		return frame{}, 0, fmt.Errorf("frame type: %w", err)
	}
	f := frame{typ: typ}
	off := n

	readVarint := func() (uint64, error) {
		v, n, err := quicvarint.Parse(b[off:])
		if err != nil {
			return 0, err
		}
		off += n
		return v, nil
	}

	switch typ {
	case frameTypePadding, frameTypeConnect, frameTypeAccept, frameTypeRefuse:

	case frameTypeOpen, frameTypeFin:
		id, err := readVarint()
		if err != nil {
			return frame{}, 0, fmt.Errorf("stream id: %w", err)
		}
		f.id = transport.StreamID(id)

	case frameTypeStream:
		id, err := readVarint()
		if err != nil {
			return frame{}, 0, fmt.Errorf("stream id: %w", err)
		}
		f.id = transport.StreamID(id)
		length, err := readVarint()
		if err != nil {
			return frame{}, 0, fmt.Errorf("stream data length: %w", err)
		}
		if uint64(len(b[off:])) < length {
			return frame{}, 0, fmt.Errorf("stream data truncated: want %d bytes, have %d", length, len(b[off:]))
		}
		f.data = b[off : off+int(length)]
		off += int(length)

	case frameTypeReset, frameTypeStop, frameTypeMaxStreamData:
		id, err := readVarint()
		if err != nil {
			return frame{}, 0, fmt.Errorf("stream id: %w", err)
		}
		f.id = transport.StreamID(id)
		code, err := readVarint()
		if err != nil {
			return frame{}, 0, fmt.Errorf("error code: %w", err)
		}
		f.code = code

	case frameTypeClose:
		code, err := readVarint()
		if err != nil {
			return frame{}, 0, fmt.Errorf("close code: %w", err)
		}
		f.code = code
		length, err := readVarint()
		if err != nil {
			return frame{}, 0, fmt.Errorf("close reason length: %w", err)
		}
		if uint64(len(b[off:])) < length {
			return frame{}, 0, fmt.Errorf("close reason truncated")
		}
		f.reason = string(b[off : off+int(length)])
		off += int(length)

	default:
		return frame{}, 0, fmt.Errorf("unknown frame type %#x", typ)
	}

	return f, off, nil
}
