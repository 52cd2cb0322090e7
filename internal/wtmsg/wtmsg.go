// Package wtmsg encodes and decodes the WebTransport session-establishment
// messages: the SETTINGS exchange, the CONNECT request/response, and the
// stream-frame prefix carried by every WebTransport data stream.
//
// Messages arrive over streams that deliver bytes in arbitrary chunks, so
// every Parse function distinguishes a message that is merely incomplete
// (ErrUnexpectedEnd, wait for more bytes) from one that is malformed (any
// other error, a protocol violation).
package wtmsg

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// ErrUnexpectedEnd reports that the buffer ends before the message does.
// Callers accumulate more bytes and retry.
var ErrUnexpectedEnd = errors.New("unexpected end of message")

// Frame and setting identifiers from the HTTP/3 and WebTransport drafts.
const (
	frameTypeSettings = 0x04
	frameTypeConnect  = 0x11

	settingEnableWebTransport = 0x2b603742

	// StreamFrameType prefixes every WebTransport data stream.
	StreamFrameType = 0x41
)

// parseVarint reads one varint, mapping truncation to ErrUnexpectedEnd.
func parseVarint(b []byte, off int) (uint64, int, error) {
	v, n, err := quicvarint.Parse(b[off:])
	if err != nil {
		return 0, 0, ErrUnexpectedEnd
	}
	return v, off + n, nil
}

/*
 * SETTINGS Message {
 *   Type (varint) = 0x04,
 *   Length (varint),
 *   Setting (..) ...,
 * }
 *
 * Setting {
 *   Identifier (varint),
 *   Value (varint),
 * }
 */

// Settings is the capability advertisement each side sends on its settings
// stream before the session can be established.
type Settings struct {
	SupportsWebTransport bool
}

func (s Settings) Append(b []byte) []byte {
	var payload []byte
	if s.SupportsWebTransport {
		payload = quicvarint.Append(payload, settingEnableWebTransport)
		payload = quicvarint.Append(payload, 1)
	}

	b = quicvarint.Append(b, frameTypeSettings)
	b = quicvarint.Append(b, uint64(len(payload)))
	return append(b, payload...)
}

// ParseSettings decodes a SETTINGS message from the front of b, returning
// the number of bytes consumed. Unknown settings are ignored.
func ParseSettings(b []byte) (Settings, int, error) {
	typ, off, err := parseVarint(b, 0)
	if err != nil {
		return Settings{}, 0, err
	}
	if typ != frameTypeSettings {
		return Settings{}, 0, fmt.Errorf("expected SETTINGS frame, got type %#x", typ)
	}

	length, off, err := parseVarint(b, off)
	if err != nil {
		return Settings{}, 0, err
	}
	if uint64(len(b[off:])) < length {
		return Settings{}, 0, ErrUnexpectedEnd
	}

	var settings Settings
	end := off + int(length)
	for off < end {
		var id, value uint64
		id, off, err = parseVarint(b[:end], off)
		if err != nil {
			return Settings{}, 0, errors.New("malformed setting identifier")
		}
		value, off, err = parseVarint(b[:end], off)
		if err != nil {
			return Settings{}, 0, errors.New("malformed setting value")
		}
		if id == settingEnableWebTransport && value == 1 {
			settings.SupportsWebTransport = true
		}
	}
	return settings, end, nil
}

/*
 * CONNECT Request {
 *   Type (varint) = 0x11,
 *   Authority Length (varint),
 *   Authority (..),
 *   Path Length (varint),
 *   Path (..),
 * }
 */

// ConnectRequest asks the server to establish a WebTransport session for
// the given authority and path.
type ConnectRequest struct {
	Authority string
	Path      string
}

func (r ConnectRequest) Append(b []byte) []byte {
	b = quicvarint.Append(b, frameTypeConnect)
	b = quicvarint.Append(b, uint64(len(r.Authority)))
	b = append(b, r.Authority...)
	b = quicvarint.Append(b, uint64(len(r.Path)))
	b = append(b, r.Path...)
	return b
}

// ParseConnectRequest decodes a CONNECT request from the front of b.
func ParseConnectRequest(b []byte) (ConnectRequest, int, error) {
	typ, off, err := parseVarint(b, 0)
	if err != nil {
		return ConnectRequest{}, 0, err
	}
	if typ != frameTypeConnect {
		return ConnectRequest{}, 0, fmt.Errorf("expected CONNECT frame, got type %#x", typ)
	}

	var req ConnectRequest
	req.Authority, off, err = parseString(b, off)
	if err != nil {
		return ConnectRequest{}, 0, err
	}
	req.Path, off, err = parseString(b, off)
	if err != nil {
		return ConnectRequest{}, 0, err
	}
	return req, off, nil
}

/*
 * CONNECT Response {
 *   Type (varint) = 0x11,
 *   Status (varint),
 * }
 */

// StatusOK is the status of an accepted CONNECT request.
const StatusOK = 200

// ConnectResponse answers a ConnectRequest. A Status of StatusOK
// establishes the session; anything else refuses it.
type ConnectResponse struct {
	Status uint64
}

// OK reports whether the response establishes the session.
func (r ConnectResponse) OK() bool { return r.Status == StatusOK }

func (r ConnectResponse) Append(b []byte) []byte {
	b = quicvarint.Append(b, frameTypeConnect)
	b = quicvarint.Append(b, r.Status)
	return b
}

// ParseConnectResponse decodes a CONNECT response from the front of b.
func ParseConnectResponse(b []byte) (ConnectResponse, int, error) {
	typ, off, err := parseVarint(b, 0)
	if err != nil {
		return ConnectResponse{}, 0, err
	}
	if typ != frameTypeConnect {
		return ConnectResponse{}, 0, fmt.Errorf("expected CONNECT frame, got type %#x", typ)
	}

	status, off, err := parseVarint(b, off)
	if err != nil {
		return ConnectResponse{}, 0, err
	}
	return ConnectResponse{Status: status}, off, nil
}

/*
 * WebTransport Stream Header {
 *   Type (varint) = 0x41,
 * }
 */

// AppendStreamHeader prefixes a WebTransport data stream.
func AppendStreamHeader(b []byte) []byte {
	return quicvarint.Append(b, StreamFrameType)
}

// ParseStreamHeader consumes the stream-frame prefix from the front of b.
func ParseStreamHeader(b []byte) (int, error) {
	typ, off, err := parseVarint(b, 0)
	if err != nil {
		return 0, err
	}
	if typ != StreamFrameType {
		return 0, fmt.Errorf("expected stream frame type %#x, got %#x", StreamFrameType, typ)
	}
	return off, nil
}

func parseString(b []byte, off int) (string, int, error) {
	length, off, err := parseVarint(b, off)
	if err != nil {
		return "", 0, err
	}
	if uint64(len(b[off:])) < length {
		return "", 0, ErrUnexpectedEnd
	}
	return string(b[off : off+int(length)]), off + int(length), nil
}
