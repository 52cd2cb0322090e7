package webtransport

import (
	"errors"

	"github.com/pollmux/pollmux/internal/wtmsg"
	"github.com/pollmux/pollmux/transport"
)

// handshakeState is one node of the per-role handshake sequence. States are
// visited strictly forward; Connected and Failed are terminal.
type handshakeState uint8

const (
	stateUnconnected handshakeState = iota

	// client
	stateClientSendSettings
	stateClientWaitSettingsResponse
	stateClientReceiveSettingsResponse
	stateClientSendConnect
	stateClientReceiveConnectResponse

	// server
	stateServerWaitSettingsStream
	stateServerReadSettings
	stateServerSendSettingsResponse
	stateServerWaitConnectStream
	stateServerReadConnectRequest
	stateServerSendConnectResponse

	stateConnected
	stateFailed
)

func (s handshakeState) String() string {
	switch s {
	case stateUnconnected:
		return "unconnected"
	case stateClientSendSettings:
		return "client send settings"
	case stateClientWaitSettingsResponse:
		return "client wait settings response"
	case stateClientReceiveSettingsResponse:
		return "client receive settings response"
	case stateClientSendConnect:
		return "client send connect"
	case stateClientReceiveConnectResponse:
		return "client receive connect response"
	case stateServerWaitSettingsStream:
		return "server wait settings stream"
	case stateServerReadSettings:
		return "server read settings"
	case stateServerSendSettingsResponse:
		return "server send settings response"
	case stateServerWaitConnectStream:
		return "server wait connect stream"
	case stateServerReadConnectRequest:
		return "server read connect request"
	case stateServerSendConnectResponse:
		return "server send connect response"
	case stateConnected:
		return "connected"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// expectedStreamDir reports the directionality of the peer stream the
// current state is waiting for, if it is a waiting state.
func (c *Connection) expectedStreamDir() (transport.Direction, bool) {
	switch c.state {
	case stateClientWaitSettingsResponse, stateServerWaitSettingsStream:
		return transport.Unidirectional, true
	case stateServerWaitConnectStream:
		return transport.Bidirectional, true
	default:
		return 0, false
	}
}

// afterStreamArrived is the state entered once a waiting state's expected
// peer stream has arrived.
func (s handshakeState) afterStreamArrived() handshakeState {
	switch s {
	case stateClientWaitSettingsResponse:
		return stateClientReceiveSettingsResponse
	case stateServerWaitSettingsStream:
		return stateServerReadSettings
	case stateServerWaitConnectStream:
		return stateServerReadConnectRequest
	default:
		return s
	}
}

// begin starts the handshake once the inner connection reports connected.
func (c *Connection) begin() {
	if c.state != stateUnconnected {
		return
	}
	if c.inner.Stats().Side == transport.Server {
		c.state = stateServerWaitSettingsStream
		return
	}

	id, ok := c.inner.OpenStream(transport.OpenDescription{Dir: transport.Unidirectional})
	if !ok {
		c.fail("could not open the settings stream")
		return
	}
	c.markHandshakeStream(id)
	c.hsStream = id
	c.hsBuf = wtmsg.Settings{SupportsWebTransport: true}.Append(nil)
	c.state = stateClientSendSettings
}

// step advances the handshake machine by at most one transition, reporting
// whether it made progress.
func (c *Connection) step() bool {
	switch c.state {
	case stateClientSendSettings:
		return c.stepSend(stateClientWaitSettingsResponse)

	case stateClientReceiveSettingsResponse:
		return c.stepReceive(func(buf []byte) (int, bool, error) {
			settings, n, err := wtmsg.ParseSettings(buf)
			if err != nil {
				return 0, false, err
			}
			return n, settings.SupportsWebTransport, nil
		}, "peer does not support webtransport", c.enterSendConnect)

	case stateClientSendConnect:
		return c.stepSend(stateClientReceiveConnectResponse)

	case stateClientReceiveConnectResponse:
		return c.stepReceive(func(buf []byte) (int, bool, error) {
			resp, n, err := wtmsg.ParseConnectResponse(buf)
			if err != nil {
				return 0, false, err
			}
			return n, resp.OK(), nil
		}, "connect request rejected", func() {
			c.state = stateConnected
		})

	case stateServerReadSettings:
		return c.stepReceive(func(buf []byte) (int, bool, error) {
			settings, n, err := wtmsg.ParseSettings(buf)
			if err != nil {
				return 0, false, err
			}
			return n, settings.SupportsWebTransport, nil
		}, "peer does not support webtransport", c.enterSendSettingsResponse)

	case stateServerReadConnectRequest:
		return c.stepReceive(func(buf []byte) (int, bool, error) {
			_, n, err := wtmsg.ParseConnectRequest(buf)
			if err != nil {
				return 0, false, err
			}
			return n, true, nil
		}, "", func() {
			c.hsBuf = wtmsg.ConnectResponse{Status: wtmsg.StatusOK}.Append(nil)
			c.state = stateServerSendConnectResponse
		})

	case stateServerSendSettingsResponse:
		return c.stepSend(stateServerWaitConnectStream)

	case stateServerSendConnectResponse:
		return c.stepSend(stateConnected)

	default:
		return false
	}
}

// stepSend drains the front of the handshake buffer into the handshake
// stream, entering next once it is fully flushed.
func (c *Connection) stepSend(next handshakeState) bool {
	send, ok := c.inner.SendStream(c.hsStream)
	if !ok {
		c.fail("handshake stream closed while sending")
		return false
	}

	n, err := send.Send(c.hsBuf)
	c.hsBuf = c.hsBuf[n:]
	if err != nil {
		if !transport.IsFatal(err) {
			return false
		}
		c.fail("handshake send failed: " + err.Error())
		return false
	}
	if len(c.hsBuf) > 0 {
		return false
	}
	c.state = next
	return true
}

// stepReceive accumulates bytes from the handshake stream and tries parse
// on them. An incomplete message waits for more bytes; a malformed one, a
// failed stream, or parse reporting the message unacceptable fails the
// connection; success runs then.
func (c *Connection) stepReceive(parse func([]byte) (int, bool, error), rejection string, then func()) bool {
	recv, ok := c.inner.RecvStream(c.hsStream)
	if !ok {
		c.fail("handshake stream closed while receiving")
		return false
	}

	data, err := recv.Recv(handshakeReadLimit)
	if err != nil {
		if !transport.IsFatal(err) && !errors.Is(err, transport.ErrFinished) {
			return false
		}
		c.fail("handshake receive failed: " + err.Error())
		return false
	}
	c.hsBuf = append(c.hsBuf, data...)

	_, accepted, err := parse(c.hsBuf)
	if err != nil {
		if errors.Is(err, wtmsg.ErrUnexpectedEnd) {
			return false
		}
		c.fail("malformed handshake message: " + err.Error())
		return false
	}
	if !accepted {
		c.fail(rejection)
		return false
	}
	then()
	return true
}

func (c *Connection) enterSendConnect() {
	id, ok := c.inner.OpenStream(transport.OpenDescription{Dir: transport.Bidirectional})
	if !ok {
		c.fail("could not open the connect stream")
		return
	}
	c.markHandshakeStream(id)
	c.hsStream = id
	c.hsBuf = wtmsg.ConnectRequest{Authority: c.authority, Path: c.path}.Append(nil)
	c.state = stateClientSendConnect
}

func (c *Connection) enterSendSettingsResponse() {
	id, ok := c.inner.OpenStream(transport.OpenDescription{Dir: transport.Unidirectional})
	if !ok {
		c.fail("could not open the settings response stream")
		return
	}
	c.markHandshakeStream(id)
	c.hsStream = id
	c.hsBuf = wtmsg.Settings{SupportsWebTransport: true}.Append(nil)
	c.state = stateServerSendSettingsResponse
}

const handshakeReadLimit = 1024
