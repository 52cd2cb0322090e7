package webtransport

import (
	"net/netip"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pollmux/pollmux/internal/wtmsg"
	"github.com/pollmux/pollmux/quicpoll"
	"github.com/pollmux/pollmux/quicpoll/memengine"
	"github.com/pollmux/pollmux/quicpoll/udpsock"
	"github.com/pollmux/pollmux/transport"
)

type recordingHandler struct {
	accept       bool
	connected    []transport.ConnectionID
	disconnected []transport.ConnectionID
}

func (h *recordingHandler) ConnectionRequest(transport.Incoming) bool { return h.accept }

func (h *recordingHandler) Connected(id transport.ConnectionID) {
	h.connected = append(h.connected, id)
}

func (h *recordingHandler) Disconnected(id transport.ConnectionID) {
	h.disconnected = append(h.disconnected, id)
}

func newSessionPair(t *testing.T) (client, server *Endpoint, clientHand, serverHand *recordingHandler, serverAddr netip.AddrPort) {
	t.Helper()

	serverAddr = netip.MustParseAddrPort("127.0.0.1:4440")
	clientAddr := netip.MustParseAddrPort("127.0.0.1:4441")
	serverSock, clientSock := udpsock.NewMemPair(serverAddr, clientAddr)

	innerServer, err := quicpoll.New(memengine.New(memengine.Config{Server: true}), quicpoll.Config{Socket: serverSock})
	require.NoError(t, err)
	innerClient, err := quicpoll.New(memengine.New(memengine.Config{}), quicpoll.Config{Socket: clientSock})
	require.NoError(t, err)

	server = New(innerServer, Config{})
	client = New(innerClient, Config{})
	clientHand = &recordingHandler{}
	serverHand = &recordingHandler{accept: true}
	return client, server, clientHand, serverHand, serverAddr
}

func TestHandshakeLockstep(t *testing.T) {
	client, server, clientHand, serverHand, serverAddr := newSessionPair(t)

	clientID, clientConn, err := client.Connect(transport.ConnectDescription{
		Remote: serverAddr,
		URL:    "https://game.example/session",
	})
	require.NoError(t, err)

	var clientStates []handshakeState
	for i := 0; i < 20 && (len(clientHand.connected) == 0 || len(serverHand.connected) == 0); i++ {
		client.Update(clientHand)
		server.Update(serverHand)
		clientStates = append(clientStates, clientConn.(*Connection).state)
	}
	require.Len(t, clientHand.connected, 1, "client session never established")
	require.Len(t, serverHand.connected, 1, "server session never established")
	assert.Equal(t, clientID, clientHand.connected[0])

	serverConn, ok := server.Connection(serverHand.connected[0])
	require.True(t, ok)
	assert.Equal(t, stateConnected, clientConn.(*Connection).state)
	assert.Equal(t, stateConnected, serverConn.(*Connection).state)

	// the state machine only ever moves forward
	order := []handshakeState{
		stateUnconnected,
		stateClientSendSettings,
		stateClientWaitSettingsResponse,
		stateClientReceiveSettingsResponse,
		stateClientSendConnect,
		stateClientReceiveConnectResponse,
		stateConnected,
	}
	last := -1
	for _, state := range clientStates {
		pos := slices.Index(order, state)
		require.GreaterOrEqual(t, pos, 0, "unexpected state %s", state)
		require.GreaterOrEqual(t, pos, last, "state machine went backwards to %s", state)
		last = pos
	}

	// further ticks must not repeat the connected notification
	for i := 0; i < 5; i++ {
		client.Update(clientHand)
		server.Update(serverHand)
	}
	assert.Len(t, clientHand.connected, 1)
	assert.Len(t, serverHand.connected, 1)
}

func TestSessionStreamRoundTrip(t *testing.T) {
	client, server, clientHand, serverHand, serverAddr := newSessionPair(t)

	_, clientConn, err := client.Connect(transport.ConnectDescription{Remote: serverAddr})
	require.NoError(t, err)

	tick := func() {
		client.Update(clientHand)
		server.Update(serverHand)
	}
	for i := 0; i < 20 && (len(clientHand.connected) == 0 || len(serverHand.connected) == 0); i++ {
		tick()
	}
	require.Len(t, serverHand.connected, 1)
	serverConn, ok := server.Connection(serverHand.connected[0])
	require.True(t, ok)

	id, ok := clientConn.OpenStream(transport.OpenDescription{Dir: transport.Unidirectional})
	require.True(t, ok)
	send, ok := clientConn.SendStream(id)
	require.True(t, ok)
	payload := []byte("prefixed payload")
	n, err := send.Send(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	// the stream must not surface before its prefix is read
	var events []transport.StreamEvent
	for i := 0; i < 5 && len(events) == 0; i++ {
		tick()
		for {
			event, ok := serverConn.PollStreamEvent()
			if !ok {
				break
			}
			events = append(events, event)
		}
	}
	require.Len(t, events, 1)
	assert.Equal(t, transport.NewRecvStream, events[0].Type)
	assert.True(t, events[0].PeerGenerated)
	assert.Equal(t, id, events[0].StreamID)

	recv, ok := serverConn.RecvStream(id)
	require.True(t, ok)
	got, err := recv.Recv(1024)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "stream prefix must be stripped before payload")
}

func TestStreamPrefixByteByByte(t *testing.T) {
	inner := newFakeConn(transport.Server)
	conn := newConnection(inner, 1, discardLogger())
	conn.state = stateConnected
	handler := &recordingHandler{}

	id := inner.pushPeerStream(transport.Unidirectional)
	prefix := wtmsg.AppendStreamHeader(nil)
	require.Greater(t, len(prefix), 1, "stream header must span multiple bytes")

	// only the first prefix byte is available this tick
	inner.recvs[id] = [][]byte{prefix[:1]}
	conn.advance(handler)
	_, ok := conn.PollStreamEvent()
	assert.False(t, ok, "stream must stay held on a partial prefix")
	require.NotEqual(t, stateFailed, conn.state, "a partial prefix is not a protocol violation")

	// the rest arrives a tick later
	payload := []byte("after the prefix")
	inner.recvs[id] = append(inner.recvs[id], prefix[1:], payload)
	conn.advance(handler)

	event, ok := conn.PollStreamEvent()
	require.True(t, ok, "stream must surface once the prefix completes")
	assert.Equal(t, transport.NewRecvStream, event.Type)
	assert.Equal(t, id, event.StreamID)

	recv, ok := conn.RecvStream(id)
	require.True(t, ok)
	got, err := recv.Recv(1024)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFailedSessionDropsStreamEvents(t *testing.T) {
	inner := newFakeConn(transport.Server)
	conn := newConnection(inner, 1, discardLogger())
	conn.begin()

	inner.pushPeerStream(transport.Bidirectional)
	handler := &recordingHandler{}
	conn.advance(handler)
	require.Equal(t, stateFailed, conn.state)

	// streams the peer opened before teardown completes must not leak out
	inner.pushPeerStream(transport.Unidirectional)
	conn.advance(handler)
	_, ok := conn.PollStreamEvent()
	assert.False(t, ok, "a failed session must not surface stream events")
}

func TestWaitingStateDirectionalityMismatch(t *testing.T) {
	inner := newFakeConn(transport.Server)
	conn := newConnection(inner, 1, discardLogger())
	conn.begin()
	require.Equal(t, stateServerWaitSettingsStream, conn.state)

	// peer opens a bidirectional stream where the unidirectional settings
	// stream was expected
	inner.pushPeerStream(transport.Bidirectional)

	handler := &recordingHandler{}
	conn.advance(handler)

	assert.Equal(t, stateFailed, conn.state)
	assert.True(t, inner.disconnected, "a failed handshake must tear down the inner connection")
	assert.Empty(t, handler.connected)
}

func TestMidHandshakeDisconnectSuppressed(t *testing.T) {
	fake := &fakeEndpoint{conns: make(map[transport.ConnectionID]transport.Connection)}
	fake.conns[1] = newFakeConn(transport.Server)
	endpoint := New(fake, Config{})
	handler := &recordingHandler{accept: true}

	fake.script = func(h transport.EndpointEventHandler) { h.Connected(1) }
	endpoint.Update(handler)
	assert.Empty(t, handler.connected, "inner connected must not be surfaced before the handshake")

	fake.script = func(h transport.EndpointEventHandler) { h.Disconnected(1) }
	endpoint.Update(handler)
	assert.Empty(t, handler.disconnected, "mid-handshake disconnect must be suppressed")

	_, ok := endpoint.Connection(1)
	assert.False(t, ok, "lost connection must be discarded")
}

func TestPostHandshakeDisconnectForwarded(t *testing.T) {
	client, server, clientHand, serverHand, serverAddr := newSessionPair(t)

	clientID, _, err := client.Connect(transport.ConnectDescription{Remote: serverAddr})
	require.NoError(t, err)

	for i := 0; i < 20 && (len(clientHand.connected) == 0 || len(serverHand.connected) == 0); i++ {
		client.Update(clientHand)
		server.Update(serverHand)
	}
	require.Len(t, clientHand.connected, 1)

	require.NoError(t, client.Disconnect(clientID))
	for i := 0; i < 10 && (len(clientHand.disconnected) == 0 || len(serverHand.disconnected) == 0); i++ {
		client.Update(clientHand)
		server.Update(serverHand)
	}
	assert.Equal(t, []transport.ConnectionID{clientID}, clientHand.disconnected)
	assert.Len(t, serverHand.disconnected, 1)
}
