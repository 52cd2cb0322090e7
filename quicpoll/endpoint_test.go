package quicpoll

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pollmux/pollmux/quicpoll/engine"
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

type testPair struct {
	server, client         *Endpoint
	serverHand, clientHand *recordingHandler
	serverAddr, clientAddr netip.AddrPort
}

func newTestPair(t *testing.T, cfg memengine.Config) *testPair {
	t.Helper()

	serverAddr := netip.MustParseAddrPort("127.0.0.1:4430")
	clientAddr := netip.MustParseAddrPort("127.0.0.1:4431")
	serverSock, clientSock := udpsock.NewMemPair(serverAddr, clientAddr)

	serverCfg := cfg
	serverCfg.Server = true
	clientCfg := cfg
	clientCfg.Server = false

	server, err := New(memengine.New(serverCfg), Config{Socket: serverSock})
	require.NoError(t, err)
	client, err := New(memengine.New(clientCfg), Config{Socket: clientSock})
	require.NoError(t, err)

	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	return &testPair{
		server:     server,
		client:     client,
		serverHand: &recordingHandler{accept: true},
		clientHand: &recordingHandler{accept: false},
		serverAddr: serverAddr,
		clientAddr: clientAddr,
	}
}

// tick runs one update on each endpoint, client first.
func (p *testPair) tick() {
	p.client.Update(p.clientHand)
	p.server.Update(p.serverHand)
}

// connect establishes a connection and returns both sides.
func (p *testPair) connect(t *testing.T) (clientConn, serverConn transport.Connection) {
	t.Helper()

	_, conn, err := p.client.Connect(transport.ConnectDescription{Remote: p.serverAddr})
	require.NoError(t, err)
	clientConn = conn

	for i := 0; i < 10 && (len(p.clientHand.connected) == 0 || len(p.serverHand.connected) == 0); i++ {
		p.tick()
	}
	require.Len(t, p.clientHand.connected, 1, "client never connected")
	require.Len(t, p.serverHand.connected, 1, "server never connected")

	serverConn, ok := p.server.Connection(p.serverHand.connected[0])
	require.True(t, ok)
	return clientConn, serverConn
}

func drainEvents(conn transport.Connection) []transport.StreamEvent {
	var events []transport.StreamEvent
	for {
		event, ok := conn.PollStreamEvent()
		if !ok {
			return events
		}
		events = append(events, event)
	}
}

func TestEndpointConnectAndEcho(t *testing.T) {
	p := newTestPair(t, memengine.Config{})
	clientConn, serverConn := p.connect(t)

	assert.Equal(t, transport.Client, clientConn.Stats().Side)
	assert.Equal(t, transport.Server, serverConn.Stats().Side)

	id, ok := clientConn.OpenStream(transport.OpenDescription{Dir: transport.Bidirectional})
	require.True(t, ok)

	send, ok := clientConn.SendStream(id)
	require.True(t, ok)
	payload := []byte("over the wire and back")
	n, err := send.Send(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	p.tick()

	events := drainEvents(serverConn)
	require.Len(t, events, 2)
	assert.Equal(t, transport.NewRecvStream, events[0].Type)
	assert.Equal(t, transport.NewSendStream, events[1].Type)
	assert.True(t, events[0].PeerGenerated)
	assert.Equal(t, id, events[0].StreamID)
	assert.Equal(t, transport.Bidirectional, events[0].StreamID.Dir())
	assert.Equal(t, transport.Client, events[0].StreamID.Initiator())

	recv, ok := serverConn.RecvStream(id)
	require.True(t, ok)
	got, err := recv.Recv(1024)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	echo, ok := serverConn.SendStream(id)
	require.True(t, ok)
	_, err = echo.Send(got)
	require.NoError(t, err)

	p.tick()
	p.tick()

	back, ok := clientConn.RecvStream(id)
	require.True(t, ok)
	got, err = back.Recv(1024)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEndpointRefusesDeclinedConnection(t *testing.T) {
	p := newTestPair(t, memengine.Config{})
	p.serverHand.accept = false

	id, _, err := p.client.Connect(transport.ConnectDescription{Remote: p.serverAddr})
	require.NoError(t, err)

	for i := 0; i < 10 && len(p.clientHand.disconnected) == 0; i++ {
		p.tick()
	}
	require.Equal(t, []transport.ConnectionID{id}, p.clientHand.disconnected)
	assert.Empty(t, p.serverHand.connected)

	_, ok := p.client.Connection(id)
	assert.False(t, ok, "lost connection should be removed")
}

func TestOpenStreamEvents(t *testing.T) {
	p := newTestPair(t, memengine.Config{})
	clientConn, _ := p.connect(t)

	tests := map[string]struct {
		dir  transport.Direction
		want []transport.StreamEventType
	}{
		"bidirectional": {
			dir:  transport.Bidirectional,
			want: []transport.StreamEventType{transport.NewSendStream, transport.NewRecvStream},
		},
		"unidirectional": {
			dir:  transport.Unidirectional,
			want: []transport.StreamEventType{transport.NewSendStream},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			id, ok := clientConn.OpenStream(transport.OpenDescription{Dir: tt.dir})
			require.True(t, ok)
			assert.Equal(t, tt.dir, id.Dir())

			events := drainEvents(clientConn)
			require.Len(t, events, len(tt.want))
			for i, typ := range tt.want {
				assert.Equal(t, typ, events[i].Type)
				assert.Equal(t, id, events[i].StreamID)
				assert.False(t, events[i].PeerGenerated, "locally opened stream must not be peer generated")
			}

			_, ok = clientConn.SendStream(id)
			assert.True(t, ok)
			_, ok = clientConn.RecvStream(id)
			assert.Equal(t, tt.dir == transport.Bidirectional, ok)
		})
	}
}

func TestSendStreamCloseEmitsEvent(t *testing.T) {
	p := newTestPair(t, memengine.Config{})
	clientConn, _ := p.connect(t)

	id, ok := clientConn.OpenStream(transport.OpenDescription{Dir: transport.Unidirectional})
	require.True(t, ok)
	drainEvents(clientConn)

	send, ok := clientConn.SendStream(id)
	require.True(t, ok)
	require.NoError(t, send.Close(transport.CloseDescription{}))

	assert.False(t, send.IsOpen())
	_, ok = clientConn.SendStream(id)
	assert.False(t, ok)

	events := drainEvents(clientConn)
	require.Len(t, events, 1)
	assert.Equal(t, transport.ClosedSendStream, events[0].Type)
	assert.False(t, events[0].PeerGenerated)

	err := send.Close(transport.CloseDescription{})
	assert.ErrorIs(t, err, transport.ErrNoStream)
}

func TestBlockedSendResumesAfterConsume(t *testing.T) {
	p := newTestPair(t, memengine.Config{StreamWindow: 8})
	clientConn, serverConn := p.connect(t)

	id, ok := clientConn.OpenStream(transport.OpenDescription{Dir: transport.Unidirectional})
	require.True(t, ok)
	send, ok := clientConn.SendStream(id)
	require.True(t, ok)

	payload := []byte("0123456789abcdef")
	n, err := send.Send(payload)
	require.NoError(t, err)
	require.Equal(t, 8, n, "send should stop at the stream window")

	_, err = send.Send(payload[n:])
	require.ErrorIs(t, err, transport.ErrBlocked)
	assert.False(t, transport.IsFatal(err), "blocked must be retryable")
	assert.True(t, send.IsOpen())

	p.tick()
	recv, ok := serverConn.RecvStream(id)
	require.True(t, ok)
	got, err := recv.Recv(1024)
	require.NoError(t, err)
	require.Equal(t, payload[:8], got)

	// consuming data returns credit to the sender
	p.tick()
	p.tick()

	n, err = send.Send(payload[8:])
	require.NoError(t, err)
	require.Equal(t, 8, n)

	p.tick()
	got, err = recv.Recv(1024)
	require.NoError(t, err)
	assert.Equal(t, payload[8:], got)
}

func TestRecvFinished(t *testing.T) {
	p := newTestPair(t, memengine.Config{})
	clientConn, serverConn := p.connect(t)

	id, _ := clientConn.OpenStream(transport.OpenDescription{Dir: transport.Unidirectional})
	send, _ := clientConn.SendStream(id)
	_, err := send.Send([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, send.Close(transport.CloseDescription{}))

	p.tick()
	drainEvents(serverConn)

	recv, ok := serverConn.RecvStream(id)
	require.True(t, ok)
	got, err := recv.Recv(1024)
	require.NoError(t, err)
	assert.Equal(t, []byte("last words"), got)

	_, err = recv.Recv(1024)
	require.ErrorIs(t, err, transport.ErrFinished)
	assert.False(t, transport.IsFatal(err))
	assert.False(t, recv.IsOpen())

	events := drainEvents(serverConn)
	require.Len(t, events, 1)
	assert.Equal(t, transport.ClosedRecvStream, events[0].Type)
	assert.True(t, events[0].PeerGenerated)
}

func TestRecvReset(t *testing.T) {
	p := newTestPair(t, memengine.Config{})
	clientConn, serverConn := p.connect(t)

	id, _ := clientConn.OpenStream(transport.OpenDescription{Dir: transport.Unidirectional})
	send, _ := clientConn.SendStream(id)
	require.NoError(t, send.Close(transport.CloseDescription{Reset: true, ErrorCode: 7}))

	p.tick()
	drainEvents(serverConn)

	recv, ok := serverConn.RecvStream(id)
	require.True(t, ok)
	_, err := recv.Recv(1024)
	require.ErrorIs(t, err, transport.ErrReset)
	assert.True(t, transport.IsFatal(err))
	assert.False(t, recv.IsOpen())
}

func TestDisconnectReportsBothSides(t *testing.T) {
	p := newTestPair(t, memengine.Config{})
	p.connect(t)

	clientID := p.clientHand.connected[0]
	serverID := p.serverHand.connected[0]
	require.NoError(t, p.client.Disconnect(clientID))

	for i := 0; i < 10 && len(p.serverHand.disconnected) == 0; i++ {
		p.tick()
	}
	assert.Equal(t, []transport.ConnectionID{clientID}, p.clientHand.disconnected)
	assert.Equal(t, []transport.ConnectionID{serverID}, p.serverHand.disconnected)

	_, ok := p.client.Connection(clientID)
	assert.False(t, ok)
	_, ok = p.server.Connection(serverID)
	assert.False(t, ok)

	assert.ErrorIs(t, p.client.Disconnect(clientID), transport.ErrNoConnection)
}

func TestStreamsCoalescedWithHandshakeArrive(t *testing.T) {
	p := newTestPair(t, memengine.Config{})

	_, clientConn, err := p.client.Connect(transport.ConnectDescription{Remote: p.serverAddr})
	require.NoError(t, err)

	// open and write before the first tick so these frames share their
	// datagram with the handshake
	id, ok := clientConn.OpenStream(transport.OpenDescription{Dir: transport.Unidirectional})
	require.True(t, ok)
	send, ok := clientConn.SendStream(id)
	require.True(t, ok)
	payload := []byte("sent before the first tick")
	n, err := send.Send(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	for i := 0; i < 10 && len(p.serverHand.connected) == 0; i++ {
		p.tick()
	}
	require.Len(t, p.serverHand.connected, 1)
	serverConn, ok := p.server.Connection(p.serverHand.connected[0])
	require.True(t, ok)

	events := drainEvents(serverConn)
	require.Len(t, events, 1, "stream opened alongside the handshake must not be lost")
	assert.Equal(t, transport.NewRecvStream, events[0].Type)
	assert.Equal(t, id, events[0].StreamID)

	recv, ok := serverConn.RecvStream(id)
	require.True(t, ok)
	got, err := recv.Recv(1024)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestConnectionEventForUnknownHandleIsDropped(t *testing.T) {
	p := newTestPair(t, memengine.Config{})
	p.connect(t)

	// events addressed to a handle the endpoint never saw are logged and
	// dropped, not delivered or escalated
	p.server.processDatagramEvent(engine.ConnectionEvent{Handle: 99}, p.serverHand)

	assert.Len(t, p.serverHand.connected, 1)
	assert.Empty(t, p.serverHand.disconnected)
	_, ok := p.server.Connection(99)
	assert.False(t, ok)
}
