package main

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/pollmux/pollmux/quicpoll"
	"github.com/pollmux/pollmux/quicpoll/memengine"
	"github.com/pollmux/pollmux/quicpoll/udpsock"
	"github.com/pollmux/pollmux/tagstream"
	"github.com/pollmux/pollmux/transport"
	"github.com/pollmux/pollmux/webtransport"
)

var loopbackMessage string

var loopbackCmd = &cobra.Command{
	Use:   "loopback",
	Short: "Run a client/server pair in process over in-memory sockets.",
	Long:  `loopback drives both ends of a session in lockstep over an in-memory socket pair: the session handshake runs first, then the client delivers a message to the server on a tagged stream. No network is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoopback()
	},
}

func init() {
	loopbackCmd.Flags().StringVarP(&loopbackMessage, "message", "m", "ping", "message to round-trip")
}

type loopbackHandler struct {
	accept    bool
	connected []transport.ConnectionID
}

func (h *loopbackHandler) ConnectionRequest(transport.Incoming) bool { return h.accept }
func (h *loopbackHandler) Connected(id transport.ConnectionID) {
	h.connected = append(h.connected, id)
}
func (h *loopbackHandler) Disconnected(transport.ConnectionID) {}

func runLoopback() error {
	logger := slog.Default()

	registry := tagstream.NewRegistry()
	echoTag := registry.Register("echo")

	serverAddr := netip.MustParseAddrPort("127.0.0.1:1")
	clientAddr := netip.MustParseAddrPort("127.0.0.1:2")
	serverSock, clientSock := udpsock.NewMemPair(serverAddr, clientAddr)

	serverInner, err := quicpoll.New(memengine.New(memengine.Config{Server: true}), quicpoll.Config{Socket: serverSock, Logger: logger})
	if err != nil {
		return err
	}
	defer serverInner.Close()
	clientInner, err := quicpoll.New(memengine.New(memengine.Config{}), quicpoll.Config{Socket: clientSock, Logger: logger})
	if err != nil {
		return err
	}
	defer clientInner.Close()

	server := webtransport.New(serverInner, webtransport.Config{Logger: logger})
	client := webtransport.New(clientInner, webtransport.Config{Logger: logger})

	clientHand := &loopbackHandler{}
	serverHand := &loopbackHandler{accept: true}
	tick := func() {
		client.Update(clientHand)
		server.Update(serverHand)
	}

	_, clientConn, err := client.Connect(transport.ConnectDescription{Remote: serverAddr})
	if err != nil {
		return err
	}
	for i := 0; i < 100 && (len(clientHand.connected) == 0 || len(serverHand.connected) == 0); i++ {
		tick()
	}
	if len(serverHand.connected) == 0 {
		return fmt.Errorf("loopback pair never connected")
	}
	serverConn, _ := server.Connection(serverHand.connected[0])

	// client: open a tagged stream and send the message once it is ready
	pending, ok := tagstream.Open(clientConn, transport.OpenDescription{Dir: transport.Unidirectional}, echoTag)
	if !ok {
		return fmt.Errorf("could not open the tagged stream")
	}

	headers := tagstream.NewHeaders(logger)
	message := []byte(loopbackMessage)
	taggedStreams := make(map[transport.StreamID]struct{})
	var (
		stream   transport.StreamID
		ready    bool
		unsent   []byte
		received []byte
	)
	for i := 0; i < 100 && len(received) < len(message); i++ {
		if !ready {
			if id, ok := pending.Ready(clientConn); ok {
				stream = id
				ready = true
				unsent = message
			}
		}
		if ready && len(unsent) > 0 {
			send, ok := clientConn.SendStream(stream)
			if !ok {
				return fmt.Errorf("tagged stream closed")
			}
			n, err := send.Send(unsent)
			unsent = unsent[n:]
			if err != nil && transport.IsFatal(err) {
				return fmt.Errorf("send failed: %w", err)
			}
		}

		tick()

		tagged, _ := headers.Update(serverConn)
		for _, event := range tagged {
			name, _ := registry.Name(event.Tag)
			logger.Info("tagged stream arrived",
				slog.String("channel", name),
				slog.Uint64("stream", uint64(event.StreamID)))
			taggedStreams[event.StreamID] = struct{}{}
		}
		for id := range taggedStreams {
			recv, ok := serverConn.RecvStream(id)
			if !ok {
				continue
			}
			data, err := recv.Recv(32 * 1024)
			if err != nil && transport.IsFatal(err) {
				return fmt.Errorf("receive failed: %w", err)
			}
			received = append(received, data...)
		}
	}

	if string(received) != string(message) {
		return fmt.Errorf("delivery mismatch: sent %q, received %q", message, received)
	}
	fmt.Printf("%s\n", received)
	return nil
}
