package quicpoll

import (
	"log/slog"
	"net/netip"

	"github.com/pollmux/pollmux/quicpoll/udpsock"
)

// Config configures an Endpoint.
type Config struct {
	// Bind is the local address to bind a UDP socket on. Ignored when
	// Socket is set. Clients typically bind a wildcard address and
	// port 0.
	Bind netip.AddrPort

	// Socket overrides the UDP socket, e.g. with one half of
	// udpsock.NewMemPair for in-process endpoints.
	Socket udpsock.Conn

	// Logger receives the endpoint's structured logs. Defaults to a
	// discarding logger.
	Logger *slog.Logger
}
