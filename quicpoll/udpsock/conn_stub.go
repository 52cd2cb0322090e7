//go:build !unix

package udpsock

import (
	"errors"
	"net/netip"
)

// Listen is unavailable on this platform; only the in-memory sockets from
// NewMemPair can be used.
func Listen(netip.AddrPort) (Conn, error) {
	return nil, errors.New("udpsock: batched UDP sockets are not supported on this platform")
}
