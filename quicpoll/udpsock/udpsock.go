// Package udpsock provides non-blocking, batched UDP datagram sockets for
// the quicpoll endpoint.
//
// On Linux the socket uses recvmmsg/sendmmsg through golang.org/x/net with
// ECN marking, generic segmentation offload (GSO) on the send path and
// generic receive offload (GRO) on the receive path. Other platforms fall
// back to single-datagram I/O without offloads. The in-memory
// implementation returned by NewMemPair carries datagrams between two
// sockets in process and is intended for tests and loopback tooling.
package udpsock

import (
	"errors"
	"net/netip"
)

// BatchSize is the number of datagrams read per socket call.
const BatchSize = 16

// ErrWouldBlock reports that no datagram was queued on the socket. It ends
// the endpoint's receive phase for the current tick.
var ErrWouldBlock = errors.New("udpsock: would block")

// ECN is the congestion notification codepoint on a datagram's IP header.
// The zero value means unmarked.
type ECN uint8

const (
	NotECT ECN = iota
	ECT0
	ECT1
	CE
)

// tosECN extracts the ECN codepoint from a TOS/TCLASS byte.
func tosECN(tos uint8) ECN {
	switch tos & 0x3 {
	case 0b10:
		return ECT0
	case 0b01:
		return ECT1
	case 0b11:
		return CE
	default:
		return NotECT
	}
}

// tos returns the TOS/TCLASS bits for an ECN codepoint.
func (e ECN) tos() uint8 {
	switch e {
	case ECT0:
		return 0b10
	case ECT1:
		return 0b01
	case CE:
		return 0b11
	default:
		return 0
	}
}

// Meta describes one datagram returned by ReadBatch.
type Meta struct {
	// Len is the number of payload bytes written into the buffer.
	Len int
	// Remote is the sender's address.
	Remote netip.AddrPort
	// Dst is the local destination IP the datagram arrived on, when the
	// platform reports it.
	Dst netip.Addr
	// ECN is the datagram's congestion marking.
	ECN ECN
	// Stride is the GRO segment length. A datagram whose Len exceeds
	// Stride is a coalesced batch of Stride-sized packets (the last one
	// possibly shorter). Stride equals Len when no coalescing happened.
	Stride int
}

// Conn is a non-blocking datagram socket.
type Conn interface {
	// ReadBatch fills up to min(len(bufs), len(metas)) datagrams into
	// bufs and returns how many were read. It fails with ErrWouldBlock
	// when the socket has nothing queued.
	ReadBatch(bufs [][]byte, metas []Meta) (int, error)

	// Send transmits payload to dst with the given ECN marking. A
	// payload longer than segmentSize is segmented by GSO when the
	// platform supports it; segmentSize <= 0 sends a single datagram.
	Send(payload []byte, dst netip.AddrPort, ecn ECN, segmentSize int) error

	// LocalAddr returns the bound address.
	LocalAddr() netip.AddrPort

	// MaxGSOSegments returns how many segments one Send may carry.
	MaxGSOSegments() int

	// GROSegments returns how many segments one received datagram may
	// coalesce.
	GROSegments() int

	Close() error
}
