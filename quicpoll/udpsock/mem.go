package udpsock

import (
	"net"
	"net/netip"
	"sync"
)

type memDatagram struct {
	payload []byte
	remote  netip.AddrPort
	ecn     ECN
	stride  int
}

// memConn is one end of an in-memory socket pair.
type memConn struct {
	local netip.AddrPort
	peer  *memConn

	mu     sync.Mutex
	queue  []memDatagram
	closed bool
}

// NewMemPair returns two connected in-memory sockets with the given
// addresses. Datagrams sent to the peer's address are delivered reliably
// and in order; datagrams addressed anywhere else are dropped, matching
// UDP's lack of delivery guarantees.
func NewMemPair(a, b netip.AddrPort) (Conn, Conn) {
	ca := &memConn{local: a}
	cb := &memConn{local: b}
	ca.peer = cb
	cb.peer = ca
	return ca, cb
}

func (c *memConn) ReadBatch(bufs [][]byte, metas []Meta) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if len(c.queue) == 0 {
		return 0, ErrWouldBlock
	}

	n := 0
	for n < len(bufs) && n < len(metas) && len(c.queue) > 0 {
		d := c.queue[0]
		if len(d.payload) > len(bufs[n]) {
			// buffer too small for this datagram, truncate like the kernel would
			d.payload = d.payload[:len(bufs[n])]
		}
		c.queue = c.queue[1:]

		copy(bufs[n], d.payload)
		metas[n] = Meta{
			Len:    len(d.payload),
			Remote: d.remote,
			ECN:    d.ecn,
			Stride: d.stride,
		}
		n++
	}
	return n, nil
}

func (c *memConn) Send(payload []byte, dst netip.AddrPort, ecn ECN, segmentSize int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.mu.Unlock()

	if dst != c.peer.local {
		// no route: dropped, as UDP would
		return nil
	}

	stride := len(payload)
	if segmentSize > 0 && segmentSize < stride {
		stride = segmentSize
	}

	d := memDatagram{
		payload: append([]byte(nil), payload...),
		remote:  c.local,
		ecn:     ecn,
		stride:  stride,
	}

	c.peer.mu.Lock()
	defer c.peer.mu.Unlock()
	if !c.peer.closed {
		c.peer.queue = append(c.peer.queue, d)
	}
	return nil
}

func (c *memConn) LocalAddr() netip.AddrPort { return c.local }

func (c *memConn) MaxGSOSegments() int { return maxMemSegments }

func (c *memConn) GROSegments() int { return maxMemSegments }

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.queue = nil
	return nil
}

const maxMemSegments = 64
