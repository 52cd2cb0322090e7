//go:build unix

package udpsock

import (
	"errors"
	"net"
	"net/netip"
	"os"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// batchReader abstracts ipv4.PacketConn and ipv6.PacketConn, which expose
// identical ReadBatch signatures but share no interface.
type batchReader interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

type ipv6batch struct{ pc *ipv6.PacketConn }

func (b ipv6batch) ReadBatch(ms []ipv4.Message, flags int) (int, error) {
	v6 := make([]ipv6.Message, len(ms))
	for i := range ms {
		v6[i] = ipv6.Message(ms[i])
	}
	n, err := b.pc.ReadBatch(v6, flags)
	for i := 0; i < n; i++ {
		ms[i] = ipv4.Message(v6[i])
	}
	return n, err
}

type udpConn struct {
	conn    *net.UDPConn
	reader  batchReader
	local   netip.AddrPort
	ipv6    bool
	offload offloadState

	// reusable per-call message and oob storage
	msgs []ipv4.Message
	oobs [][]byte
}

// Listen binds a UDP socket on addr and configures it for batched reads
// with ECN and, where available, GSO/GRO offloads.
func Listen(addr netip.AddrPort) (Conn, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, err
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	isV6 := !local.Addr().Is4() && !local.Addr().Is4In6()

	c := &udpConn{
		conn:  conn,
		local: local,
		ipv6:  isV6,
		msgs:  make([]ipv4.Message, BatchSize),
		oobs:  make([][]byte, BatchSize),
	}
	for i := range c.oobs {
		c.oobs[i] = make([]byte, 128)
	}

	if isV6 {
		c.reader = ipv6batch{pc: ipv6.NewPacketConn(conn)}
	} else {
		c.reader = ipv4.NewPacketConn(conn)
	}

	if err := c.configure(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// configure enables the receive-side control messages and probes offload
// support. Failures to enable optional features are not errors.
func (c *udpConn) configure() error {
	raw, err := c.conn.SyscallConn()
	if err != nil {
		return err
	}
	return raw.Control(func(fd uintptr) {
		if c.ipv6 {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVTCLASS, 1)
		} else {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVTOS, 1)
		}
		c.offload = enableOffloads(int(fd))
	})
}

func (c *udpConn) ReadBatch(bufs [][]byte, metas []Meta) (int, error) {
	count := min(len(bufs), min(len(metas), BatchSize))
	msgs := c.msgs[:count]
	for i := range msgs {
		msgs[i].Buffers = [][]byte{bufs[i]}
		msgs[i].OOB = c.oobs[i]
		msgs[i].Addr = nil
		msgs[i].N = 0
		msgs[i].NN = 0
	}

	n, err := c.reader.ReadBatch(msgs, unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || os.IsTimeout(err) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		m := &msgs[i]
		meta := Meta{Len: m.N, Stride: m.N}
		if addr, ok := m.Addr.(*net.UDPAddr); ok {
			meta.Remote = addr.AddrPort()
		}
		c.parseControl(m.OOB[:m.NN], &meta)
		metas[i] = meta
	}
	return n, nil
}

func (c *udpConn) parseControl(oob []byte, meta *Meta) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for _, cm := range cmsgs {
		switch {
		case cm.Header.Level == unix.IPPROTO_IP && cm.Header.Type == unix.IP_TOS,
			cm.Header.Level == unix.IPPROTO_IPV6 && cm.Header.Type == unix.IPV6_TCLASS:
			if len(cm.Data) > 0 {
				meta.ECN = tosECN(cm.Data[0])
			}
		default:
			parseOffloadControl(cm, meta)
		}
	}
}

func (c *udpConn) Send(payload []byte, dst netip.AddrPort, ecn ECN, segmentSize int) error {
	var oob []byte
	if ecn != NotECT {
		oob = appendTOS(oob, c.ipv6, ecn.tos())
	}
	if segmentSize > 0 && segmentSize < len(payload) {
		oob = appendSegmentSize(oob, segmentSize)
	}

	_, _, err := c.conn.WriteMsgUDPAddrPort(payload, oob, dst)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return ErrWouldBlock
		}
		return err
	}
	return nil
}

func (c *udpConn) LocalAddr() netip.AddrPort { return c.local }

func (c *udpConn) MaxGSOSegments() int {
	if c.offload.gso {
		return maxOffloadSegments
	}
	return 1
}

func (c *udpConn) GROSegments() int {
	if c.offload.gro {
		return maxOffloadSegments
	}
	return 1
}

func (c *udpConn) Close() error { return c.conn.Close() }

// appendTOS appends an IP_TOS / IPV6_TCLASS control message carrying the
// ECN bits.
func appendTOS(oob []byte, v6 bool, tos uint8) []byte {
	if v6 {
		// TCLASS is passed as a 32 bit value
		return appendCmsg(oob, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, []byte{tos, 0, 0, 0})
	}
	return appendCmsg(oob, unix.IPPROTO_IP, unix.IP_TOS, []byte{tos})
}

// appendCmsg appends one socket control message to oob.
func appendCmsg(oob []byte, level, typ int32, data []byte) []byte {
	off := len(oob)
	oob = append(oob, make([]byte, unix.CmsgSpace(len(data)))...)
	hdr := (*unix.Cmsghdr)(ptrAt(oob, off))
	hdr.Level = level
	hdr.Type = typ
	hdr.SetLen(unix.CmsgLen(len(data)))
	copy(oob[off+unix.CmsgLen(0):], data)
	return oob
}
