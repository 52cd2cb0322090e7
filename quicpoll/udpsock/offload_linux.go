//go:build linux

package udpsock

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// maxOffloadSegments matches the kernel's UDP_MAX_SEGMENTS.
const maxOffloadSegments = 64

type offloadState struct {
	gso bool
	gro bool
}

// enableOffloads probes GSO support and enables GRO on the socket.
func enableOffloads(fd int) offloadState {
	var st offloadState
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_UDP, unix.UDP_SEGMENT, 0); err == nil {
		st.gso = true
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_UDP, unix.UDP_GRO, 1); err == nil {
		st.gro = true
	}
	return st
}

// parseOffloadControl extracts the GRO segment size from a UDP_GRO control
// message.
func parseOffloadControl(cm unix.SocketControlMessage, meta *Meta) {
	if cm.Header.Level == unix.SOL_UDP && cm.Header.Type == unix.UDP_GRO && len(cm.Data) >= 4 {
		if stride := int(binary.NativeEndian.Uint32(cm.Data)); stride > 0 {
			meta.Stride = stride
		}
	}
}

// appendSegmentSize appends a UDP_SEGMENT control message requesting GSO
// with the given segment size.
func appendSegmentSize(oob []byte, segmentSize int) []byte {
	data := make([]byte, 2)
	binary.NativeEndian.PutUint16(data, uint16(segmentSize))
	return appendCmsg(oob, unix.SOL_UDP, unix.UDP_SEGMENT, data)
}
