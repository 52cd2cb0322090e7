//go:build unix && !linux

package udpsock

import "golang.org/x/sys/unix"

const maxOffloadSegments = 1

type offloadState struct {
	gso bool
	gro bool
}

func enableOffloads(int) offloadState { return offloadState{} }

func parseOffloadControl(unix.SocketControlMessage, *Meta) {}

func appendSegmentSize(oob []byte, _ int) []byte { return oob }
