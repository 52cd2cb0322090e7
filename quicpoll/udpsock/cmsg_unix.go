//go:build unix

package udpsock

import "unsafe"

func ptrAt(b []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&b[off])
}
