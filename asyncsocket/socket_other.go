//go:build !linux

package asyncsocket

import (
	"net"
	"syscall"
)

// socketAlive reports whether conn still holds an open OS socket.
func socketAlive(conn net.Conn) bool {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return true
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}

	return raw.Control(func(uintptr) {}) == nil
}
