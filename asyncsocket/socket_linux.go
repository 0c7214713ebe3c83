//go:build linux

package asyncsocket

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Kernel TCP states from include/net/tcp_states.h.
const (
	tcpEstablished = 1
	tcpCloseWait   = 8
)

// socketAlive asks the kernel whether conn is still connected. CLOSE_WAIT
// counts as connected: the peer has finished sending but unread data may
// remain and our side is still open.
func socketAlive(conn net.Conn) bool {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return true
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}

	alive := false
	err = raw.Control(func(fd uintptr) {
		info, err := unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
		if err != nil {
			return
		}

		alive = info.State == tcpEstablished || info.State == tcpCloseWait
	})

	return err == nil && alive
}
