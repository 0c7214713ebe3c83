package asyncsocket

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
)

// tune applies the socket options every connected socket carries: OS
// receive and send buffers sized to the raw buffer, keep-alive on, no
// linger on close and Nagle's algorithm off. Connections that are not TCP
// (for example in-memory pipes) are left alone.
func tune(conn net.Conn, bufferSize int) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	return errors.Join(
		tcp.SetReadBuffer(bufferSize),
		tcp.SetWriteBuffer(bufferSize),
		tcp.SetKeepAlive(true),
		tcp.SetLinger(-1),
		tcp.SetNoDelay(true),
	)
}

// socketHandle returns the OS handle of conn, used as the registry index.
func socketHandle(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("%T exposes no OS socket", conn)
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	handle := -1
	if err := raw.Control(func(fd uintptr) {
		handle = int(fd)
	}); err != nil {
		return -1, err
	}

	return handle, nil
}

// peerOf splits the remote address of conn into host and port.
func peerOf(conn net.Conn) (string, int) {
	addr := conn.RemoteAddr()
	if addr == nil {
		return "", 0
	}

	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}

	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}

	p, _ := strconv.Atoi(port)
	return host, p
}
