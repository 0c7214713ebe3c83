package asyncsocket

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
	}

	var zero T
	return zero
}

// errorLog collects everything passed to an ErrorHandler.
type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (e *errorLog) handler(_ *Connection, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *errorLog) all() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func copyData(c *Connection) []byte {
	return append([]byte(nil), c.Data()...)
}

func startListener(t *testing.T, cfg ListenerConfig, h Handlers) (*Listener, int) {
	t.Helper()

	l := NewListener(cfg)
	require.NoError(t, l.Start("127.0.0.1", 0, 4096, 4096, h))
	t.Cleanup(l.Stop)

	return l, l.Addr().(*net.TCPAddr).Port
}

func dialRaw(t *testing.T, port int) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}
