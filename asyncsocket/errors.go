package asyncsocket

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrDisposed is returned by Connect after the Connection was disposed.
	ErrDisposed = errors.New("connection is disposed")
	// ErrNotReadable is returned by Receive when there is no live stream.
	ErrNotReadable = errors.New("connection stream is not readable")
	// ErrNotWritable is returned by the Send family when there is no live stream.
	ErrNotWritable = errors.New("connection stream is not writable")
	// ErrReadPending is returned by Receive while a read is already in flight.
	ErrReadPending = errors.New("a read is already in flight")
	// ErrConnectFailed wraps dial and socket tuning failures.
	ErrConnectFailed = errors.New("connect failed")
	// ErrListenerFailed wraps bind failures and faults that stop the accept loop.
	ErrListenerFailed = errors.New("listener failed")
	// ErrAcceptFailed wraps a single failed accept; the listener keeps running.
	ErrAcceptFailed = errors.New("accept failed")
	// ErrAcceptRecovered is reported right after ErrAcceptFailed to tell the
	// consumer the accept loop carried on.
	ErrAcceptRecovered = errors.New("accept loop recovered and keeps accepting")
	// ErrNilConnection is reported when a nil Connection is passed to the Listener.
	ErrNilConnection = errors.New("nil connection")
	// ErrHandlerPanic wraps a panic raised by a consumer handler.
	ErrHandlerPanic = errors.New("handler panicked")
	// ErrWriteQueueFull is returned by the Send family, and reported, when a
	// peer stops reading and MaxPendingWrites writes are already queued. The
	// connection is torn down.
	ErrWriteQueueFull = errors.New("write queue full")
	// ErrWriteTimeout is reported when a queued write does not complete
	// within WriteTimeout. The connection is torn down.
	ErrWriteTimeout = errors.New("write timed out")
	// ErrListenerStopping is returned by Start while Stop is still running.
	ErrListenerStopping = errors.New("listener is stopping")

	errWriteQueueClosed = errors.New("write queue closed")
)

// isExpectedChurn reports whether err is ordinary connection churn rather
// than a fault worth surfacing: the peer closed or reset the connection, or
// the socket was closed locally while an operation was in flight. Churn still
// tears the connection down and fires the close handler, it just never
// reaches the error handler.
func isExpectedChurn(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return true
	default:
		return false
	}
}
