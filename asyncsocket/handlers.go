package asyncsocket

import "fmt"

// MessageHandler is called once per completed read, on the connection's read
// goroutine. The next read is not issued until it returns, so calls for one
// Connection never overlap. Data and BytesRead describe the bytes received.
type MessageHandler func(c *Connection)

// CloseHandler is called exactly once each time a live Connection is torn
// down, whatever the reason.
type CloseHandler func(c *Connection)

// ErrorHandler is called for reportable faults. c is nil for listener-level
// faults such as bind and accept errors.
type ErrorHandler func(c *Connection, err error)

// AcceptHandler is called once per accepted Connection, after it has been
// registered and before its first read is issued.
type AcceptHandler func(c *Connection)

// Handlers is the callback set of a Connection or Listener. Any field may be
// nil. The set is fixed for the lifetime of a Connection.
type Handlers struct {
	OnMessage MessageHandler
	OnClose   CloseHandler
	OnError   ErrorHandler
	OnAccept  AcceptHandler
}

// recoverHandler turns a handler panic into an error. It must be deferred
// directly.
func recoverHandler(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
	}
}

func (h Handlers) message(c *Connection) (err error) {
	if h.OnMessage == nil {
		return nil
	}

	defer recoverHandler(&err)
	h.OnMessage(c)
	return nil
}

func (h Handlers) accept(c *Connection) (err error) {
	if h.OnAccept == nil {
		return nil
	}

	defer recoverHandler(&err)
	h.OnAccept(c)
	return nil
}

func (h Handlers) close(c *Connection) (err error) {
	if h.OnClose == nil {
		return nil
	}

	defer recoverHandler(&err)
	h.OnClose(c)
	return nil
}

// report hands err to the error handler. A panicking error handler is
// returned as an error so the caller can log it; it is never re-reported.
func (h Handlers) report(c *Connection, err error) (panicErr error) {
	if h.OnError == nil || err == nil {
		return nil
	}

	defer recoverHandler(&panicErr)
	h.OnError(c, err)
	return nil
}
