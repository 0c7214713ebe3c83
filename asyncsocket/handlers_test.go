package asyncsocket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlers_nil_fields(t *testing.T) {
	var h Handlers
	c := NewConnection(DefaultConnectionConfig(), h)

	assert.NoError(t, h.message(c))
	assert.NoError(t, h.accept(c))
	assert.NoError(t, h.close(c))
	assert.NoError(t, h.report(c, errors.New("ignored")))
}

func TestHandlers_panic_becomes_error(t *testing.T) {
	boom := func(*Connection) { panic("boom") }
	h := Handlers{
		OnMessage: boom,
		OnAccept:  boom,
		OnClose:   boom,
		OnError:   func(*Connection, error) { panic("boom") },
	}

	for name, call := range map[string]func() error{
		"message": func() error { return h.message(nil) },
		"accept":  func() error { return h.accept(nil) },
		"close":   func() error { return h.close(nil) },
		"report":  func() error { return h.report(nil, errors.New("x")) },
	} {
		t.Run(name, func(t *testing.T) {
			err := call()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrHandlerPanic)
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

func TestHandlers_report_skips_nil_error(t *testing.T) {
	called := false
	h := Handlers{OnError: func(*Connection, error) { called = true }}

	assert.NoError(t, h.report(nil, nil))
	assert.False(t, called)
}

func TestIsExpectedChurn(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"closed", net.ErrClosed, true},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"aborted", syscall.ECONNABORTED, true},
		{"broken pipe", &net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)}, true},
		{"timeout", os.ErrDeadlineExceeded, false},
		{"refused", syscall.ECONNREFUSED, false},
		{"other", errors.New("disk on fire"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isExpectedChurn(tt.err))
		})
	}
}
