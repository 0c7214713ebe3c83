package asyncsocket

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyListener fails the first failures Accept calls.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (f *flakyListener) Accept() (net.Conn, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("transient accept failure")
	}

	return f.Listener.Accept()
}

// panickingListener panics on its first Accept.
type panickingListener struct {
	net.Listener
}

func (p *panickingListener) Accept() (net.Conn, error) {
	panic("accept exploded")
}

func TestListener_Start(t *testing.T) {
	t.Run("binds an ephemeral port", func(t *testing.T) {
		l, port := startListener(t, DefaultListenerConfig(), Handlers{})
		assert.NotZero(t, port)
		assert.True(t, l.Started())
		assert.True(t, l.Accepting())
	})

	t.Run("second start is a no-op", func(t *testing.T) {
		l, _ := startListener(t, DefaultListenerConfig(), Handlers{})
		addr := l.Addr().String()
		require.NoError(t, l.Start("127.0.0.1", 0, 4096, 4096, Handlers{}))
		assert.Equal(t, addr, l.Addr().String())
	})

	t.Run("bind failure is returned and reported", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer func() { _ = busy.Close() }()

		errs := &errorLog{}
		l := NewListener(DefaultListenerConfig())
		err = l.Start("127.0.0.1", busy.Addr().(*net.TCPAddr).Port, 4096, 4096, Handlers{OnError: errs.handler})
		assert.ErrorIs(t, err, ErrListenerFailed)
		require.Len(t, errs.all(), 1)
		assert.ErrorIs(t, errs.all()[0], ErrListenerFailed)
		assert.False(t, l.Started())
		assert.Nil(t, l.Addr())
	})
}

func TestListener_Stop(t *testing.T) {
	t.Run("stop on a stopped listener is a no-op", func(t *testing.T) {
		l := NewListener(DefaultListenerConfig())
		assert.NotPanics(t, l.Stop)
	})

	t.Run("disposes every connection and allows restart", func(t *testing.T) {
		accepted := make(chan *Connection, 4)
		var closes atomic.Int32
		l, port := startListener(t, DefaultListenerConfig(), Handlers{
			OnAccept: func(c *Connection) { accepted <- c },
			OnClose:  func(*Connection) { closes.Add(1) },
		})

		raws := []net.Conn{dialRaw(t, port), dialRaw(t, port)}
		first := waitFor(t, accepted)
		second := waitFor(t, accepted)
		require.Equal(t, 2, l.Count())

		l.Stop()

		assert.Equal(t, 0, l.Count())
		assert.Equal(t, int32(2), closes.Load())
		assert.True(t, first.Disposed())
		assert.True(t, second.Disposed())
		assert.False(t, l.Started())
		assert.False(t, l.Accepting())
		assert.Nil(t, l.Addr())

		for _, raw := range raws {
			_ = raw.SetReadDeadline(time.Now().Add(waitTimeout))
			_, err := raw.Read(make([]byte, 1))
			assert.ErrorIs(t, err, io.EOF)
		}

		require.NoError(t, l.Start("127.0.0.1", 0, 4096, 4096, Handlers{
			OnAccept: func(c *Connection) { accepted <- c },
		}))
		dialRaw(t, l.Addr().(*net.TCPAddr).Port)
		waitFor(t, accepted)
		assert.Equal(t, 1, l.Count())
	})
}

func TestListener_accept_handler_runs_before_first_read(t *testing.T) {
	var sessions sync.Map
	results := make(chan bool, 1)

	_, port := startListener(t, DefaultListenerConfig(), Handlers{
		OnAccept: func(c *Connection) { sessions.Store(c.Key(), true) },
		OnMessage: func(c *Connection) {
			_, ok := sessions.Load(c.Key())
			results <- ok
		},
	})

	raw := dialRaw(t, port)
	_, err := raw.Write([]byte("bind"))
	require.NoError(t, err)
	assert.True(t, waitFor(t, results))
}

func TestListener_registry_consistency(t *testing.T) {
	const n = 20
	const m = 8

	accepted := make(chan *Connection, n)
	l, port := startListener(t, DefaultListenerConfig(), Handlers{
		OnAccept: func(c *Connection) { accepted <- c },
	})

	for i := 0; i < n; i++ {
		dialRaw(t, port)
	}

	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		conns = append(conns, waitFor(t, accepted))
	}
	require.Equal(t, n, l.Count())

	removed, kept := conns[:m], conns[m:]
	var wg sync.WaitGroup
	wg.Add(m)
	for _, c := range removed {
		go func(c *Connection) {
			defer wg.Done()
			l.RemoveSocket(c)
		}(c)
	}
	wg.Wait()

	for _, c := range removed {
		_, ok := l.RetrieveSocket(c.Index())
		assert.False(t, ok, "removed index %d still registered", c.Index())
		c.Dispose()
	}

	for _, c := range kept {
		got, ok := l.RetrieveSocket(c.Index())
		require.True(t, ok)
		assert.Same(t, c, got)
	}

	assert.Equal(t, n-m, l.Count())

	t.Run("removing twice or removing nil is harmless", func(t *testing.T) {
		errs := &errorLog{}
		l.mu.Lock()
		l.handlers.OnError = errs.handler
		l.mu.Unlock()

		l.RemoveSocket(removed[0])
		l.RemoveSocket(nil)
		assert.Equal(t, n-m, l.Count())
		require.Len(t, errs.all(), 1)
		assert.ErrorIs(t, errs.all()[0], ErrNilConnection)
	})

	t.Run("unknown index is not found", func(t *testing.T) {
		c, ok := l.RetrieveSocket(-42)
		assert.False(t, ok)
		assert.Nil(t, c)
	})
}

func TestListener_SendAll_best_effort(t *testing.T) {
	accepted := make(chan *Connection, 3)
	l, port := startListener(t, DefaultListenerConfig(), Handlers{
		OnAccept: func(c *Connection) { accepted <- c },
	})

	raws := make([]net.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		raws = append(raws, dialRaw(t, port))
		waitFor(t, accepted)
	}

	dead := NewConnection(DefaultConnectionConfig(), Handlers{})
	dead.index = -7
	l.registry.Add(dead)
	require.Equal(t, 4, l.Count())

	err := l.SendAllString("HELLO")
	assert.ErrorIs(t, err, ErrNotWritable)

	for _, raw := range raws {
		buf := make([]byte, 5)
		require.NoError(t, raw.SetReadDeadline(time.Now().Add(waitTimeout)))
		_, err := io.ReadFull(raw, buf)
		require.NoError(t, err)
		assert.Equal(t, []byte("HELLO"), buf)
	}

	t.Run("all healthy connections means no error", func(t *testing.T) {
		l.RemoveSocket(dead)
		assert.NoError(t, l.SendAll([]byte{0x00}))
	})
}

func TestListener_accept_error_does_not_stop_listener(t *testing.T) {
	errs := &errorLog{}
	accepted := make(chan *Connection, 1)

	l := NewListener(DefaultListenerConfig())
	l.listen = func(network, address string) (net.Listener, error) {
		ln, err := net.Listen(network, address)
		if err != nil {
			return nil, err
		}

		flaky := &flakyListener{Listener: ln}
		flaky.failures.Store(1)
		return flaky, nil
	}

	require.NoError(t, l.Start("127.0.0.1", 0, 4096, 4096, Handlers{
		OnAccept: func(c *Connection) { accepted <- c },
		OnError:  errs.handler,
	}))
	t.Cleanup(l.Stop)

	require.Eventually(t, func() bool { return len(errs.all()) == 2 }, waitTimeout, time.Millisecond)
	reported := errs.all()
	assert.ErrorIs(t, reported[0], ErrAcceptFailed)
	assert.ErrorIs(t, reported[1], ErrAcceptRecovered)

	dialRaw(t, l.Addr().(*net.TCPAddr).Port)
	waitFor(t, accepted)
	assert.True(t, l.Accepting())

	l.Stop()
	assert.False(t, l.Accepting())
	assert.Len(t, errs.all(), 2, "a deliberate stop is not reported as an error")
}

func TestListener_fatal_accept_fault_is_fail_stop(t *testing.T) {
	t.Run("panic in the accept loop", func(t *testing.T) {
		errs := &errorLog{}
		l := NewListener(DefaultListenerConfig())
		l.listen = func(network, address string) (net.Listener, error) {
			ln, err := net.Listen(network, address)
			if err != nil {
				return nil, err
			}

			return &panickingListener{Listener: ln}, nil
		}

		require.NoError(t, l.Start("127.0.0.1", 0, 4096, 4096, Handlers{OnError: errs.handler}))
		t.Cleanup(l.Stop)

		require.Eventually(t, func() bool { return !l.Accepting() }, waitTimeout, time.Millisecond)
		require.Len(t, errs.all(), 1)
		assert.ErrorIs(t, errs.all()[0], ErrListenerFailed)
		assert.True(t, l.Started(), "the listener stays started until Stop")

		l.Stop()
		l.listen = net.Listen
		require.NoError(t, l.Start("127.0.0.1", 0, 4096, 4096, Handlers{}))
		assert.True(t, l.Accepting())
	})

	t.Run("listening socket closed underneath", func(t *testing.T) {
		errs := &errorLog{}
		var inner net.Listener
		l := NewListener(DefaultListenerConfig())
		l.listen = func(network, address string) (net.Listener, error) {
			ln, err := net.Listen(network, address)
			inner = ln
			return ln, err
		}

		require.NoError(t, l.Start("127.0.0.1", 0, 4096, 4096, Handlers{OnError: errs.handler}))
		t.Cleanup(l.Stop)

		require.NoError(t, inner.Close())
		require.Eventually(t, func() bool { return !l.Accepting() }, waitTimeout, time.Millisecond)
		require.Len(t, errs.all(), 1)
		assert.ErrorIs(t, errs.all()[0], ErrListenerFailed)
	})
}

func TestListener_accept_handler_panic_drops_connection(t *testing.T) {
	errs := &errorLog{}
	var calls atomic.Int32
	accepted := make(chan *Connection, 1)

	l, port := startListener(t, DefaultListenerConfig(), Handlers{
		OnAccept: func(c *Connection) {
			if calls.Add(1) == 1 {
				panic("no session slot")
			}
			accepted <- c
		},
		OnError: errs.handler,
	})

	first := dialRaw(t, port)
	require.NoError(t, first.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, err := first.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	require.Len(t, errs.all(), 1)
	assert.ErrorIs(t, errs.all()[0], ErrHandlerPanic)

	dialRaw(t, port)
	waitFor(t, accepted)
	assert.Equal(t, 1, l.Count())
}

func TestListener_maintenance_sweeps_dead_connections(t *testing.T) {
	cfg := DefaultListenerConfig()
	cfg.MaintenanceInterval = 10 * time.Millisecond

	accepted := make(chan *Connection, 1)
	l, port := startListener(t, cfg, Handlers{
		OnAccept: func(c *Connection) { accepted <- c },
	})

	dialRaw(t, port)
	live := waitFor(t, accepted)

	dead := NewConnection(DefaultConnectionConfig(), Handlers{})
	dead.index = -3
	l.registry.Add(dead)
	require.Equal(t, 2, l.Count())

	require.Eventually(t, func() bool { return l.Count() == 1 }, waitTimeout, 5*time.Millisecond)
	assert.True(t, dead.Disposed())

	got, ok := l.RetrieveSocket(live.Index())
	require.True(t, ok)
	assert.Same(t, live, got)
}

func TestNextAcceptBackoff(t *testing.T) {
	d := nextAcceptBackoff(0)
	assert.Equal(t, minAcceptBackoff, d)

	for i := 0; i < 20; i++ {
		d = nextAcceptBackoff(d)
	}
	assert.Equal(t, maxAcceptBackoff, d)
}

func TestListener_Start_during_Stop_is_rejected(t *testing.T) {
	var l *Listener
	accepted := make(chan *Connection, 1)
	restart := make(chan error, 1)

	l, port := startListener(t, DefaultListenerConfig(), Handlers{
		OnAccept: func(c *Connection) { accepted <- c },
		OnClose: func(*Connection) {
			restart <- l.Start("127.0.0.1", 0, 4096, 4096, Handlers{})
		},
	})

	dialRaw(t, port)
	waitFor(t, accepted)

	l.Stop()

	assert.ErrorIs(t, waitFor(t, restart), ErrListenerStopping)
	assert.False(t, l.Started())
	assert.Nil(t, l.Addr())

	require.NoError(t, l.Start("127.0.0.1", 0, 4096, 4096, Handlers{}))
	assert.True(t, l.Started())
}

func TestListener_passes_write_limits_to_connections(t *testing.T) {
	cfg := DefaultListenerConfig()
	cfg.WriteTimeout = time.Second
	cfg.MaxPendingWrites = 8

	accepted := make(chan *Connection, 1)
	_, port := startListener(t, cfg, Handlers{
		OnAccept: func(c *Connection) { accepted <- c },
	})

	dialRaw(t, port)
	c := waitFor(t, accepted)
	assert.Equal(t, time.Second, c.writeTimeout)
	assert.Equal(t, 8, c.maxPendingWrites)
}
