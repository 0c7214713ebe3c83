package recurringtimer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_validation(t *testing.T) {
	t.Run("rejects non-positive interval", func(t *testing.T) {
		_, err := New(0, func(any) {}, nil)
		assert.Error(t, err)
	})

	t.Run("rejects nil callback", func(t *testing.T) {
		_, err := New(time.Second, nil, nil)
		assert.Error(t, err)
	})
}

func TestTimer_fires_with_state(t *testing.T) {
	var count atomic.Int32
	var seen atomic.Value

	tm, err := New(10*time.Millisecond, func(state any) {
		seen.Store(state)
		count.Add(1)
	}, "sweep")
	require.NoError(t, err)
	defer func() { _ = tm.Dispose() }()

	require.Eventually(t, func() bool { return count.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "sweep", seen.Load())
}

func TestTimer_Dispose(t *testing.T) {
	t.Run("wakes a long wait promptly", func(t *testing.T) {
		tm, err := New(time.Hour, func(any) {}, nil)
		require.NoError(t, err)

		start := time.Now()
		require.NoError(t, tm.Dispose())
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("no firing after dispose", func(t *testing.T) {
		var count atomic.Int32
		tm, err := New(5*time.Millisecond, func(any) { count.Add(1) }, nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return count.Load() > 0 }, time.Second, time.Millisecond)
		require.NoError(t, tm.Dispose())

		after := count.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, after, count.Load())
	})

	t.Run("is idempotent", func(t *testing.T) {
		tm, err := New(time.Minute, func(any) {}, nil)
		require.NoError(t, err)
		assert.NoError(t, tm.Dispose())
		assert.NoError(t, tm.Dispose())
	})

	t.Run("reports timeout when a callback is stuck", func(t *testing.T) {
		release := make(chan struct{})
		entered := make(chan struct{}, 1)
		tm, err := New(time.Millisecond, func(any) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}, nil)
		require.NoError(t, err)

		<-entered
		assert.ErrorIs(t, tm.dispose(20*time.Millisecond), ErrDisposeTimeout)

		close(release)
		assert.NoError(t, tm.dispose(time.Second))
	})
}

func TestTimer_recovers_callback_panic(t *testing.T) {
	var count atomic.Int32
	tm, err := New(5*time.Millisecond, func(any) {
		count.Add(1)
		panic("handler bug")
	}, nil)
	require.NoError(t, err)
	defer func() { _ = tm.Dispose() }()

	require.Eventually(t, func() bool { return count.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestTimer_minute_alignment(t *testing.T) {
	t.Run("interval is rounded up to whole minutes", func(t *testing.T) {
		tm, err := New(90*time.Second, func(any) {}, nil, WithMinuteAlignment())
		require.NoError(t, err)
		defer func() { _ = tm.Dispose() }()
		assert.Equal(t, 2*time.Minute, tm.Interval())
	})

	t.Run("next delay lands on the boundary", func(t *testing.T) {
		tm := &Timer{interval: 5 * time.Minute, aligned: true}
		tm.now = func() time.Time {
			return time.Date(2024, 3, 1, 10, 7, 30, 0, time.UTC)
		}
		assert.Equal(t, 2*time.Minute+30*time.Second, tm.nextDelay())
	})

	t.Run("unaligned delay is the interval", func(t *testing.T) {
		tm := &Timer{interval: 3 * time.Second, now: time.Now}
		assert.Equal(t, 3*time.Second, tm.nextDelay())
	})
}
