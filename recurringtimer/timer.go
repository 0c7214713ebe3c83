// Package recurringtimer runs a callback on one dedicated goroutine at a
// fixed interval until disposed. The goroutine waits on a stop signal with a
// timeout, so Dispose wakes it immediately instead of waiting out the
// interval.
package recurringtimer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyberinferno/go-asyncsocket/logger"
)

// DisposeTimeout bounds how long Dispose waits for the timer goroutine to
// exit, e.g. when a callback is still running.
const DisposeTimeout = 10 * time.Second

// ErrDisposeTimeout is returned by Dispose when the timer goroutine did not
// exit within DisposeTimeout.
var ErrDisposeTimeout = errors.New("recurring timer did not stop in time")

// Callback is invoked with the state passed to New on every firing.
type Callback func(state any)

// Option customizes a Timer.
type Option func(*Timer)

// WithMinuteAlignment makes firings land on wall-clock multiples of the
// interval, with the interval rounded up to a whole minute. A 5 minute timer
// then fires at :00, :05, :10 and so on.
func WithMinuteAlignment() Option {
	return func(t *Timer) {
		t.aligned = true
	}
}

// WithLogger sets the logger used to report callback panics.
func WithLogger(l logger.Logger) Option {
	return func(t *Timer) {
		t.logger = logger.OrNop(l)
	}
}

// Timer invokes a callback no earlier than every interval until Dispose is
// called. It is safe for concurrent use.
type Timer struct {
	interval time.Duration
	aligned  bool
	callback Callback
	state    any
	logger   logger.Logger
	now      func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New starts a Timer that calls cb(state) every interval.
//
// Parameters:
//   - interval: Time between firings; must be positive
//   - cb: The function to invoke
//   - state: Opaque value handed to every cb invocation
//   - opts: Optional settings such as WithMinuteAlignment
//
// Returns:
//   - The running Timer, or an error if interval is not positive or cb is nil
func New(interval time.Duration, cb Callback, state any, opts ...Option) (*Timer, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("recurring timer interval must be positive, got %s", interval)
	}

	if cb == nil {
		return nil, errors.New("recurring timer callback is nil")
	}

	t := &Timer{
		interval: interval,
		callback: cb,
		state:    state,
		logger:   logger.NewNopLogger(),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.aligned && t.interval%time.Minute != 0 {
		t.interval = (t.interval/time.Minute + 1) * time.Minute
	}

	go t.run()
	return t, nil
}

// Interval returns the effective interval, after minute rounding.
func (t *Timer) Interval() time.Duration {
	return t.interval
}

func (t *Timer) run() {
	defer close(t.done)

	wait := time.NewTimer(t.nextDelay())
	defer wait.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-wait.C:
		}

		t.fire()
		wait.Reset(t.nextDelay())
	}
}

// nextDelay returns how long to wait before the next firing.
func (t *Timer) nextDelay() time.Duration {
	if !t.aligned {
		return t.interval
	}

	now := t.now()
	return now.Truncate(t.interval).Add(t.interval).Sub(now)
}

func (t *Timer) fire() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("recurring timer callback panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	t.callback(t.state)
}

// Dispose stops the timer. It wakes a pending wait and waits up to
// DisposeTimeout for an in-progress callback to return. Calling Dispose
// again after the timer has stopped returns nil.
//
// Returns:
//   - ErrDisposeTimeout if the goroutine is still running after DisposeTimeout
func (t *Timer) Dispose() error {
	return t.dispose(DisposeTimeout)
}

func (t *Timer) dispose(timeout time.Duration) error {
	t.stopOnce.Do(func() {
		close(t.stop)
	})

	select {
	case <-t.done:
		return nil
	case <-time.After(timeout):
		return ErrDisposeTimeout
	}
}
