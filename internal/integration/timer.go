package integration

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a periodic callback owned by an integration or one of its things.
// Ticks run on the integration's worker, so they never overlap hooks.
//
// Stop only marks the timer; a tick already queued on the worker sees the
// mark and does nothing. The host removes a thing by stopping its timers and
// then running ThingRemoved on the worker, so once removal is acknowledged no
// tick of that thing can run.
type Timer struct {
	owner    string
	fn       func()
	interval atomic.Int64
	stopped  atomic.Bool
	reset    chan time.Duration
	stop     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

func newTimer(owner string, interval time.Duration, fn func(), logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Second
	}
	t := &Timer{
		owner:  owner,
		fn:     fn,
		reset:  make(chan time.Duration, 1),
		stop:   make(chan struct{}),
		logger: logger,
	}
	t.interval.Store(int64(interval))
	return t
}

// Interval returns the current tick interval.
func (t *Timer) Interval() time.Duration {
	return time.Duration(t.interval.Load())
}

// SetInterval changes the interval, effective from the next tick.
func (t *Timer) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	t.interval.Store(int64(d))
	select {
	case <-t.reset:
	default:
	}
	select {
	case t.reset <- d:
	default:
	}
}

// Stop cancels the timer. It is safe to call more than once and from a tick.
func (t *Timer) Stop() {
	t.stopped.Store(true)
	t.once.Do(func() { close(t.stop) })
}

// Stopped reports whether Stop was called.
func (t *Timer) Stopped() bool {
	return t.stopped.Load()
}

func (t *Timer) fire() {
	if t.stopped.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("timer callback panicked", "owner", t.owner, "panic", fmt.Sprint(r))
		}
	}()
	t.fn()
}

// run ticks until stopped. Each tick is submitted to the worker and waited
// for, so slow callbacks delay the next tick instead of piling up.
func (t *Timer) run(submit func(func()) error) {
	ticker := time.NewTicker(t.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case d := <-t.reset:
			ticker.Reset(d)
		case <-ticker.C:
			done := make(chan struct{})
			if err := submit(func() {
				defer close(done)
				t.fire()
			}); err != nil {
				return
			}
			select {
			case <-done:
			case <-t.stop:
				return
			}
		}
	}
}
