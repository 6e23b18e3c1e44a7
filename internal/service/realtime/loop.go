package realtime

import (
	"context"
	"sync"
	"time"
)

// Timer is a pending callback scheduled on an Executor.
type Timer interface {
	// Stop cancels the callback. It reports whether the callback was still pending.
	Stop() bool
}

// Executor serializes all core work onto one event loop.
//
// Every component in this package and in the chat service assumes its methods
// run on the executor; none of them take locks.
type Executor interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Loop is the production Executor: a single goroutine draining a FIFO queue.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// NewLoop creates an idle loop. Call Run to start draining posted work.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn. Work posted after Run has returned is dropped.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Now returns the wall clock.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules fn on the loop after d. Stop must be called from the loop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped {
				return
			}
			lt.stopped = true
			fn()
		})
	})
	return lt
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run drains posted work until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		if err := ctx.Err(); err != nil {
			l.shutdown()
			return err
		}

		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}
		if len(tasks) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
}

type loopTimer struct {
	timer   *time.Timer
	stopped bool
}

// Stop marks the timer cancelled. The flag is checked on the loop, so a
// callback already queued behind Stop never runs.
func (t *loopTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}

// Call runs fn on ex and waits for it to complete. It returns false if the
// executor stopped or ctx ended before fn ran.
func Call(ctx context.Context, ex Executor, fn func()) bool {
	finished := make(chan struct{})
	ex.Post(func() {
		defer close(finished)
		fn()
	})

	var stopped <-chan struct{}
	if d, ok := ex.(interface{ Done() <-chan struct{} }); ok {
		stopped = d.Done()
	}

	select {
	case <-finished:
		return true
	case <-stopped:
		select {
		case <-finished:
			return true
		default:
			return false
		}
	case <-ctx.Done():
		return false
	}
}
