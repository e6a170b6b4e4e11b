// Package eventloop runs protocol work on one logical thread.
//
// Socket readers, dialers and timers run on their own goroutines but only
// ever hand work to the loop through Post. Every connection, message
// manager and registry mutation therefore happens on the loop goroutine,
// in post order, and suspension points are limited to the boundaries
// between posted tasks.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrLoopClosed = errors.New("eventloop: loop closed")

// Timer is a repeating timer armed through a Scheduler.
type Timer interface {
	// Stop disarms the timer. Once Stop returns on the loop goroutine the
	// callback is never invoked again.
	Stop()
}

// Scheduler is the narrow surface protocol components depend on.
type Scheduler interface {
	Now() time.Time
	Post(fn func()) bool
	Every(d time.Duration, fn func()) Timer
	After(d time.Duration, fn func()) Timer
}

// Loop is the production Scheduler backed by one goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

var _ Scheduler = (*Loop)(nil)

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Now returns wall time with a monotonic reading.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post queues fn to run after every task already queued.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits for it to finish. It must not be used from the
// loop goroutine itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted tasks until ctx is cancelled. Tasks still queued at
// shutdown are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer l.shutdown()
	for {
		for {
			task, ok := l.pop()
			if !ok {
				break
			}
			task()
			if ctx.Err() != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	close(l.done)
}

// Every fires fn on the loop goroutine once per interval.
func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &loopTimer{quit: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.quit:
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Post(func() {
					if t.stopped.Load() {
						return
					}
					fn()
				})
			}
		}
	}()
	return t
}

// After fires fn once on the loop goroutine after d.
func (l *Loop) After(d time.Duration, fn func()) Timer {
	t := &loopTimer{quit: make(chan struct{})}
	timer := time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Load() {
				return
			}
			t.Stop()
			fn()
		})
	})
	go func() {
		select {
		case <-t.quit:
			timer.Stop()
		case <-l.done:
			timer.Stop()
		}
	}()
	return t
}

type loopTimer struct {
	stopped atomic.Bool
	once    sync.Once
	quit    chan struct{}
}

func (t *loopTimer) Stop() {
	t.stopped.Store(true)
	t.once.Do(func() { close(t.quit) })
}
