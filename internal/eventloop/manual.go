package eventloop

import (
	"context"
	"sort"
	"time"
)

// Manual is a deterministic Scheduler for tests. Nothing runs until Drain
// or Advance is called, and time only moves through Advance.
type Manual struct {
	now    time.Time
	queue  []func()
	timers []*manualTimer
}

var _ Scheduler = (*Manual)(nil)

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	return m.now
}

func (m *Manual) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	m.queue = append(m.queue, fn)
	return true
}

func (m *Manual) Every(d time.Duration, fn func()) Timer {
	t := &manualTimer{interval: d, next: m.now.Add(d), fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) After(d time.Duration, fn func()) Timer {
	t := &manualTimer{interval: d, next: m.now.Add(d), fn: fn, once: true}
	m.timers = append(m.timers, t)
	return t
}

// Call runs fn and everything it posts.
func (m *Manual) Call(_ context.Context, fn func()) error {
	fn()
	m.Drain()
	return nil
}

// Pending reports how many posted tasks are waiting.
func (m *Manual) Pending() int {
	return len(m.queue)
}

// Drain runs posted tasks, including ones they post, until none remain.
func (m *Manual) Drain() {
	for len(m.queue) > 0 {
		task := m.queue[0]
		m.queue = m.queue[1:]
		task()
	}
}

// Advance moves the clock forward by d, firing due timers in time order
// and draining posted work after each fire.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	m.Drain()
	for {
		due := m.dueTimers(target)
		if len(due) == 0 {
			break
		}
		t := due[0]
		m.now = t.next
		t.next = t.next.Add(t.interval)
		if !t.stopped {
			if t.once {
				t.stopped = true
			}
			t.fn()
		}
		m.Drain()
	}
	m.now = target
}

func (m *Manual) dueTimers(target time.Time) []*manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live
	due := make([]*manualTimer, 0, len(live))
	for _, t := range live {
		if (t.interval > 0 || t.once) && !t.next.After(target) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].next.Before(due[j].next)
	})
	return due
}

type manualTimer struct {
	interval time.Duration
	next     time.Time
	fn       func()
	once     bool
	stopped  bool
}

func (t *manualTimer) Stop() {
	t.stopped = true
}
