// Package testutil provides deterministic stand-ins for the event loop and the
// transport so connection behavior can be tested in simulated time.
package testutil

import (
	"sort"
	"time"

	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

// ManualScheduler is a realtime.Executor driven by the test.
//
// Post runs work immediately unless a task is already running, in which case
// the work is queued behind it. Timers fire only from Advance.
type ManualScheduler struct {
	now     time.Time
	queue   []func()
	running bool
	timers  []*manualTimer
	seq     uint64
}

// NewManualScheduler starts simulated time at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) Now() time.Time {
	return s.now
}

func (s *ManualScheduler) Post(fn func()) {
	s.queue = append(s.queue, fn)
	s.drain()
}

func (s *ManualScheduler) drain() {
	if s.running {
		return
	}
	s.running = true
	defer func() { s.running = false }()
	for len(s.queue) > 0 {
		fn := s.queue[0]
		s.queue = s.queue[1:]
		fn()
	}
}

func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) realtime.Timer {
	if d < 0 {
		d = 0
	}
	s.seq++
	t := &manualTimer{when: s.now.Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves simulated time forward, firing every timer that falls due in
// order of deadline.
func (s *ManualScheduler) Advance(d time.Duration) {
	target := s.now.Add(d)
	for {
		next := s.nextDue(target)
		if next == nil {
			break
		}
		if next.when.After(s.now) {
			s.now = next.when
		}
		next.fired = true
		s.Post(next.fn)
	}
	s.now = target
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (s *ManualScheduler) Pending() int {
	s.compact()
	return len(s.timers)
}

func (s *ManualScheduler) nextDue(target time.Time) *manualTimer {
	s.compact()
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].when.Equal(s.timers[j].when) {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].when.Before(s.timers[j].when)
	})
	if len(s.timers) == 0 || s.timers[0].when.After(target) {
		return nil
	}
	return s.timers[0]
}

func (s *ManualScheduler) compact() {
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	s.timers = live
}

type manualTimer struct {
	when    time.Time
	seq     uint64
	fn      func()
	fired   bool
	stopped bool
}

func (t *manualTimer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
