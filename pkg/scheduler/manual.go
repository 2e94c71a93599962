package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by a virtual clock. Nothing runs until the
// owner calls RunPending or Advance, which makes timer-heavy code testable
// without sleeping.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	posted []func()
	timers []*manualTimer
	seq    uint64
}

// NewManual creates a manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

type manualTimer struct {
	m   *Manual
	at  time.Time
	seq uint64
	fn  func()
}

// Post implements Scheduler.
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.posted = append(m.posted, fn)
	m.mu.Unlock()
}

// AfterFunc implements Scheduler.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, at: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Now implements Scheduler.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Stop removes the timer if it is still pending.
func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for i, pending := range t.m.timers {
		if pending == t {
			t.m.timers = append(t.m.timers[:i], t.m.timers[i+1:]...)
			return true
		}
	}
	return false
}

// RunPending runs posted callbacks, including ones posted while draining,
// and returns how many ran. Timers are not fired.
func (m *Manual) RunPending() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.posted) == 0 {
			m.mu.Unlock()
			return ran
		}
		fn := m.posted[0]
		m.posted = m.posted[1:]
		m.mu.Unlock()

		fn()
		ran++
	}
}

// Advance moves the clock forward by d, firing due timers in deadline order
// and draining posted callbacks after each turn.
func (m *Manual) Advance(d time.Duration) {
	m.RunPending()

	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			m.RunPending()
			return
		}
		for i, pending := range m.timers {
			if pending == next {
				m.timers = append(m.timers[:i], m.timers[i+1:]...)
				break
			}
		}
		m.now = next.at
		m.mu.Unlock()

		next.fn()
		m.RunPending()
	}
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	if m.timers[0].at.After(target) {
		return nil
	}
	return m.timers[0]
}

// PendingTimers returns the number of timers that have not fired or been stopped.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// PendingPosts returns the number of queued callbacks.
func (m *Manual) PendingPosts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}
