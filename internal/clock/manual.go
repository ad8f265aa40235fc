package clock

import (
	"sync"
	"time"
)

// Manual is a deterministic Clock for tests. Time only moves when
// Advance (or Set) is called; due tasks run synchronously on the
// advancing goroutine, earliest first.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	tasks   map[int]*manualTask
	tickers []*manualTicker
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, tasks: make(map[int]*manualTask)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{clk: m, id: m.seq, at: m.now.Add(d), fn: fn}
	m.tasks[t.id] = t
	return t
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{clk: m, every: d, next: m.now.Add(d), ch: make(chan time.Time, 64)}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves the clock forward by d, running tasks and delivering
// ticker ticks that become due along the way.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.runUntil(target)
}

// Set jumps the clock to t (which must not be in the past), running
// everything due on the way.
func (m *Manual) Set(t time.Time) {
	m.runUntil(t)
}

func (m *Manual) runUntil(target time.Time) {
	for {
		m.mu.Lock()
		due := m.earliestDueLocked(target)
		if due == nil {
			m.deliverTicksLocked(target)
			if target.After(m.now) {
				m.now = target
			}
			m.mu.Unlock()
			return
		}
		delete(m.tasks, due.id)
		m.deliverTicksLocked(due.at)
		m.now = due.at
		fn := due.fn
		m.mu.Unlock()
		fn()
	}
}

func (m *Manual) earliestDueLocked(target time.Time) *manualTask {
	var due *manualTask
	for _, t := range m.tasks {
		if t.at.After(target) {
			continue
		}
		if due == nil || t.at.Before(due.at) || (t.at.Equal(due.at) && t.id < due.id) {
			due = t
		}
	}
	return due
}

func (m *Manual) deliverTicksLocked(upTo time.Time) {
	for _, tk := range m.tickers {
		for !tk.stopped && !tk.next.After(upTo) {
			select {
			case tk.ch <- tk.next:
			default:
				// Slow consumer; drop the tick like a real ticker would.
			}
			tk.next = tk.next.Add(tk.every)
		}
	}
}

type manualTask struct {
	clk *Manual
	id  int
	at  time.Time
	fn  func()
}

func (t *manualTask) Cancel() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	_, ok := t.clk.tasks[t.id]
	delete(t.clk.tasks, t.id)
	return ok
}

type manualTicker struct {
	clk     *Manual
	every   time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	t.stopped = true
}
