package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*manualTimer
	tickers []*manualTicker
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires when the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	timer := &manualTimer{
		at: m.now.Add(d),
		ch: ch,
	}
	m.timers = append(m.timers, timer)
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// NewTicker returns a ticker driven by Advance. Each Advance delivers at most
// one tick per ticker regardless of how many intervals elapsed.
func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		d = time.Nanosecond
	}
	m.mu.Lock()
	tk := &manualTicker{
		owner:    m,
		interval: d,
		next:     m.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	m.tickers = append(m.tickers, tk)
	m.mu.Unlock()
	return tk
}

// Advance moves time forward by d and fires any due timers and tickers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	if len(m.timers) > 0 {
		remaining := m.timers[:0]
		for _, timer := range m.timers {
			if timer.at.After(now) {
				remaining = append(remaining, timer)
				continue
			}
			timer.ch <- now
		}
		m.timers = remaining
	}
	for _, tk := range m.tickers {
		if tk.stopped || tk.next.After(now) {
			continue
		}
		for !tk.next.After(now) {
			tk.next = tk.next.Add(tk.interval)
		}
		select {
		case tk.ch <- now:
		default:
		}
	}
	m.mu.Unlock()
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type manualTicker struct {
	owner    *Manual
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (tk *manualTicker) C() <-chan time.Time { return tk.ch }

func (tk *manualTicker) Stop() {
	tk.owner.mu.Lock()
	tk.stopped = true
	tk.owner.mu.Unlock()
}
