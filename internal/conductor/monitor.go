package conductor

import (
	"sync"
	"time"
)

// monitor is a periodic timer that can be switched off by its own pass.
// A pass never overlaps with itself: the next tick is armed only after the
// previous one returns.
type monitor struct {
	every time.Duration
	pass  func()

	mu      sync.Mutex
	started bool
	paused  bool
	t       *time.Timer
}

func newMonitor(every time.Duration, pass func()) *monitor {
	return &monitor{every: every, pass: pass}
}

func (m *monitor) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.paused = false
	m.armLocked()
}

func (m *monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	if m.t != nil {
		m.t.Stop()
	}
}

// running mirrors the timer's enabled flag.
func (m *monitor) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && !m.paused
}

func (m *monitor) suspend() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

func (m *monitor) resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

func (m *monitor) armLocked() {
	if m.t == nil {
		m.t = time.AfterFunc(m.every, m.tick)
		return
	}
	m.t.Reset(m.every)
}

// tick skips the pass while another pass holds the monitor suspended, but
// keeps the timer armed as long as the monitor is started.
func (m *monitor) tick() {
	if m.running() {
		m.pass()
	}
	m.mu.Lock()
	if m.started {
		m.armLocked()
	}
	m.mu.Unlock()
}
