package poller

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TimerSource arms a recurring timer that calls tick every interval until the
// returned stop function is called.
type TimerSource interface {
	Every(interval time.Duration, tick func()) (stop func())
}

// CronTimer schedules ticks on a robfig/cron scheduler. Each armed timer owns
// its own scheduler goroutine. cron rounds intervals down to whole seconds,
// with a one second minimum.
type CronTimer struct{}

func (CronTimer) Every(interval time.Duration, tick func()) func() {
	c := cron.New()
	c.Schedule(cron.Every(interval), cron.FuncJob(tick))
	c.Start()

	return func() {
		c.Stop()
	}
}

// ManualTimer is a TimerSource driven by Fire. Hosts use it in tests and
// wherever ticks come from somewhere other than the wall clock.
type ManualTimer struct {
	mu     sync.Mutex
	nextID int
	ticks  map[int]func()
	armed  int
}

func NewManualTimer() *ManualTimer {
	return &ManualTimer{ticks: make(map[int]func())}
}

func (m *ManualTimer) Every(_ time.Duration, tick func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.ticks[id] = tick
	m.armed++

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.ticks, id)
			m.mu.Unlock()
		})
	}
}

// Fire calls every armed tick once.
func (m *ManualTimer) Fire() {
	m.mu.Lock()
	ticks := make([]func(), 0, len(m.ticks))
	for _, tick := range m.ticks {
		ticks = append(ticks, tick)
	}
	m.mu.Unlock()

	for _, tick := range ticks {
		tick()
	}
}

// Active returns the number of timers currently armed.
func (m *ManualTimer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ticks)
}

// Armed returns how many timers were ever armed.
func (m *ManualTimer) Armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}
