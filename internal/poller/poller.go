// Package poller runs the background token refresh on a recurring timer.
//
// Each tick launches the callback under the cross-context lock without
// waiting for it. Overlapping refreshes are prevented by the lock, not by the
// poller.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"identity-session/internal/common/logging"
	"identity-session/internal/locks"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultLockName = "session-token-refresh"
)

type Config struct {
	Interval time.Duration
	LockName string
	Timer    TimerSource
	Logger   logging.Logger
}

// Poller owns at most one armed timer at a time.
type Poller struct {
	locker   locks.Locker
	interval time.Duration
	lockName string
	timer    TimerSource
	logger   logging.Logger

	mu      sync.Mutex
	stop    func()
	running bool
}

func New(locker locks.Locker, config Config) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.LockName == "" {
		config.LockName = DefaultLockName
	}
	if config.Timer == nil {
		config.Timer = CronTimer{}
	}
	if config.Logger == nil {
		config.Logger = logging.Component("poller")
	}

	return &Poller{
		locker:   locker,
		interval: config.Interval,
		lockName: config.LockName,
		timer:    config.Timer,
		logger:   config.Logger,
	}
}

// Start arms the timer. It is a no-op while already running. ctx scopes the
// callbacks launched by future ticks.
func (p *Poller) Start(ctx context.Context, fn func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.stop = p.timer.Every(p.interval, func() {
		go p.tick(ctx, fn)
	})
	p.running = true

	p.logger.Debug("Poller started",
		logging.Field{Key: "interval", Value: p.interval.String()},
		logging.Field{Key: "lock", Value: p.lockName},
	)
}

// Stop disarms the timer. It is a no-op when idle. Callbacks already
// launched run to completion.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	p.stop()
	p.stop = nil
	p.running = false

	p.logger.Debug("Poller stopped")
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) tick(ctx context.Context, fn func(ctx context.Context) error) {
	if ctx.Err() != nil {
		return
	}

	err := p.locker.Run(ctx, p.lockName, fn)
	switch {
	case err == nil:
	case errors.Is(err, locks.ErrNotAcquired):
		p.logger.Debug("Refresh in progress elsewhere, skipping tick")
	case errors.Is(err, context.Canceled):
	default:
		p.logger.Debug("Tick finished with error", logging.Err(err))
	}
}
