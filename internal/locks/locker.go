// Package locks serializes the token refresh across execution contexts.
//
// Two implementations share one contract: RedsyncManager coordinates every
// process that talks to the same Redis through the Redlock algorithm, and
// LocalLocker covers hosts that run a single execution context.
//
// Example usage:
//
//	locker, err := locks.NewLocker(locks.BackendRedis, redisClient, locks.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	err = locker.Run(ctx, "refresh", func(ctx context.Context) error {
//		return refresh(ctx)
//	})
package locks

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned by Run when the named lock stayed held by
// another execution context for the whole wait window. fn was not called.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker runs fn while holding the named exclusive lock. The lock is released
// as soon as fn returns or panics.
type Locker interface {
	Run(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Options tunes how long Run queues for a lock and how long a hold lives
// without renewal.
type Options struct {
	// Wait bounds the time spent queueing for the lock.
	Wait time.Duration
	// Expiry is the hold TTL in the shared store. Holds are renewed at a
	// third of it while fn runs.
	Expiry time.Duration
}

const (
	DefaultWait   = 5 * time.Second
	DefaultExpiry = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Wait <= 0 {
		o.Wait = DefaultWait
	}
	if o.Expiry <= 0 {
		o.Expiry = DefaultExpiry
	}
	return o
}
