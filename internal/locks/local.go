package locks

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LocalLocker implements Locker inside one process with a weighted(1)
// semaphore per lock name.
type LocalLocker struct {
	opts Options

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

func NewLocalLocker(opts Options) *LocalLocker {
	return &LocalLocker{
		opts:  opts.withDefaults(),
		slots: make(map[string]*semaphore.Weighted),
	}
}

func (l *LocalLocker) slot(name string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.slots[name]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.slots[name] = sem
	}
	return sem
}

func (l *LocalLocker) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	sem := l.slot(name)

	waitCtx, cancel := context.WithTimeout(ctx, l.opts.Wait)
	defer cancel()

	if err := sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrNotAcquired
	}
	defer sem.Release(1)

	return fn(ctx)
}

var _ Locker = (*LocalLocker)(nil)
