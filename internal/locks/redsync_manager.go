package locks

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"identity-session/internal/common/errors"
	"identity-session/internal/common/logging"
	"identity-session/internal/redis"
)

// healthChecker is the part of the Redis client the manager needs to decide
// whether coordination is possible at all.
type healthChecker interface {
	Health(ctx context.Context) error
}

// RedsyncManager implements Locker with the Redlock algorithm via
// go-redsync/redsync/v4.
//
// When the shared store cannot be reached the manager degrades to running fn
// without coordination, so a Redis outage never stops token refresh.
type RedsyncManager struct {
	redsync *redsync.Redsync
	health  healthChecker
	opts    Options
	logger  logging.Logger

	mutex sync.Mutex
	held  map[string]*RedsyncLock
}

// RedsyncLock is one acquired hold. It renews itself until released.
type RedsyncLock struct {
	mutex      *redsync.Mutex
	key        string
	expiration time.Duration
	acquired   time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
}

// NewRedsyncManager creates a Locker backed by the given Redis client.
func NewRedsyncManager(redisClient *redis.Client, opts Options, logger logging.Logger) (*RedsyncManager, error) {
	if redisClient == nil {
		return nil, errors.ConfigError("redis client is required")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	pool := goredis.NewPool(redisClient.GetGoRedisClient())

	return &RedsyncManager{
		redsync: redsync.New(pool),
		health:  redisClient,
		opts:    opts.withDefaults(),
		logger:  logger,
		held:    make(map[string]*RedsyncLock),
	}, nil
}

// Run acquires lock:<name>, runs fn, and releases the hold.
func (rm *RedsyncManager) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := rm.health.Health(ctx); err != nil {
		rm.logger.Warn("Lock store unreachable, running without coordination",
			logging.Field{Key: "lock", Value: name}, logging.Err(err))
		return fn(ctx)
	}

	lock, err := rm.AcquireLock(ctx, name)
	if err != nil {
		return err
	}
	defer rm.releaseLock(lock)

	err = fn(ctx)
	if !lock.IsHeld() {
		rm.logger.Warn("Lock expired before the holder finished",
			logging.Field{Key: "lock", Value: lock.Key()},
			logging.Field{Key: "held_for", Value: time.Since(lock.acquired)})
	}
	return err
}

// AcquireLock queues for the named lock for at most the configured wait.
// It returns ErrNotAcquired when the wait runs out.
func (rm *RedsyncManager) AcquireLock(ctx context.Context, name string) (*RedsyncLock, error) {
	mutex := rm.redsync.NewMutex(fmt.Sprintf("lock:%s", name),
		redsync.WithExpiry(rm.opts.Expiry),
		redsync.WithTries(math.MaxInt32),
		redsync.WithRetryDelay(50*time.Millisecond),
	)

	waitCtx, cancel := context.WithTimeout(ctx, rm.opts.Wait)
	defer cancel()

	if err := mutex.LockContext(waitCtx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var taken *redsync.ErrTaken
		if waitCtx.Err() != nil || stderrors.Is(err, redsync.ErrFailed) || stderrors.As(err, &taken) {
			rm.logger.Debug("Lock held elsewhere, giving up", logging.Field{Key: "lock", Value: name})
			return nil, ErrNotAcquired
		}
		return nil, errors.InternalError("failed to acquire distributed lock", err)
	}

	lockCtx, lockCancel := context.WithCancel(context.Background())
	lock := &RedsyncLock{
		mutex:      mutex,
		key:        name,
		expiration: rm.opts.Expiry,
		acquired:   time.Now(),
		ctx:        lockCtx,
		cancel:     lockCancel,
	}

	rm.mutex.Lock()
	rm.held[name] = lock
	rm.mutex.Unlock()

	go rm.renewLock(lock)

	return lock, nil
}

// renewLock extends the hold at a third of its expiry, at least once a second.
func (rm *RedsyncManager) renewLock(lock *RedsyncLock) {
	renewInterval := lock.expiration / 3
	if renewInterval < time.Second {
		renewInterval = time.Second
	}

	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lock.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := lock.mutex.ExtendContext(ctx)
			cancel()

			if err != nil || !ok {
				rm.logger.Warn("Lost lock during renewal", logging.Field{Key: "lock", Value: lock.key}, logging.Err(err))
				rm.releaseLock(lock)
				return
			}
		}
	}
}

func (rm *RedsyncManager) releaseLock(lock *RedsyncLock) {
	lock.once.Do(func() {
		rm.mutex.Lock()
		if rm.held[lock.key] == lock {
			delete(rm.held, lock.key)
		}
		rm.mutex.Unlock()

		lock.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := lock.mutex.UnlockContext(ctx); err != nil {
			rm.logger.Debug("Unlock failed, hold will expire", logging.Field{Key: "lock", Value: lock.key}, logging.Err(err))
		}
	})
}

// Close releases every hold this manager still owns.
func (rm *RedsyncManager) Close() error {
	rm.mutex.Lock()
	locks := make([]*RedsyncLock, 0, len(rm.held))
	for _, lock := range rm.held {
		locks = append(locks, lock)
	}
	rm.mutex.Unlock()

	for _, lock := range locks {
		rm.releaseLock(lock)
	}
	return nil
}

// Key returns the lock name.
func (rl *RedsyncLock) Key() string {
	return rl.key
}

// IsHeld reports whether the hold is still owned and being renewed.
func (rl *RedsyncLock) IsHeld() bool {
	select {
	case <-rl.ctx.Done():
		return false
	default:
		return true
	}
}

var _ Locker = (*RedsyncManager)(nil)
