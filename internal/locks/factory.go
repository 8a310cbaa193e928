package locks

import (
	"fmt"

	"identity-session/internal/common/errors"
	"identity-session/internal/common/logging"
	"identity-session/internal/redis"
)

const (
	BackendRedis = "redis"
	BackendLocal = "local"
)

// NewLocker builds the Locker for the configured backend. The redis backend
// requires a connected client.
func NewLocker(backend string, redisClient *redis.Client, opts Options) (Locker, error) {
	switch backend {
	case BackendRedis:
		return NewRedsyncManager(redisClient, opts, logging.Component("locks"))
	case BackendLocal, "":
		return NewLocalLocker(opts), nil
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown lock backend %q", backend))
	}
}
