// Package cookies persists the session token where other consumers of the
// session can read it. In a browser this is the __session cookie; here the
// jar is either process memory or a Redis key shared by every execution
// context.
package cookies

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"identity-session/internal/common/errors"
	"identity-session/internal/redis"
)

// SessionCookieName is the name the session token is stored under.
const SessionCookieName = "__session"

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Jar stores the current session token.
type Jar interface {
	SetSessionCookie(ctx context.Context, raw string) error
	RemoveSessionCookie(ctx context.Context) error
	// SessionCookie returns the stored token, or "" when none is set.
	SessionCookie(ctx context.Context) (string, error)
}

// MemoryJar keeps the cookie in process memory.
type MemoryJar struct {
	mu    sync.RWMutex
	value string
}

func NewMemoryJar() *MemoryJar {
	return &MemoryJar{}
}

func (j *MemoryJar) SetSessionCookie(_ context.Context, raw string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.value = raw
	return nil
}

func (j *MemoryJar) RemoveSessionCookie(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.value = ""
	return nil
}

func (j *MemoryJar) SessionCookie(_ context.Context) (string, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.value, nil
}

// kv is the part of the Redis client the jar uses.
type kv interface {
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// RedisJar stores the cookie under <prefix>__session so every execution
// context sharing the store sees the latest token.
type RedisJar struct {
	client kv
	key    string
	ttl    time.Duration
}

// NewRedisJar creates a Redis-backed jar. ttl bounds how long a token
// survives without being refreshed; zero keeps it until removed.
func NewRedisJar(client *redis.Client, prefix string, ttl time.Duration) *RedisJar {
	return &RedisJar{
		client: client,
		key:    prefix + SessionCookieName,
		ttl:    ttl,
	}
}

func (j *RedisJar) SetSessionCookie(ctx context.Context, raw string) error {
	if err := j.client.Set(ctx, j.key, raw, j.ttl); err != nil {
		return errors.InternalError("failed to store session cookie", err)
	}
	return nil
}

func (j *RedisJar) RemoveSessionCookie(ctx context.Context) error {
	if err := j.client.Delete(ctx, j.key); err != nil {
		return errors.InternalError("failed to remove session cookie", err)
	}
	return nil
}

func (j *RedisJar) SessionCookie(ctx context.Context) (string, error) {
	value, err := j.client.Get(ctx, j.key)
	if stderrors.Is(err, redis.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.InternalError("failed to read session cookie", err)
	}
	return value, nil
}

// NewJar builds the Jar for the configured backend.
func NewJar(backend string, client *redis.Client, prefix string, ttl time.Duration) (Jar, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryJar(), nil
	case BackendRedis:
		if client == nil {
			return nil, errors.ConfigError("redis cookie backend requires a redis client")
		}
		return NewRedisJar(client, prefix, ttl), nil
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown cookie backend %q", backend))
	}
}

var (
	_ Jar = (*MemoryJar)(nil)
	_ Jar = (*RedisJar)(nil)
)
