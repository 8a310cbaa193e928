// Package session holds the active session of one execution context.
//
// A Context is created explicitly by the host, injected into the
// authentication service, and destroyed on shutdown. Switching to a
// different session notifies the registered switch hooks, which the
// authentication service uses to drop cached tokens.
package session

import (
	"sync"
	"time"

	"identity-session/internal/token"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Session is a snapshot of the signed-in session. UpdatedAt doubles as the
// version stamp of every cache key derived from the session.
type Session struct {
	ID                       string
	Status                   Status
	LastActiveToken          *token.Token
	LastActiveOrganizationID string
	UpdatedAt                time.Time
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// SwitchFunc is called after the active session changes identity.
// prev or next may be nil.
type SwitchFunc func(prev, next *Session)

type Option func(*Context)

// WithClock overrides the clock used to stamp UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Context) {
		c.now = now
	}
}

type Context struct {
	mu        sync.RWMutex
	active    *Session
	hooks     []SwitchFunc
	destroyed bool
	now       func() time.Time
}

func Create(opts ...Option) *Context {
	c := &Context{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Active returns a copy of the active session, or nil when signed out.
// Sessions that are no longer active count as signed out.
func (c *Context) Active() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.active == nil || c.active.Status != StatusActive {
		return nil
	}
	return c.active.clone()
}

// SetActive replaces the active session. A zero UpdatedAt is stamped with the
// current time. Switch hooks run when the session ID changes.
func (c *Context) SetActive(s *Session) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}

	next := s.clone()
	if next != nil && next.UpdatedAt.IsZero() {
		next.UpdatedAt = c.now()
	}

	prev := c.active
	c.active = next
	hooks := append([]SwitchFunc(nil), c.hooks...)
	c.mu.Unlock()

	if sessionID(prev) == sessionID(next) {
		return
	}
	for _, hook := range hooks {
		hook(prev.clone(), next.clone())
	}
}

// Touch bumps the version stamp of the active session. Cache keys derived
// from the previous stamp become unreachable.
func (c *Context) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return
	}
	now := c.now()
	if !now.After(c.active.UpdatedAt) {
		now = c.active.UpdatedAt.Add(time.Nanosecond)
	}
	c.active.UpdatedAt = now
}

// RecordToken stores tok as the last active token of the session it belongs
// to and reports whether that session is still the active one. The version
// stamp is left alone.
func (c *Context) RecordToken(sessionID string, tok *token.Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || c.active.ID != sessionID {
		return false
	}
	c.active.LastActiveToken = tok
	return true
}

// OnSwitch registers a hook called whenever the active session changes
// identity, including sign-out.
func (c *Context) OnSwitch(fn SwitchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Destroy signs the context out and drops its hooks. Later calls to SetActive
// are ignored.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = nil
	c.hooks = nil
	c.destroyed = true
}

func sessionID(s *Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}
