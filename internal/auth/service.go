// Package auth keeps the session token fresh for the host process.
//
// Service answers on-demand GetToken calls from the in-process cache, runs
// the background refresh on the poller under the cross-context lock,
// refreshes immediately when the host becomes visible again, and mirrors
// the current token into the cookie jar.
package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"identity-session/internal/common/errors"
	"identity-session/internal/common/logging"
	"identity-session/internal/common/utils"
	"identity-session/internal/cookies"
	"identity-session/internal/fapi"
	"identity-session/internal/metrics"
	"identity-session/internal/poller"
	"identity-session/internal/session"
	"identity-session/internal/token"
	"identity-session/internal/tokencache"
)

// ErrorReporter receives refresh failures that are neither an ended session
// nor a connectivity problem.
type ErrorReporter func(ctx context.Context, err error)

type Config struct {
	Fetcher  fapi.TokenFetcher
	Sessions *session.Context
	Cookies  cookies.Jar

	// Optional collaborators.
	Cache   *tokencache.Cache
	Poller  *poller.Poller
	Metrics *metrics.Metrics
	Logger  logging.Logger

	// Reporter defaults to logging at error level.
	Reporter ErrorReporter
	// Visibility delivers an event each time the host becomes visible.
	Visibility <-chan struct{}
	// Retry governs the background refresh. Zero value uses
	// utils.DefaultRetryConfig.
	Retry utils.RetryConfig
	// MaxConsecutiveFailures reports a fatal error after that many refreshes
	// in a row failed on connectivity. Zero retries silently forever.
	MaxConsecutiveFailures int
}

type Service struct {
	fetcher    fapi.TokenFetcher
	sessions   *session.Context
	cookies    cookies.Jar
	cache      *tokencache.Cache
	poller     *poller.Poller
	metrics    *metrics.Metrics
	logger     logging.Logger
	reporter   ErrorReporter
	visibility <-chan struct{}
	retry      utils.RetryConfig
	maxFails   int

	ctx    context.Context
	cancel context.CancelFunc

	listenOnce sync.Once
	listenDone chan struct{}

	// cookieMu orders cookie writes from fetches against session switches.
	cookieMu sync.Mutex

	mu       sync.Mutex
	failures int
}

func NewService(config Config) (*Service, error) {
	if config.Fetcher == nil {
		return nil, errors.ConfigError("token fetcher is required")
	}
	if config.Sessions == nil {
		return nil, errors.ConfigError("session context is required")
	}
	if config.Cookies == nil {
		config.Cookies = cookies.NewMemoryJar()
	}
	if config.Cache == nil {
		config.Cache = tokencache.New()
	}
	if config.Logger == nil {
		config.Logger = logging.Component("auth")
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = utils.DefaultRetryConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		fetcher:    config.Fetcher,
		sessions:   config.Sessions,
		cookies:    config.Cookies,
		cache:      config.Cache,
		poller:     config.Poller,
		metrics:    config.Metrics,
		logger:     config.Logger,
		reporter:   config.Reporter,
		visibility: config.Visibility,
		retry:      config.Retry,
		maxFails:   config.MaxConsecutiveFailures,
		ctx:        ctx,
		cancel:     cancel,
		listenDone: make(chan struct{}),
	}
	if s.reporter == nil {
		s.reporter = func(ctx context.Context, err error) {
			s.logger.WithContext(ctx).Error("Session token refresh failed", err)
		}
	}

	// The retrier must never retry client errors on the background path.
	shouldRetry := s.retry.ShouldRetry
	s.retry.ShouldRetry = func(err error, attempt int) bool {
		if errors.IsClientError(err) || s.ctx.Err() != nil {
			return false
		}
		return shouldRetry == nil || shouldRetry(err, attempt)
	}

	s.sessions.OnSwitch(s.onSessionSwitch)

	return s, nil
}

// GetToken returns the raw session token for the active session, or "" when
// signed out. Concurrent calls for the same key share a single fetch.
func (s *Service) GetToken(ctx context.Context, opts ...TokenOption) (string, error) {
	var o tokenOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.leeway < 0 {
		return "", errors.InvalidArgumentError("leeway must not be negative")
	}
	if o.template == "" && o.leeway >= MaxDefaultTokenLeeway {
		return "", errors.InvalidArgumentError(fmt.Sprintf(
			"leeway must be below %s for the default session token, use a JWT template for longer-lived tokens",
			MaxDefaultTokenLeeway)).WithContext("leeway", o.leeway.String())
	}

	active := s.sessions.Active()
	if active == nil {
		return "", nil
	}

	organizationID := active.LastActiveOrganizationID
	if o.organizationSet {
		organizationID = o.organizationID
	}
	leeway := DefaultLeeway
	if o.leewaySet {
		leeway = o.leeway
	}

	key := tokencache.Key{
		SessionID:      active.ID,
		Template:       o.template,
		OrganizationID: organizationID,
		Version:        active.UpdatedAt,
	}
	create := func() *tokencache.Computation {
		return tokencache.Start(func() (*token.Token, error) {
			return s.fetch(s.ctx, active.ID, o.template, organizationID)
		})
	}

	var entry *tokencache.Entry
	if o.skipCache {
		entry = s.cache.Set(key, create())
	} else {
		var loaded bool
		entry, loaded = s.cache.GetOrSet(key, leeway, create)
		s.metrics.CacheLookup(loaded)
	}

	tok, err := entry.Computation.Wait(ctx)
	if err != nil {
		return "", err
	}
	return tok.Raw(), nil
}

// WaitForToken is GetToken bounded by timeout. Running out of time yields a
// timeout error; the fetch itself keeps going and lands in the cache.
func (s *Service) WaitForToken(ctx context.Context, timeout time.Duration, opts ...TokenOption) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := s.GetToken(waitCtx, opts...)
	if err != nil && stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return "", errors.TimeoutError("waiting for session token")
	}
	return raw, err
}

// fetch performs one token request. Default session tokens are mirrored to
// the cookie jar and recorded on the session, unless that session is no
// longer active by the time the response arrives.
func (s *Service) fetch(ctx context.Context, sessionID, template, organizationID string) (*token.Token, error) {
	tok, err := s.fetcher.FetchToken(ctx, fapi.TokenPath(sessionID, template), organizationID)
	s.metrics.Fetch(err)
	if err != nil {
		return nil, err
	}

	if template == "" {
		s.cookieMu.Lock()
		// A session switch while the request was in flight supersedes it.
		if s.sessions.RecordToken(sessionID, tok) {
			s.persist(ctx, tok)
		}
		s.cookieMu.Unlock()
	}
	return tok, nil
}

func (s *Service) persist(ctx context.Context, tok *token.Token) {
	var err error
	if tok.IsEmpty() {
		err = s.cookies.RemoveSessionCookie(ctx)
	} else {
		err = s.cookies.SetSessionCookie(ctx, tok.Raw())
	}
	if err != nil {
		s.logger.Warn("Failed to update session cookie", logging.Err(err))
	}
}

// ClearCache drops every cached token.
func (s *Service) ClearCache() {
	s.cache.Clear()
}

func (s *Service) onSessionSwitch(prev, next *session.Session) {
	s.ClearCache()
	s.SetAuthCookiesFromSession(s.ctx, next)
}

// SetAuthCookiesFromSession mirrors the session's last known token into the
// cookie jar and seeds the cache with it. A nil session or one without a
// token removes the cookie.
func (s *Service) SetAuthCookiesFromSession(ctx context.Context, sess *session.Session) {
	s.cookieMu.Lock()
	defer s.cookieMu.Unlock()

	if sess == nil || sess.LastActiveToken == nil || sess.LastActiveToken.IsEmpty() {
		if err := s.cookies.RemoveSessionCookie(ctx); err != nil {
			s.logger.Warn("Failed to remove session cookie", logging.Err(err))
		}
		return
	}

	if err := s.cookies.SetSessionCookie(ctx, sess.LastActiveToken.Raw()); err != nil {
		s.logger.Warn("Failed to set session cookie", logging.Err(err))
	}

	s.cache.Set(tokencache.Key{
		SessionID:      sess.ID,
		OrganizationID: sess.LastActiveOrganizationID,
		Version:        sess.UpdatedAt,
	}, tokencache.Resolved(sess.LastActiveToken))
}

// Close stops the poller and the visibility listener. In-flight fetches are
// cancelled.
func (s *Service) Close() error {
	if s.poller != nil {
		s.poller.Stop()
	}
	s.cancel()
	return nil
}
