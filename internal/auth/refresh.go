package auth

import (
	"context"
	"fmt"

	"identity-session/internal/common/errors"
	"identity-session/internal/common/logging"
	"identity-session/internal/common/utils"
	"identity-session/internal/metrics"
	"identity-session/internal/token"
	"identity-session/internal/tokencache"
)

// InitAuth syncs the cookie with the active session, starts the background
// refresh unless disabled, and starts listening for visibility events.
// Refresh failures never surface here.
func (s *Service) InitAuth(ctx context.Context, opts InitOptions) {
	s.SetAuthCookiesFromSession(ctx, s.sessions.Active())

	if opts.EnablePolling && s.poller != nil {
		s.poller.Start(s.ctx, s.refresh)
	}

	s.listenOnce.Do(func() {
		if s.visibility == nil {
			close(s.listenDone)
			return
		}
		go s.listenVisibility()
	})
}

func (s *Service) listenVisibility() {
	defer close(s.listenDone)

	for {
		select {
		case <-s.ctx.Done():
			return
		case _, ok := <-s.visibility:
			if !ok {
				return
			}
			s.logger.Debug("Host became visible, refreshing session token")
			_ = s.refresh(s.ctx)
		}
	}
}

// Refresh runs one background refresh immediately, outside the poller.
func (s *Service) Refresh(ctx context.Context) {
	_ = s.refresh(ctx)
}

// refresh makes sure the cache holds a default session token with more than
// DefaultLeeway of validity left. A fresh cached token is kept as is;
// otherwise one is fetched with backoff, cached under the current key and
// mirrored to the cookie. Failures are classified and reported here; the
// returned error only informs the poller.
func (s *Service) refresh(ctx context.Context) error {
	active := s.sessions.Active()
	if active == nil {
		return nil
	}

	ctx = logging.WithSessionID(ctx, active.ID)
	fetchCtx := logging.WithSessionID(s.ctx, active.ID)
	key := tokencache.Key{
		SessionID:      active.ID,
		OrganizationID: active.LastActiveOrganizationID,
		Version:        active.UpdatedAt,
	}

	entry, loaded := s.cache.GetOrSet(key, DefaultLeeway, func() *tokencache.Computation {
		return tokencache.Start(func() (*token.Token, error) {
			var tok *token.Token
			err := utils.RetryWithBackoff(fetchCtx, s.retry, func() error {
				var err error
				tok, err = s.fetch(fetchCtx, active.ID, "", active.LastActiveOrganizationID)
				return err
			})
			return tok, err
		})
	})
	s.metrics.CacheLookup(loaded)

	tok, err := entry.Computation.Wait(ctx)
	if err == nil {
		s.resetFailures()
		if loaded {
			s.metrics.Refresh(metrics.OutcomeCached)
			return nil
		}
		s.metrics.Refresh(metrics.OutcomeSuccess)
		s.logger.WithContext(ctx).Debug("Refreshed session token",
			logging.Field{Key: "expires_at", Value: tok.Claims().ExpiresAt},
			logging.Field{Key: "ttl", Value: tok.TTL()})
		return nil
	}

	s.handleRefreshError(ctx, err)
	return err
}

func (s *Service) handleRefreshError(ctx context.Context, err error) {
	log := s.logger.WithContext(ctx)

	switch {
	case ctx.Err() != nil || s.ctx.Err() != nil:
		s.metrics.Refresh(metrics.OutcomeSkipped)
	case errors.IsUnauthorized(err):
		// The session ended server side; the next session update signs
		// the host out.
		s.resetFailures()
		s.metrics.Refresh(metrics.OutcomeUnauthorized)
		log.Debug("Session no longer valid, refresh skipped")
	case errors.IsNetwork(err):
		s.metrics.Refresh(metrics.OutcomeNetwork)
		log.Debug("Session token refresh failed on connectivity", logging.Err(err))
		if n, tripped := s.recordFailure(); tripped {
			s.reporter(ctx, errors.InternalError(
				fmt.Sprintf("session token refresh failed %d consecutive times", n), err))
		}
	default:
		s.metrics.Refresh(metrics.OutcomeFatal)
		s.reporter(ctx, errors.InternalError("token refresh failed", err))
	}
}

// recordFailure counts a silent failure. tripped is true once the configured
// threshold is reached, at which point the counter starts over.
func (s *Service) recordFailure() (n int, tripped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	n = s.failures
	if s.maxFails > 0 && s.failures >= s.maxFails {
		s.failures = 0
		return n, true
	}
	return n, false
}

func (s *Service) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}
