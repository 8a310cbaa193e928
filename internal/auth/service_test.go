package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"identity-session/internal/common/errors"
	"identity-session/internal/common/logging"
	"identity-session/internal/common/utils"
	"identity-session/internal/cookies"
	"identity-session/internal/locks"
	"identity-session/internal/poller"
	"identity-session/internal/session"
	"identity-session/internal/token"
	"identity-session/internal/tokencache"
)

type fetchCall struct {
	path           string
	organizationID string
}

// fakeFetcher answers from a script of results, repeating the last one.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   []fetchCall
	results []fetchResult
	delay   time.Duration
	gate    chan struct{}
}

type fetchResult struct {
	tok *token.Token
	err error
}

func (f *fakeFetcher) FetchToken(ctx context.Context, path, organizationID string) (*token.Token, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{path: path, organizationID: organizationID})
	n := len(f.calls)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	i := n - 1
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i].tok, f.results[i].err
}

func (f *fakeFetcher) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

func (f *fakeFetcher) count() int {
	return len(f.Calls())
}

func mintToken(t *testing.T, subject string, exp time.Time) *token.Token {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sid": "sess_1",
		"sub": subject,
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tok, err := token.Decode(raw)
	require.NoError(t, err)
	return tok
}

type reported struct {
	mu   sync.Mutex
	errs []error
}

func (r *reported) report(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *reported) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type harness struct {
	svc      *Service
	fetcher  *fakeFetcher
	sessions *session.Context
	jar      *cookies.MemoryJar
	reports  *reported
	now      time.Time
}

type harnessOption func(*Config)

func newHarness(t *testing.T, fetcher *fakeFetcher, opts ...harnessOption) *harness {
	t.Helper()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	h := &harness{
		fetcher:  fetcher,
		sessions: session.Create(session.WithClock(clock)),
		jar:      cookies.NewMemoryJar(),
		reports:  &reported{},
		now:      now,
	}

	config := Config{
		Fetcher:  fetcher,
		Sessions: h.sessions,
		Cookies:  h.jar,
		Cache:    tokencache.New(tokencache.WithClock(clock)),
		Logger:   logging.NewNopLogger(),
		Reporter: h.reports.report,
		Retry: utils.RetryConfig{
			MaxAttempts:   5,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2,
		},
	}
	for _, opt := range opts {
		opt(&config)
	}

	svc, err := NewService(config)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	h.svc = svc

	h.sessions.SetActive(&session.Session{
		ID:                       "sess_1",
		Status:                   session.StatusActive,
		LastActiveOrganizationID: "org_1",
	})
	return h
}

func (h *harness) cookie(t *testing.T) string {
	value, err := h.jar.SessionCookie(context.Background())
	require.NoError(t, err)
	return value
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(Config{Sessions: session.Create()})
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))

	_, err = NewService(Config{Fetcher: &fakeFetcher{}})
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestGetToken_ConcurrentCallersShareOneFetch(t *testing.T) {
	fetcher := &fakeFetcher{delay: 30 * time.Millisecond}
	h := newHarness(t, fetcher)
	tok := mintToken(t, "user_1", h.now.Add(time.Minute))
	fetcher.results = []fetchResult{{tok: tok}}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := h.svc.GetToken(context.Background())
			assert.NoError(t, err)
			results[i] = raw
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fetcher.count())
	for _, raw := range results {
		assert.Equal(t, tok.Raw(), raw)
	}
}

func TestGetToken_Leeway(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	first := mintToken(t, "first", h.now.Add(50*time.Second))
	second := mintToken(t, "second", h.now.Add(60*time.Second))
	fetcher.results = []fetchResult{{tok: first}, {tok: second}}

	raw, err := h.svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Raw(), raw)

	raw, err = h.svc.GetToken(context.Background(), WithLeeway(40*time.Second))
	require.NoError(t, err)
	assert.Equal(t, first.Raw(), raw)
	assert.Equal(t, 1, fetcher.count())

	raw, err = h.svc.GetToken(context.Background(), WithLeeway(55*time.Second))
	require.NoError(t, err)
	assert.Equal(t, second.Raw(), raw)
	assert.Equal(t, 2, fetcher.count())
}

func TestGetToken_LeewayTooLargeForDefaultToken(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	fetcher.results = []fetchResult{{tok: mintToken(t, "user_1", h.now.Add(time.Hour))}}

	_, err := h.svc.GetToken(context.Background(), WithLeeway(65*time.Second))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeInvalidArgument))
	assert.Equal(t, 0, fetcher.count())

	_, err = h.svc.GetToken(context.Background(), WithLeeway(-time.Second))
	assert.True(t, errors.IsType(err, errors.ErrTypeInvalidArgument))

	t.Run("templates accept long leeways", func(t *testing.T) {
		_, err := h.svc.GetToken(context.Background(), WithTemplate("supabase"), WithLeeway(65*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, fetcher.count())
	})
}

func TestGetToken_SignedOut(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	h.sessions.SetActive(nil)

	raw, err := h.svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Empty(t, raw)
	assert.Equal(t, 0, fetcher.count())
}

func TestGetToken_ClearCacheForcesFetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	fetcher.results = []fetchResult{{tok: mintToken(t, "user_1", h.now.Add(time.Minute))}}

	_, err := h.svc.GetToken(context.Background())
	require.NoError(t, err)
	_, err = h.svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.count())

	h.svc.ClearCache()

	_, err = h.svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.count())
}

func TestGetToken_SkipCache(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	fetcher.results = []fetchResult{{tok: mintToken(t, "user_1", h.now.Add(time.Minute))}}

	for i := 0; i < 3; i++ {
		_, err := h.svc.GetToken(context.Background(), SkipCache())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, fetcher.count())
}

func TestGetToken_PathsAndOrganizations(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	fetcher.results = []fetchResult{{tok: mintToken(t, "user_1", h.now.Add(time.Minute))}}

	_, err := h.svc.GetToken(context.Background())
	require.NoError(t, err)
	_, err = h.svc.GetToken(context.Background(), WithOrganization(""))
	require.NoError(t, err)
	_, err = h.svc.GetToken(context.Background(), WithTemplate("hasura"), WithOrganization("org_2"))
	require.NoError(t, err)

	assert.Equal(t, []fetchCall{
		{path: "/client/sessions/sess_1/tokens", organizationID: "org_1"},
		{path: "/client/sessions/sess_1/tokens", organizationID: ""},
		{path: "/client/sessions/sess_1/tokens/hasura", organizationID: "org_2"},
	}, fetcher.Calls())
}

func TestGetToken_CookieOnlyTracksDefaultToken(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	templated := mintToken(t, "templated", h.now.Add(time.Hour))
	fetcher.results = []fetchResult{{tok: templated}}

	_, err := h.svc.GetToken(context.Background(), WithTemplate("supabase"))
	require.NoError(t, err)
	assert.Empty(t, h.cookie(t))

	def := mintToken(t, "default", h.now.Add(time.Minute))
	fetcher.mu.Lock()
	fetcher.results = []fetchResult{{tok: def}}
	fetcher.calls = nil
	fetcher.mu.Unlock()

	_, err = h.svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, def.Raw(), h.cookie(t))
	assert.Equal(t, def, h.sessions.Active().LastActiveToken)
}

func TestGetToken_FailureIsSharedAndNotCached(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	tok := mintToken(t, "user_1", h.now.Add(time.Minute))
	fetcher.results = []fetchResult{
		{err: errors.NetworkError("offline", nil)},
		{tok: tok},
	}

	_, err := h.svc.GetToken(context.Background())
	assert.True(t, errors.IsNetwork(err))

	raw, err := h.svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok.Raw(), raw)
	assert.Equal(t, 2, fetcher.count())
}

func TestGetToken_SessionTouchInvalidatesKeys(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	fetcher.results = []fetchResult{{tok: mintToken(t, "user_1", h.now.Add(time.Minute))}}

	_, err := h.svc.GetToken(context.Background())
	require.NoError(t, err)

	h.sessions.Touch()

	_, err = h.svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.count())
}

func TestWaitForToken_Timeout(t *testing.T) {
	fetcher := &fakeFetcher{gate: make(chan struct{})}
	h := newHarness(t, fetcher)
	tok := mintToken(t, "user_1", h.now.Add(time.Minute))
	fetcher.results = []fetchResult{{tok: tok}}

	_, err := h.svc.WaitForToken(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeTimeout))

	// the fetch keeps running and later callers attach to it
	close(fetcher.gate)
	raw, err := h.svc.WaitForToken(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, tok.Raw(), raw)
	assert.Equal(t, 1, fetcher.count())
}

func TestSetAuthCookiesFromSession(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	tok := mintToken(t, "user_1", h.now.Add(time.Minute))
	fetcher.results = []fetchResult{{tok: tok}}

	active := h.sessions.Active()
	active.LastActiveToken = tok
	h.svc.SetAuthCookiesFromSession(context.Background(), active)

	assert.Equal(t, tok.Raw(), h.cookie(t))

	raw, err := h.svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok.Raw(), raw)
	assert.Equal(t, 0, fetcher.count(), "seeded token should be served from the cache")

	h.svc.SetAuthCookiesFromSession(context.Background(), nil)
	assert.Empty(t, h.cookie(t))
}

func TestSessionSwitchClearsCache(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	fetcher.results = []fetchResult{{tok: mintToken(t, "user_1", h.now.Add(time.Minute))}}

	_, err := h.svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, h.cookie(t))

	h.sessions.SetActive(&session.Session{ID: "sess_2", Status: session.StatusActive})
	assert.Equal(t, 0, h.svc.cache.Len())
	assert.Empty(t, h.cookie(t))

	_, err = h.svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/client/sessions/sess_2/tokens", fetcher.Calls()[1].path)
}

func TestGetToken_SignOutDuringFetchDiscardsResult(t *testing.T) {
	fetcher := &fakeFetcher{gate: make(chan struct{})}
	h := newHarness(t, fetcher)
	late := mintToken(t, "late", h.now.Add(time.Minute))
	fetcher.results = []fetchResult{{tok: late}}

	result := make(chan string, 1)
	go func() {
		raw, _ := h.svc.GetToken(context.Background())
		result <- raw
	}()
	require.Eventually(t, func() bool { return fetcher.count() == 1 }, time.Second, 5*time.Millisecond)

	h.sessions.SetActive(nil)
	assert.Empty(t, h.cookie(t))

	close(fetcher.gate)
	select {
	case raw := <-result:
		assert.Equal(t, late.Raw(), raw, "the waiting caller still gets its answer")
	case <-time.After(time.Second):
		t.Fatal("GetToken did not return")
	}

	assert.Empty(t, h.cookie(t), "a superseded fetch must not write the cookie")
	assert.Equal(t, 0, h.svc.cache.Len())
	assert.Nil(t, h.sessions.Active())
}

func TestGetToken_SessionSwitchDuringFetchDiscardsResult(t *testing.T) {
	fetcher := &fakeFetcher{gate: make(chan struct{})}
	h := newHarness(t, fetcher)
	fetcher.results = []fetchResult{{tok: mintToken(t, "previous", h.now.Add(time.Minute))}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.svc.GetToken(context.Background())
	}()
	require.Eventually(t, func() bool { return fetcher.count() == 1 }, time.Second, 5*time.Millisecond)

	h.sessions.SetActive(&session.Session{ID: "sess_2", Status: session.StatusActive})
	close(fetcher.gate)
	<-done

	assert.Empty(t, h.cookie(t))
	assert.Equal(t, 0, h.svc.cache.Len())
	assert.Nil(t, h.sessions.Active().LastActiveToken)
}

func TestRefresh_KeepsFreshCachedToken(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	tok := mintToken(t, "fresh", h.now.Add(time.Minute))
	fetcher.results = []fetchResult{{tok: tok}}

	_, err := h.svc.GetToken(context.Background())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.svc.refresh(context.Background()))
	}

	assert.Equal(t, 1, fetcher.count())
	assert.Equal(t, tok.Raw(), h.cookie(t))
}

func TestRefresh_FetchesWithinLeeway(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	expiring := mintToken(t, "expiring", h.now.Add(5*time.Second))
	next := mintToken(t, "next", h.now.Add(time.Minute))
	fetcher.results = []fetchResult{{tok: expiring}, {tok: next}}

	_, err := h.svc.GetToken(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.svc.refresh(context.Background()))
	assert.Equal(t, 2, fetcher.count())
	assert.Equal(t, next.Raw(), h.cookie(t))

	require.NoError(t, h.svc.refresh(context.Background()))
	assert.Equal(t, 2, fetcher.count())
}

func TestRefresh_UnauthorizedIsSwallowed(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{err: errors.UnauthorizedError("session ended", 401)}}}
	h := newHarness(t, fetcher)

	err := h.svc.refresh(context.Background())
	assert.True(t, errors.IsUnauthorized(err))

	assert.Equal(t, 1, fetcher.count(), "client errors are not retried")
	assert.Empty(t, h.reports.all())
	assert.Empty(t, h.cookie(t))
}

func TestRefresh_NetworkErrorsThenSuccess(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	third := mintToken(t, "third", h.now.Add(time.Minute))
	fetcher.results = []fetchResult{
		{err: errors.NetworkError("offline", nil)},
		{err: errors.NetworkError("offline", nil)},
		{tok: third},
	}

	require.NoError(t, h.svc.refresh(context.Background()))

	assert.Equal(t, 3, fetcher.count())
	assert.Equal(t, third.Raw(), h.cookie(t))
	assert.Empty(t, h.reports.all())

	raw, err := h.svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, third.Raw(), raw)
	assert.Equal(t, 3, fetcher.count(), "refreshed token should be cached")
}

func TestRefresh_OtherErrorsAreReported(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{err: errors.APIError(500, "", "boom")}}}
	h := newHarness(t, fetcher, func(c *Config) {
		c.Retry.MaxAttempts = 2
	})

	require.Error(t, h.svc.refresh(context.Background()))

	assert.Equal(t, 2, fetcher.count())
	reports := h.reports.all()
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].Error(), "token refresh failed")
}

func TestRefresh_ConsecutiveFailureThreshold(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{err: errors.NetworkError("offline", nil)}}}
	h := newHarness(t, fetcher, func(c *Config) {
		c.Retry.MaxAttempts = 1
		c.MaxConsecutiveFailures = 2
	})

	_ = h.svc.refresh(context.Background())
	assert.Empty(t, h.reports.all())

	_ = h.svc.refresh(context.Background())
	require.Len(t, h.reports.all(), 1)

	_ = h.svc.refresh(context.Background())
	assert.Len(t, h.reports.all(), 1, "counter starts over after reporting")
}

func TestRefresh_SilentByDefault(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{err: errors.NetworkError("offline", nil)}}}
	h := newHarness(t, fetcher, func(c *Config) {
		c.Retry.MaxAttempts = 1
	})

	for i := 0; i < 10; i++ {
		_ = h.svc.refresh(context.Background())
	}
	assert.Empty(t, h.reports.all())
}

func TestRefresh_SignedOutIsNoop(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	h.sessions.SetActive(nil)

	assert.NoError(t, h.svc.refresh(context.Background()))
	assert.Equal(t, 0, fetcher.count())
}

func TestInitAuth_PollsUnderLock(t *testing.T) {
	timer := poller.NewManualTimer()
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher, func(c *Config) {
		c.Poller = poller.New(locks.NewLocalLocker(locks.Options{}), poller.Config{
			Timer:  timer,
			Logger: logging.NewNopLogger(),
		})
	})
	tok := mintToken(t, "polled", h.now.Add(time.Minute))
	fetcher.results = []fetchResult{{tok: tok}}

	h.svc.InitAuth(context.Background(), InitOptions{EnablePolling: true})
	h.svc.InitAuth(context.Background(), InitOptions{EnablePolling: true})
	assert.Equal(t, 1, timer.Active())

	timer.Fire()
	assert.Eventually(t, func() bool { return h.cookie(t) == tok.Raw() }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.svc.Close())
	assert.Equal(t, 0, timer.Active())

	calls := fetcher.count()
	timer.Fire()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, fetcher.count())
}

func TestInitAuth_PollingDisabled(t *testing.T) {
	timer := poller.NewManualTimer()
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher, func(c *Config) {
		c.Poller = poller.New(locks.NewLocalLocker(locks.Options{}), poller.Config{
			Timer:  timer,
			Logger: logging.NewNopLogger(),
		})
	})

	h.svc.InitAuth(context.Background(), InitOptions{EnablePolling: false})
	assert.Equal(t, 0, timer.Armed())
}

func TestInitAuth_SyncsCookieFromSession(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	tok := mintToken(t, "known", h.now.Add(time.Minute))
	h.sessions.RecordToken("sess_1", tok)

	h.svc.InitAuth(context.Background(), InitOptions{})
	assert.Equal(t, tok.Raw(), h.cookie(t))
}

func TestInitAuth_RefreshesWhenVisible(t *testing.T) {
	visible := make(chan struct{})
	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher, func(c *Config) {
		c.Visibility = visible
	})
	tok := mintToken(t, "focused", h.now.Add(time.Minute))
	fetcher.results = []fetchResult{{tok: tok}}

	h.svc.InitAuth(context.Background(), InitOptions{})
	assert.Equal(t, 0, fetcher.count())

	visible <- struct{}{}
	assert.Eventually(t, func() bool { return h.cookie(t) == tok.Raw() }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.svc.Close())
	select {
	case <-h.svc.listenDone:
	case <-time.After(time.Second):
		t.Fatal("visibility listener did not stop")
	}
}

func TestClose_CancelsInFlightFetch(t *testing.T) {
	fetcher := &fakeFetcher{gate: make(chan struct{})}
	h := newHarness(t, fetcher)
	fetcher.results = []fetchResult{{tok: mintToken(t, "never", h.now.Add(time.Minute))}}

	var done int32
	go func() {
		_, _ = h.svc.GetToken(context.Background())
		atomic.StoreInt32(&done, 1)
	}()
	assert.Eventually(t, func() bool { return fetcher.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.svc.Close())
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&done) == 1 }, time.Second, 5*time.Millisecond)
}
