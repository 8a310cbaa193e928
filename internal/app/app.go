package app

import (
	"context"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"identity-session/internal/auth"
	"identity-session/internal/circuitbreaker"
	"identity-session/internal/common/logging"
	"identity-session/internal/common/ratelimit"
	"identity-session/internal/common/utils"
	"identity-session/internal/config"
	"identity-session/internal/cookies"
	"identity-session/internal/fapi"
	"identity-session/internal/locks"
	"identity-session/internal/metrics"
	"identity-session/internal/poller"
	"identity-session/internal/redis"
	"identity-session/internal/server"
	"identity-session/internal/session"
	"identity-session/internal/token"
)

// App holds all the application dependencies
type App struct {
	Config      *config.Config
	RedisClient *redis.Client
	Locker      locks.Locker
	Cookies     cookies.Jar
	Fetcher     fapi.TokenFetcher
	Sessions    *session.Context
	Poller      *poller.Poller
	Auth        *auth.Service
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Logger      logging.Logger

	status     *server.Server
	visibility chan struct{}
}

// Option customizes New, mostly for tests.
type Option func(*App)

// WithFetcher replaces the HTTP token fetcher.
func WithFetcher(f fapi.TokenFetcher) Option {
	return func(a *App) {
		a.Fetcher = f
	}
}

// WithTimer replaces the poller's cron timer.
func WithTimer(t poller.TimerSource) Option {
	return func(a *App) {
		a.Poller = poller.New(a.Locker, poller.Config{
			Interval: a.Config.PollInterval,
			LockName: a.Config.LockName,
			Timer:    t,
		})
	}
}

// New creates a new application instance with all dependencies
func New(cfg *config.Config, opts ...Option) (*App, error) {
	app := &App{
		Config:     cfg,
		Logger:     logging.Component("app"),
		Registry:   prometheus.NewRegistry(),
		Sessions:   session.Create(),
		visibility: make(chan struct{}, 1),
	}
	app.Metrics = metrics.New(app.Registry)

	if err := app.initializeRedis(); err != nil {
		return nil, err
	}
	if err := app.initializeCoordination(); err != nil {
		app.closeRedis()
		return nil, err
	}

	for _, opt := range opts {
		opt(app)
	}

	if err := app.initializeAuth(); err != nil {
		app.closeRedis()
		return nil, err
	}
	if err := app.bootstrapSession(); err != nil {
		_ = app.Auth.Close()
		app.closeRedis()
		return nil, err
	}

	return app, nil
}

func (app *App) initializeRedis() error {
	if !app.Config.NeedsRedis() {
		app.Logger.Info("Redis: Not configured, coordination is process-local")
		return nil
	}

	client, err := redis.NewClient(&redis.Config{
		Address:  app.Config.RedisAddress,
		Password: app.Config.RedisPassword,
		DB:       app.Config.RedisDB,
		PoolSize: app.Config.RedisPoolSize,
	})
	if err != nil {
		return err
	}

	app.RedisClient = client
	app.Logger.Info("Redis: Connected", logging.Field{Key: "address", Value: app.Config.RedisAddress})
	return nil
}

func (app *App) initializeCoordination() error {
	locker, err := locks.NewLocker(app.Config.LockBackend, app.RedisClient, locks.Options{
		Wait:   app.Config.LockWait,
		Expiry: app.Config.LockExpiry,
	})
	if err != nil {
		return err
	}
	app.Locker = locker

	jar, err := cookies.NewJar(app.Config.CookieBackend, app.RedisClient, app.Config.CookiePrefix, 0)
	if err != nil {
		return err
	}
	app.Cookies = jar

	app.Poller = poller.New(locker, poller.Config{
		Interval: app.Config.PollInterval,
		LockName: app.Config.LockName,
	})

	app.Logger.Info("Coordination configured",
		logging.Field{Key: "lock_backend", Value: app.Config.LockBackend},
		logging.Field{Key: "cookie_backend", Value: app.Config.CookieBackend},
	)
	return nil
}

func (app *App) initializeAuth() error {
	if app.Fetcher == nil {
		burst := int(math.Ceil(app.Config.TokenFetchRPS))
		fetcher, err := fapi.NewClient(fapi.Config{
			FrontendAPI: app.Config.FrontendAPIURL,
			Timeout:     app.Config.TokenFetchTimeout,
			RateLimit: ratelimit.Config{
				Enabled:           true,
				RequestsPerSecond: app.Config.TokenFetchRPS,
				BurstSize:         burst * 2,
			},
			Breaker: circuitbreaker.DefaultConfig(),
		})
		if err != nil {
			return err
		}
		app.Fetcher = fetcher
	}

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = app.Config.RefreshMaxRetries
	retry.InitialDelay = app.Config.RefreshInitialDelay
	retry.MaxDelay = app.Config.RefreshMaxDelay

	svc, err := auth.NewService(auth.Config{
		Fetcher:                app.Fetcher,
		Sessions:               app.Sessions,
		Cookies:                app.Cookies,
		Poller:                 app.Poller,
		Metrics:                app.Metrics,
		Visibility:             app.visibility,
		Retry:                  retry,
		MaxConsecutiveFailures: app.Config.MaxConsecutiveFailures,
	})
	if err != nil {
		return err
	}
	app.Auth = svc
	return nil
}

// bootstrapSession activates the session named in the configuration.
func (app *App) bootstrapSession() error {
	if app.Config.SessionID == "" {
		app.Logger.Info("No session configured, starting signed out")
		return nil
	}

	tok, err := token.Decode(app.Config.SessionToken)
	if err != nil {
		return fmt.Errorf("SESSION_TOKEN: %w", err)
	}

	app.Sessions.SetActive(&session.Session{
		ID:                       app.Config.SessionID,
		Status:                   session.StatusActive,
		LastActiveToken:          tok,
		LastActiveOrganizationID: app.Config.OrganizationID,
	})
	app.Logger.Info("Session activated", logging.Field{Key: "session_id", Value: app.Config.SessionID})
	return nil
}

// Start initializes authentication and the optional status endpoint.
func (app *App) Start(ctx context.Context) error {
	app.Auth.InitAuth(ctx, auth.InitOptions{EnablePolling: app.Config.EnablePolling})

	if app.Config.StatusAddress == "" {
		return nil
	}
	app.status = server.New(app.Routes(), app.Config.StatusAddress)
	if err := app.status.Start(); err != nil {
		return fmt.Errorf("failed to start status endpoint: %w", err)
	}
	app.Logger.Info("Status endpoint listening", logging.Field{Key: "address", Value: app.status.Addr()})
	return nil
}

// NotifyVisible reports that the host became visible again. Events arriving
// while one is still pending are coalesced.
func (app *App) NotifyVisible() {
	select {
	case app.visibility <- struct{}{}:
	default:
	}
}

// Shutdown stops background work and releases every resource.
func (app *App) Shutdown(ctx context.Context) error {
	if app.status != nil {
		if err := app.status.Shutdown(ctx); err != nil {
			app.Logger.Warn("Error stopping status endpoint", logging.Err(err))
		}
		app.status = nil
	}

	if err := app.Auth.Close(); err != nil {
		app.Logger.Warn("Error stopping auth service", logging.Err(err))
	}
	app.Sessions.Destroy()

	if closer, ok := app.Locker.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			app.Logger.Warn("Error releasing locks", logging.Err(err))
		}
	}
	app.closeRedis()
	return nil
}

func (app *App) closeRedis() {
	if app.RedisClient == nil {
		return
	}
	if err := app.RedisClient.Close(); err != nil {
		app.Logger.Warn("Error closing Redis client", logging.Err(err))
	}
	app.RedisClient = nil
}
