package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"identity-session/internal/common/logging"
	"identity-session/internal/config"
)

// Run loads the configuration, starts the application and blocks until the
// process is asked to stop.
func Run() error {
	_ = godotenv.Load()

	cfg := config.Load()
	logging.InitGlobalLogger(cfg.LogLevel, cfg.LogFormat)
	defer logging.MustSync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	app, err := New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		_ = app.Shutdown(ctx)
		return err
	}
	app.Logger.Info("Session token service started",
		logging.Field{Key: "polling", Value: cfg.EnablePolling},
		logging.Field{Key: "interval", Value: cfg.PollInterval.String()},
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	visible := make(chan os.Signal, 1)
	notifyVisibility(visible)
	defer signal.Stop(stop)
	defer signal.Stop(visible)

	for {
		select {
		case <-visible:
			app.NotifyVisible()
		case <-stop:
			app.Logger.Info("Shutting down...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			cancel()
			return app.Shutdown(shutdownCtx)
		}
	}
}
