// Command plangame runs the planning-game server: the session directory, the
// JSON RPC surface, the websocket live feed and the operational endpoints.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ngi/plangame/internal/auth"
	"ngi/plangame/internal/config"
	"ngi/plangame/internal/directory"
	"ngi/plangame/internal/httpapi"
	"ngi/plangame/internal/livefeed"
	"ngi/plangame/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	//1.- A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Fatal("logging setup failed", logging.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	dir := directory.New(
		directory.WithLogger(logger),
		directory.WithTraceDir(cfg.TraceDir),
		directory.WithGracePeriod(cfg.GracePeriod),
		directory.WithNotifyWait(cfg.NotifyWait),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//2.- The removal sweep reclaims clients whose grace period lapsed.
	go dir.Registry().Run(ctx, cfg.SweepInterval)

	var guard *auth.TokenGuard
	if cfg.FeedSecret != "" {
		guard, err = auth.NewTokenGuard(cfg.FeedSecret, time.Minute)
		if err != nil {
			logger.Fatal("feed guard setup failed", logging.Error(err))
		}
	} else {
		logger.Warn("feed secret not set, live feed runs unauthenticated")
	}

	mux := http.NewServeMux()
	httpapi.NewAPI(dir, guard, logger).Register(mux)
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:     logger,
		Stats:      dir,
		Traces:     dir,
		AdminToken: cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(
			cfg.TraceDumpWindow, cfg.TraceDumpBurst, time.Now),
		BaseURL: cfg.BaseURL,
	})
	handlers.Register(mux)
	feed := livefeed.New(dir, guard, cfg.AllowedOrigins, livefeed.WithLogger(logger))
	mux.HandleFunc("/feed", feed.Handler())

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", logging.String("addr", cfg.Address))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", logging.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", logging.Error(err))
	}
	//3.- Ending sessions last lets in-flight RPCs finish against live state.
	dir.Shutdown()
	logger.Info("server stopped")
}
