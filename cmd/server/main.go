package main

import (
	"buttonsync/internal/app"
	"buttonsync/internal/config"
	"buttonsync/internal/events"
	"buttonsync/internal/logger"
	"buttonsync/internal/service"
	"buttonsync/internal/transport/rest"
	"buttonsync/internal/transport/ws"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// @title Button Sync API
// @version 1.0
// @description Two-party simultaneous button press rendezvous
// @host localhost:8080
// @BasePath /v1
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Setup("info", "development")
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Setup(cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

// run serves until ctx is cancelled or the listener fails. Everything it opens
// is closed before it returns.
func run(ctx context.Context, cfg *config.Config) error {
	clock := clockwork.NewRealClock()

	backend, err := app.New(ctx, cfg, clock)
	if err != nil {
		return fmt.Errorf("initialize %s store: %w", cfg.StoreBackend, err)
	}
	defer backend.Close(context.Background())

	secret := cfg.JWTSecret
	if secret == "" {
		if secret, err = randomSecret(); err != nil {
			return err
		}
		log.Warn().Msg("JWT_SECRET not set, initiator tokens will not survive a restart")
	}

	// Initialize WebSocket hub
	wsHub := ws.NewHub()
	defer wsHub.Close()

	// Initialize services
	authSvc := service.NewAuthService(secret, clock)
	sessionSvc := service.NewSessionService(backend.Store, backend.Stats,
		service.WithClock(clock),
		service.WithSessionTTL(cfg.SessionTTL),
		service.WithSimultaneityWindow(cfg.SimultaneityWindow),
	)

	// Inject broadcaster: local hub, relayed through NATS when configured
	var broadcaster service.Broadcaster = wsHub
	if cfg.NATSURL != "" {
		bridge, err := events.NewBridge(events.DefaultConfig(cfg.NATSURL), wsHub)
		if err != nil {
			return fmt.Errorf("session update bridge: %w", err)
		}
		defer bridge.Close()
		broadcaster = bridge
	}
	sessionSvc.SetBroadcaster(broadcaster)

	router := rest.NewRouter(&rest.Container{
		SessionService: sessionSvc,
		AuthService:    authSvc,
		WSHub:          wsHub,
		Logger:         log.Logger,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Expired-session cleanup
	if cfg.SweepInterval > 0 {
		sweeper := service.NewSweeper(backend.Store, clock, cfg.SweepInterval, cfg.SweepRetention)
		go sweeper.Run(serveCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("port", cfg.HTTPPort).
			Str("backend", cfg.StoreBackend).
			Dur("session_ttl", cfg.SessionTTL).
			Dur("window", cfg.SimultaneityWindow).
			Msg("server starting")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited")
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate JWT secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
