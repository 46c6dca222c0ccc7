// Command cave-server runs the submission pool HTTP API.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-cave-backend/internal/app"
	"github.com/tbourn/go-cave-backend/internal/config"
	httpapi "github.com/tbourn/go-cave-backend/internal/http"
	"github.com/tbourn/go-cave-backend/internal/http/handlers"
	"github.com/tbourn/go-cave-backend/internal/observability"
	"github.com/tbourn/go-cave-backend/internal/sysutil"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.ConfigureLogger(cfg.LogLevel, "cave-server", cfg.LogPretty, nil)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("cave-server exited")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close db")
		}
	}()
	if err := a.Start(ctx); err != nil {
		return err
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	h := handlers.New(handlers.Deps{
		Submissions:    a.Submissions,
		Blobs:          a.Blobs,
		DB:             a.DB,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	httpapi.RegisterRoutes(r, a.DB, h, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
