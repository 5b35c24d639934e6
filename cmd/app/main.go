// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ai-batch-processor/internal/application"
	"ai-batch-processor/internal/config"
	"ai-batch-processor/internal/infra/logging"
	"ai-batch-processor/internal/infra/metrics"
	"ai-batch-processor/internal/infra/sched"
	"ai-batch-processor/internal/infra/web"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, unredacted fields)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("app stopped")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	rt, err := application.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// ---- HTTP ----
	auth := web.NewAuthManager(cfg.HTTP.JWTSecret, cfg.HTTP.TokenTTL)
	if !auth.Enabled() {
		logger.Warn().Msg("http.jwt_secret not set; /api/v1 is disabled")
	}
	var limiter web.SubmitLimiter
	if rt.Limiter != nil {
		limiter = rt.Limiter
	}
	srv := web.NewServer(rt.Batch, auth, limiter, cfg.HTTP.SubmitWindow, logger).
		NewHTTPServer(fmt.Sprintf(":%d", cfg.HTTP.Port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sched.NewStoreSweeper(cfg.Scheduler.StoreSweepInterval, rt.Store, rt.Backend, logger).Run(gctx)
	})
	g.Go(func() error {
		return config.Watch(gctx, cfg.Runtime.Path, cfg.Runtime.Dev, logger, rt.Batch.Reload)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
		if err := rt.Close(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("runtime close")
		}
		return nil
	})
	return g.Wait()
}
