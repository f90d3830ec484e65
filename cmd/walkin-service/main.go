package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"qms/walkin-service/internal/config"
	"qms/walkin-service/internal/httpapi"
	"qms/walkin-service/internal/logging"
	"qms/walkin-service/internal/telemetry"
)

const serviceName = "walkin-service"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Debug: cfg.Debug})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the auto caller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(ctx, cfg, logger)
		},
	}
	runOnce := &cobra.Command{
		Use:   "run-once",
		Short: "Run a single auto caller tick and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTick(ctx, cfg, logger)
		},
	}
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Walk-in queue service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.AddCommand(serve, runOnce)

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracing := telemetry.Setup(telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	handler := httpapi.NewHandler(a.store, a.authority, httpapi.Options{
		InternalToken:  cfg.InternalToken,
		Tokens:         cancelTokens(a),
		Runner:         a.scheduler,
		Recaller:       a.recaller,
		Events:         a.publisher,
		Logger:         logger.With(zap.String("component", "http")),
		VAPIDPublicKey: cfg.VAPIDPublicKey,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		LocationPerMinute: cfg.LocationRateLimitPerMinute,
		LocationBurst:     cfg.LocationRateLimitBurst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(handler.Routes())), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.AutoCallerEnabled {
		if err := a.scheduler.Start(cfg.AutoCallerInterval); err != nil {
			return err
		}
	} else {
		logger.Info("autocaller disabled by AUTO_CALLER_ENABLED")
	}

	return awaitShutdown(ctx, serverErr, a.scheduler.Stop, server.Shutdown, logger)
}

// awaitShutdown blocks until ctx ends or the server fails, then stops the
// scheduler before anything else. The scheduler must be idle before the
// caller's deferred close releases the store.
func awaitShutdown(ctx context.Context, serverErr <-chan error, stopScheduler, shutdownServer func(context.Context) error, logger *zap.Logger) error {
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = errors.Wrap(err, "server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := stopScheduler(shutdownCtx); err != nil {
		logger.Warn("autocaller stop", zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}
	if err := shutdownServer(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

func runTick(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	report, ran := a.scheduler.RunOnce(ctx)
	if !ran {
		return errors.New("tick already running")
	}
	logger.Info("tick complete",
		zap.Int("locations", report.Locations),
		zap.Int("failed", report.Failed),
		zap.Int("promoted", report.Promoted),
		zap.Duration("duration", report.Duration),
	)
	return report.Err
}

// cancelTokens avoids handing the handler a typed nil when tokens are disabled.
func cancelTokens(a *app) httpapi.CancelTokens {
	if a.tokens == nil {
		return nil
	}
	return a.tokens
}
