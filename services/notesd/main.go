package notesd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"notegate/gateway/auth"
	"notegate/gateway/middleware"
	"notegate/observability/logging"
	telemetry "notegate/observability/otel"
)

// Main initialises and runs the note registry daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/notesd/config.yaml", "path to notesd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("NOTEGATE_ENV"))
	logger := logging.Setup("notesd", env)
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("notesd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "notesd",
		MetricsPrefix: "notesd",
		Enabled:       true,
	}, nil)
	opts := []ServerOption{
		WithCORS(middleware.CORSConfig{AllowedOrigins: cfg.AllowedOrigins, AllowCredentials: true}),
		WithObservability(obs),
		WithServerLogger(logger.With("component", "notesd")),
	}
	if cfg.WriteAuth.Enabled() {
		nonces, err := auth.OpenLevelDBNonces(cfg.WriteAuth.NonceStore)
		if err != nil {
			return fmt.Errorf("open nonce store: %w", err)
		}
		defer nonces.Close()
		authOpts := []auth.Option{
			auth.WithNonceStore(nonces),
			auth.WithLogger(logger.With("component", "notesd.auth")),
		}
		if cfg.WriteAuth.ClockSkew.Duration > 0 {
			authOpts = append(authOpts, auth.WithClockSkew(cfg.WriteAuth.ClockSkew.Duration))
		}
		authenticator := auth.NewAuthenticator(cfg.WriteAuth.Secrets(), authOpts...)
		if err := authenticator.HydrateNonces(context.Background(), time.Now().Add(-10*time.Minute)); err != nil {
			return fmt.Errorf("hydrate nonces: %w", err)
		}
		opts = append(opts, WithWriteAuth(authenticator))
		logger.Info("registry writes require signatures", slog.Int("keys", len(cfg.WriteAuth.Keys)))
	}
	srv := NewServer(NewStore(db), opts...)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(srv.Handler(), "notesd"),
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("notesd listening", slog.String("addr", cfg.ListenAddress), slog.String("driver", cfg.Database.Driver))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
