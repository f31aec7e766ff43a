package notegate

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

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"notegate/core/access"
	"notegate/core/publish"
	"notegate/core/session"
	"notegate/core/txn"
	"notegate/crypto"
	"notegate/gateway/auth"
	"notegate/gateway/middleware"
	"notegate/integrations/pinata"
	"notegate/integrations/webhooks"
	"notegate/observability"
	"notegate/observability/logging"
	telemetry "notegate/observability/otel"
	"notegate/sdk/notes"
	"notegate/wallet"
	"notegate/wallet/passphrase"
)

// Main initialises and runs the notegate daemon.
func Main() error {
	var (
		cfgPath  string
		logLevel string
	)
	flag.StringVar(&cfgPath, "config", "services/notegate/config.yaml", "path to notegate configuration")
	flag.StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("NOTEGATE_ENV"))
	logger := logging.Setup("notegate", env,
		logging.WithLevel(logging.ParseLevel(logLevel)),
		logging.WithFile(cfg.LogFile, 100, 5))
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("notegate", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	provider, err := openWallet(cfg, logger)
	if err != nil {
		return err
	}
	defer provider.Close()

	metrics := observability.Notegate()
	sessions, err := session.NewManager(provider, session.Config{
		Network:         cfg.Network.Network,
		ContractAddress: common.HexToAddress(cfg.ContractAddress),
	},
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithTracer(otel.Tracer("notegate/core/session")),
	)
	if err != nil {
		return fmt.Errorf("init sessions: %w", err)
	}
	defer sessions.Close()

	journal, err := OpenJournal(cfg.JournalPath, nil)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	orchestrator, err := txn.New(sessions,
		txn.WithRetry(cfg.Transactions.ReadRetries, cfg.Transactions.RetryDelay.Duration),
		txn.WithConfirmTimeout(cfg.Transactions.ConfirmTimeout.Duration),
		txn.WithPollInterval(cfg.Transactions.PollInterval.Duration),
		txn.WithMetrics(metrics),
		txn.WithJournal(journal),
		txn.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	mode, err := access.ParseMode(cfg.Access.Mode)
	if err != nil {
		return err
	}
	if mode == access.ModeBalance {
		logger.Warn("access mode balance is deprecated; hasNoteAccess is authoritative")
	}
	reconciler, err := access.NewReconciler(sessions,
		access.WithMode(mode),
		access.WithConcurrency(cfg.Access.Concurrency),
		access.WithMetrics(metrics),
		access.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init access reconciler: %w", err)
	}
	defer reconciler.Close()

	registryOpts := []notes.Option{notes.WithAuthToken(cfg.Registry.Token)}
	if cfg.Registry.SigningKeyID != "" {
		registryOpts = append(registryOpts, notes.WithSigner(auth.NewSigner(cfg.Registry.SigningKeyID, cfg.Registry.SigningSecret)))
	}
	registry, err := notes.New(cfg.Registry.URL, registryOpts...)
	if err != nil {
		return fmt.Errorf("init registry client: %w", err)
	}
	uploader, err := pinata.New(pinata.Credentials{
		APIKey:    cfg.Pinata.APIKey,
		APISecret: cfg.Pinata.APISecret,
		JWT:       cfg.Pinata.JWT,
	}, pinata.WithEndpoint(cfg.Pinata.Endpoint))
	if err != nil {
		return fmt.Errorf("init pinata: %w", err)
	}
	logger.Info("pinning configured",
		logging.MaskField("pinata_api_key", cfg.Pinata.APIKey),
		logging.MaskField("pinata_jwt", cfg.Pinata.JWT))

	publishOpts := []publish.Option{publish.WithLogger(logger)}
	if cfg.Webhook.URL != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.URL, []byte(cfg.Webhook.Secret),
			webhooks.WithMetrics(observability.Events()),
			webhooks.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("init webhooks: %w", err)
		}
		defer dispatcher.Close()
		publishOpts = append(publishOpts, publish.WithNotifier(dispatcher))
	}
	publisher, err := publish.New(sessions, orchestrator, registry, uploader, reconciler, publishOpts...)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}

	var authenticator *middleware.Authenticator
	if cfg.Auth.Enabled {
		authenticator = middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret:          cfg.Auth.HMACSecret,
			Issuer:              cfg.Auth.Issuer,
			Audience:            cfg.Auth.Audience,
			AllowAnonymousReads: cfg.Auth.AllowAnonymousReads,
		}, logger)
	}
	perSecond := cfg.RateLimit.RequestsPerMinute / 60
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		RouteWrites: {RatePerSecond: perSecond, Burst: cfg.RateLimit.Burst},
		RouteWallet: {RatePerSecond: perSecond, Burst: cfg.RateLimit.Burst},
	}, logger)
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "notegate",
		MetricsPrefix: "notegate_http",
		Enabled:       true,
	}, logger)

	srv := NewServer(ServerConfig{
		Flows:         publisher,
		Transactions:  orchestrator,
		Sessions:      sessions,
		Wallet:        provider,
		Journal:       journal,
		Access:        reconciler,
		Authenticator: authenticator,
		RateLimiter:   limiter,
		Observability: obs,
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.AllowedOrigins, AllowCredentials: true},
		Logger:        logger,
	})
	httpServer := &http.Server{
		Addr:        cfg.ListenAddress,
		Handler:     otelhttp.NewHandler(srv.Handler(), "notegate"),
		ReadTimeout: 15 * time.Second,
		// Writes block until a receipt arrives.
		WriteTimeout: cfg.Transactions.ConfirmTimeout.Duration + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("notegate listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("network", cfg.Network.ChainName),
			slog.String("contract", cfg.ContractAddress))
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

func openWallet(cfg Config, logger *slog.Logger) (*wallet.KeystoreProvider, error) {
	source := passphrase.NewSource("NOTEGATE_KEYSTORE_PASSPHRASE")
	if cfg.Wallet.Passphrase != "" {
		source = passphrase.Static(cfg.Wallet.Passphrase)
	}
	secret, err := source.Get()
	if err != nil {
		return nil, err
	}
	keys, err := crypto.LoadKeystoreDir(cfg.Wallet.KeystoreDir, secret)
	if err != nil {
		return nil, fmt.Errorf("load keystore: %w", err)
	}
	approver := wallet.AutoApprove
	if cfg.Wallet.Approval == ApprovalPrompt {
		approver = wallet.NewTerminalApprover()
	}
	provider, err := wallet.NewKeystoreProvider(keys, wallet.WithApprover(approver))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := provider.RegisterNetwork(ctx, cfg.Network.Network); err != nil {
		provider.Close()
		return nil, fmt.Errorf("register network: %w", err)
	}
	if cfg.Wallet.Account != "" {
		if err := provider.SelectAccount(common.HexToAddress(cfg.Wallet.Account)); err != nil {
			provider.Close()
			return nil, fmt.Errorf("select account: %w", err)
		}
	}
	logger.Info("wallet ready", slog.Int("accounts", len(keys)), slog.String("approval", cfg.Wallet.Approval))
	return provider, nil
}
