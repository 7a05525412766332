package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/tripfare/api/internal/di"
	"github.com/tripfare/api/internal/handlers"
	"github.com/tripfare/api/internal/platform/auth"
	"github.com/tripfare/api/internal/platform/config"
	"github.com/tripfare/api/internal/platform/idempotency"
	"github.com/tripfare/api/internal/platform/observability"
	"github.com/tripfare/api/internal/platform/secrets"
	"github.com/tripfare/api/internal/services"
)

const envPrefix = "TRIPFARE_"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(lookupEnv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := services.BuildInfo{
		Version:     firstNonEmpty(lookupEnv("BUILD_VERSION"), "dev"),
		CommitSHA:   firstNonEmpty(lookupEnv("BUILD_COMMIT_SHA"), "unknown"),
		Environment: cfg.Server.Environment,
		StartedAt:   startedAt,
	}

	container, err := di.NewContainer(ctx, cfg, logger, di.WithBuildInfo(buildInfo))
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	container.Start(workerCtx)

	router := handlers.NewRouter(routerOptions(cfg, container, buildInfo, logger)...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("tripfare api listening", zap.String("environment", cfg.Server.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	stopWorkers()
}

func routerOptions(cfg config.Config, c *di.Container, build services.BuildInfo, logger *zap.Logger) []handlers.Option {
	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	httpLogger := logger.Named("http")
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(httpLogger),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(httpLogger),
		observability.RequestLoggerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthSystemService(c.System),
	)
	pricingHandlers := handlers.NewPricingHandlers(
		handlers.WithPricingComposer(c.Composer),
		handlers.WithPricingTaxCalculator(c.Tax),
		handlers.WithPricingConverter(c.Converter),
		handlers.WithPricingRateRefresher(c.Refresher),
		handlers.WithPricingMarkupRepository(c.Registry.MarkupSettings()),
		handlers.WithPricingTaxRepository(c.Registry.TaxConfigurations()),
		handlers.WithPricingSources(c.Sources...),
		handlers.WithPricingDefaultMarkup(c.DefaultMarkup()),
		handlers.WithQuoteRateLimit(cfg.Server.QuoteRateLimit, cfg.Server.QuoteRateWindow),
	)
	packageHandlers := handlers.NewPackageHandlers(
		handlers.WithPackageSyncManager(c.Sync),
		handlers.WithPackageMarkupRepository(c.Registry.MarkupSettings()),
		handlers.WithPackageDefaultMarkup(c.DefaultMarkup()),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPublicRoutes(pricingHandlers.Routes, packageHandlers.Routes),
		handlers.WithAdminRoutes(pricingHandlers.AdminRoutes, packageHandlers.AdminRoutes),
		handlers.WithSignalRoutes(packageHandlers.SignalRoutes),
	}

	authLogger := logger.Named("auth")
	meter := otel.Meter("github.com/tripfare/api/internal/platform/auth")
	if audience := strings.TrimSpace(cfg.Security.OIDCAudience); audience != "" {
		validator := auth.NewOIDCValidator(auth.NewJWKSCache(cfg.Security.JWKSURL),
			auth.WithOIDCLogger(authLogger),
			auth.WithOIDCMeter(meter),
		)
		opts = append(opts, handlers.WithAdminMiddlewares(validator.RequireOIDC(audience, cfg.Security.OIDCIssuers)))
	} else {
		authLogger.Warn("oidc audience not configured; admin routes are unauthenticated")
	}
	// Runs after OIDC so replay keys are scoped to the verified caller.
	opts = append(opts, handlers.WithAdminMiddlewares(idempotency.Middleware(c.Idempotency,
		idempotency.WithLogger(logger.Named("idempotency")),
	)))
	// Without a secret the verifier answers 503, so the webhook never runs unauthenticated.
	verifier := auth.NewSignatureVerifier(cfg.Security.SignalSecret,
		auth.WithSignatureLogger(authLogger),
		auth.WithSignatureMeter(meter),
	)
	opts = append(opts, handlers.WithSignalMiddlewares(verifier.Require))
	return opts
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	opts := []secrets.Option{secrets.WithLogger(logger.Named("secrets"))}
	if project := lookupEnv("SECRET_PROJECT_ID"); project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if path := lookupEnv("SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func lookupEnv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
