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

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hanko-field/fulfillment/internal/di"
	"github.com/hanko-field/fulfillment/internal/handlers"
	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/platform/config"
	"github.com/hanko-field/fulfillment/internal/platform/events"
	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
	"github.com/hanko-field/fulfillment/internal/platform/lease"
	"github.com/hanko-field/fulfillment/internal/platform/observability"
	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
	"github.com/hanko-field/fulfillment/internal/platform/secrets"
	platformstorage "github.com/hanko-field/fulfillment/internal/platform/storage"
	"github.com/hanko-field/fulfillment/internal/repositories"
	firestoreRepo "github.com/hanko-field/fulfillment/internal/repositories/firestore"
	"github.com/hanko-field/fulfillment/internal/shipping"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("FULFILLMENT_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("fulfillment")
	ctx = requestctx.WithLogger(ctx, logger)

	resolver := secrets.NewResolver(ctx, secretProjectID(),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(envOr("FULFILLMENT_SECRET_FALLBACK_FILE", ".secrets.local")),
	)
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(cfg, startedAt)
	eventLogger := observability.NewEventLogger(logger)
	metrics := observability.NewMetrics(nil, logger.Named("metrics"))

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	if host := strings.TrimSpace(cfg.PubSub.EmulatorHost); host != "" {
		_ = os.Setenv("PUBSUB_EMULATOR_HOST", host)
	}
	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	topic := pubsubClient.Topic(cfg.PubSub.EventsTopic)
	defer topic.Stop()
	publisher, err := events.NewPubSubPublisher(topic)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}

	infra := di.Infrastructure{
		Events:   publisher,
		Notifier: publisher,
		Locker:   lease.NewFirestoreLocker(firestoreProvider, time.Now),
		JobStore: jobs.NewFirestoreStore(firestoreProvider),
		Metrics:  metrics,
		Logger:   eventLogger,
		Clock:    time.Now,
	}

	var storageClient *cloudstorage.Client
	if bucket := strings.TrimSpace(cfg.Storage.LabelsBucket); bucket != "" {
		storageClient, err = cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		archive, err := platformstorage.NewLabelArchive(bucket,
			platformstorage.GCSObjects{Client: storageClient},
			labelSigner(logger),
			platformstorage.WithSignedURLTTL(cfg.Storage.SignedURLTTL),
		)
		if err != nil {
			logger.Fatal("failed to initialise label archive", zap.Error(err))
		}
		infra.Labels = archive
	} else {
		logger.Info("label archiving disabled: no labels bucket configured")
	}

	carrier, err := shipping.NewHTTPCarrier(cfg.Carrier.Name, cfg.Carrier.BaseURL, cfg.Carrier.Token,
		shipping.WithTimeout(cfg.Carrier.Timeout),
		shipping.WithRateLimit(cfg.Carrier.RatePerSecond, cfg.Carrier.Burst),
		shipping.WithUserAgent(cfg.Carrier.UserAgent),
	)
	if err != nil {
		logger.Fatal("failed to initialise carrier client", zap.Error(err))
	}
	infra.Carriers = []shipping.Carrier{carrier}

	container, err := di.NewContainer(ctx, cfg, registry, infra)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	healthRepo, err := newHealthRepository(firestoreProvider, topic, storageClient, cfg.Storage.LabelsBucket)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}
	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if healthRepo != nil {
		healthOpts = append(healthOpts, handlers.WithHealthRepository(healthRepo))
	}

	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Payments, container.Services.Tracking,
		handlers.WithCarrierSignature(cfg.Carrier.Name, auth.NewBodySignature(cfg.Carrier.WebhookSecret)),
		handlers.WithSignatureHeaders(cfg.Gateways.SignatureHeader, cfg.Carrier.SignatureHeader),
		handlers.WithWebhookBodyLimit(cfg.Server.WebhookBodyLimit),
	)
	shipmentHandlers := handlers.NewShipmentHandlers(container.Services.Fulfillment, container.Services.Scheduler)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(traceProjectID(cfg)),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(shipmentHandlers.Routes),
	}
	if mw := buildOIDCMiddleware(logger, cfg); mw != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(mw))
	}

	router := handlers.NewRouter(opts...)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("environment", buildInfo.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if cfg.Jobs.Disabled {
		logger.Info("job runner disabled")
	} else {
		group.Go(func() error {
			logger.Info("job runner starting", zap.String("queue", cfg.Jobs.Queue), zap.Int("workers", cfg.Jobs.Workers))
			if err := container.Runner.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("job runner error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("fulfillment stopped with error", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}

func buildInfoFromEnv(cfg config.Config, started time.Time) handlers.BuildInfo {
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     envOr("FULFILLMENT_BUILD_VERSION", "dev"),
		CommitSHA:   envOr("FULFILLMENT_BUILD_COMMIT_SHA", "unknown"),
		Environment: environment,
		StartedAt:   started,
	}
}

func newHealthRepository(provider *pfirestore.Provider, topic *pubsub.Topic, storageClient *cloudstorage.Client, bucket string) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{
		{Name: "firestore", Check: provider.Ping},
		{Name: "pubsub", Check: func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("topic %s does not exist", topic.ID())
			}
			return nil
		}},
	}
	if storageClient != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "storage", Check: func(ctx context.Context) error {
			_, err := storageClient.Bucket(bucket).Attrs(ctx)
			return err
		}})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	env := strings.ToLower(strings.TrimSpace(cfg.Security.Environment))
	if oidc.DisableForDev && (env == "local" || env == "dev") {
		logger.Warn("oidc verification disabled for internal endpoints", zap.String("environment", env))
		return nil
	}
	if strings.TrimSpace(oidc.Audience) == "" {
		logger.Warn("oidc audience not configured, internal endpoints are unauthenticated")
		return nil
	}
	verifier, err := auth.NewOIDCVerifier(auth.NewJWKSCache(oidc.JWKSURL, nil, nil), auth.OIDCOptions{
		Audience:      oidc.Audience,
		Issuers:       oidc.Issuers,
		AllowedEmails: oidc.AllowedEmails,
	})
	if err != nil {
		logger.Fatal("failed to initialise oidc verifier", zap.Error(err))
	}
	return verifier.RequireOIDC()
}

// labelSigner loads the service account key used for signed label URLs. Without one the archive
// still copies labels but cannot hand out signed links.
func labelSigner(logger *zap.Logger) platformstorage.Signer {
	path := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	if path == "" {
		return nil
	}
	signer, err := platformstorage.NewServiceAccountSignerFromFile(path)
	if err != nil {
		logger.Warn("label signer unavailable", zap.Error(err))
		return nil
	}
	return signer
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.PubSub.ProjectID)
}

func secretProjectID() string {
	if id := strings.TrimSpace(os.Getenv("FULFILLMENT_SECRET_PROJECT_ID")); id != "" {
		return id
	}
	return strings.TrimSpace(os.Getenv("FULFILLMENT_FIRESTORE_PROJECT_ID"))
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
