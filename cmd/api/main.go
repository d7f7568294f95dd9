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

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/voltvault/api/internal/di"
	"github.com/voltvault/api/internal/handlers"
	"github.com/voltvault/api/internal/payments"
	"github.com/voltvault/api/internal/platform/auth"
	"github.com/voltvault/api/internal/platform/config"
	pfirestore "github.com/voltvault/api/internal/platform/firestore"
	"github.com/voltvault/api/internal/platform/idempotency"
	"github.com/voltvault/api/internal/platform/jobs"
	"github.com/voltvault/api/internal/platform/observability"
	"github.com/voltvault/api/internal/platform/ruletable"
	"github.com/voltvault/api/internal/platform/secrets"
	platformstorage "github.com/voltvault/api/internal/platform/storage"
	"github.com/voltvault/api/internal/platform/textutil"
	"github.com/voltvault/api/internal/repositories"
	firestoreRepo "github.com/voltvault/api/internal/repositories/firestore"
	"github.com/voltvault/api/internal/services"
)

const idempotencyRedisPrefix = "voltvault:idem:"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	var providerOpts []pfirestore.ProviderOption
	if cfg.Firebase.CredentialsFile != "" {
		providerOpts = append(providerOpts, pfirestore.WithClientOptions(option.WithCredentialsFile(cfg.Firebase.CredentialsFile)))
	}
	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, providerOpts...)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	source, closeSource, err := newRuleSource(ctx, cfg.Shipping.RulesSource)
	if err != nil {
		logger.Fatal("failed to configure shipping rule source", zap.Error(err))
	}
	defer closeSource()
	rules, err := ruletable.NewHolder(ctx, source)
	if err != nil {
		logger.Fatal("failed to load shipping rules", zap.String("source", source.Name()), zap.Error(err))
	}
	logger.Info("shipping rules loaded",
		zap.String("source", source.Name()),
		zap.String("version", rules.Current().Version()),
	)

	eventLogger := observability.EventLogger(logger)
	services.ReportMissingCatchAll(ctx, rules.Current(), eventLogger)

	paymentManager, err := newPaymentManager(cfg, observability.EventLogger(logger.Named("payments")))
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	var (
		orderEvents services.OrderEventPublisher
		eventsTopic *pubsub.Topic
	)
	if topicID := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); topicID != "" && cfg.PubSub.ProjectID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		eventsTopic = pubsubClient.Topic(topicID)
		defer eventsTopic.Stop()
		publisher, err := jobs.NewPubSubOrderEventPublisher(eventsTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		orderEvents = publisher
	} else {
		logger.Warn("order events disabled: pubsub project or topic not configured")
	}

	idempotencyStore, redisClient, err := newIdempotencyStore(cfg.Idempotency, firestoreClient)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	healthRepo, err := newHealthRepository(firestoreClient, fetcher, eventsTopic, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(cfg, registry, di.Dependencies{
		Rules:    rules,
		Payments: paymentManager,
		Events:   orderEvents,
		Build:    buildInfo,
		Logger:   eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.EventLogger(logger.Named("idempotency"))),
	)

	authMetrics, err := observability.NewAuthMetrics(nil)
	if err != nil {
		logger.Fatal("failed to register auth metrics", zap.Error(err))
	}
	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), authMetrics, cfg)

	httpMetrics, err := observability.NewHTTPMetrics(nil)
	if err != nil {
		logger.Fatal("failed to register http metrics", zap.Error(err))
	}
	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware(traceProjectID(cfg)),
		observability.RequestLoggerMiddleware(logger.Named("http"), httpMetrics),
		observability.RecoveryMiddleware,
	}

	svc := container.Services
	cartHandlers := handlers.NewCartHandlers(svc.Quotes,
		handlers.WithQuoteRateLimiter(handlers.NewFixedWindowLimiter(cfg.RateLimit.QuoteRequests, cfg.RateLimit.QuoteWindow, time.Now)),
		handlers.WithCartMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)
	shippingRuleHandlers := handlers.NewShippingRuleHandlers(svc.ShippingRules)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithShippingRuleRoutes(shippingRuleHandlers.Routes),
		handlers.WithInternalRoutes(shippingRuleHandlers.InternalRoutes),
	}
	if svc.Orders != nil {
		orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders,
			handlers.WithOrderIdempotency(idempotencyMiddleware),
			handlers.WithCheckoutRedirects(cfg.Checkout.SuccessURL, cfg.Checkout.CancelURL),
			handlers.WithOrderMaxBodyBytes(cfg.Server.MaxBodyBytes),
		)
		opts = append(opts, handlers.WithOrderRoutes(orderHandlers.Routes))
	} else {
		logger.Warn("order placement disabled: order service not wired")
	}
	if oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	} else {
		logger.Warn("internal routes are unauthenticated: OIDC JWKS URL not configured")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("voltvault api listening", zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// newRuleSource maps API_SHIPPING_RULES_SOURCE onto a rule table source. The returned close
// function is always safe to call.
func newRuleSource(ctx context.Context, raw string) (ruletable.Source, func(), error) {
	noop := func() {}
	value := strings.TrimSpace(raw)
	switch {
	case value == "" || strings.EqualFold(value, "embedded"):
		return ruletable.EmbeddedSource{}, noop, nil
	case strings.HasPrefix(value, "gs://"):
		client, err := cloudstorage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("storage client: %w", err)
		}
		closeClient := func() { _ = client.Close() }
		reader, err := platformstorage.NewReader(client)
		if err != nil {
			closeClient()
			return nil, noop, err
		}
		source, err := ruletable.NewObjectSource(reader, value)
		if err != nil {
			closeClient()
			return nil, noop, err
		}
		return source, closeClient, nil
	default:
		return ruletable.FileSource{Path: value}, noop, nil
	}
}

func newPaymentManager(cfg config.Config, logger payments.StripeLogger) (*payments.Manager, error) {
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:    cfg.PSP.StripeAPIKey,
		AccountID: cfg.PSP.StripeAccountID,
		Logger:    logger,
		Clock:     time.Now,
	})
	if err != nil {
		return nil, err
	}
	return payments.NewManager(
		map[string]payments.Provider{"stripe": stripeProvider},
		payments.WithDefaultProvider(cfg.PSP.DefaultProvider),
	)
}

func newIdempotencyStore(cfg config.IdempotencyConfig, client *firestore.Client) (idempotency.Store, *redis.Client, error) {
	switch cfg.Backend {
	case config.IdempotencyBackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store, err := idempotency.NewRedisStore(redisClient, idempotencyRedisPrefix)
		if err != nil {
			_ = redisClient.Close()
			return nil, nil, err
		}
		return store, redisClient, nil
	case config.IdempotencyBackendMemory:
		return idempotency.NewMemoryStore(), nil, nil
	default:
		return idempotency.NewFirestoreStore(client), nil, nil
	}
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher, topic *pubsub.Topic, redisClient *redis.Client) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 4)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Timeout:  1500 * time.Millisecond,
			Critical: true,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		})
	}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Timeout:  500 * time.Millisecond,
			Critical: true,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, metrics *observability.AuthMetrics, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	validator := auth.NewOIDCValidator(cache,
		auth.WithOIDCLogger(auth.Logger(observability.EventLogger(logger))),
		auth.WithOIDCMetrics(metrics),
	)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := secretProjectMapFromEnv(env); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPinsFromEnv(env); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets the process cannot start without. The Redis password
// is only mandatory when it is configured as a secret reference.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"PSP.StripeAPIKey"}
	if strings.EqualFold(strings.TrimSpace(env["API_IDEMPOTENCY_BACKEND"]), config.IdempotencyBackendRedis) &&
		strings.TrimSpace(env["API_IDEMPOTENCY_REDIS_PASSWORD"]) != "" {
		required = append(required, "Idempotency.RedisPassword")
	}
	return required
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	projects := make(map[string]string)
	for label, project := range textutil.ParseKeyValueList(env["API_SECRET_PROJECT_IDS"]) {
		projects[strings.ToLower(label)] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range textutil.ParseKeyValueList(env["API_SECRET_VERSION_PINS"]) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}
