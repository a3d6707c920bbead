package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/shopvn/orderflow/internal/handlers"
	"github.com/shopvn/orderflow/internal/payments"
	"github.com/shopvn/orderflow/internal/platform/auth"
	"github.com/shopvn/orderflow/internal/platform/config"
	pfirestore "github.com/shopvn/orderflow/internal/platform/firestore"
	"github.com/shopvn/orderflow/internal/platform/idempotency"
	"github.com/shopvn/orderflow/internal/platform/jobs"
	"github.com/shopvn/orderflow/internal/platform/locks"
	"github.com/shopvn/orderflow/internal/platform/observability"
	"github.com/shopvn/orderflow/internal/platform/ratelimit"
	"github.com/shopvn/orderflow/internal/platform/secrets"
	"github.com/shopvn/orderflow/internal/repositories"
	firestoreRepo "github.com/shopvn/orderflow/internal/repositories/firestore"
	"github.com/shopvn/orderflow/internal/repositories/memory"
	"github.com/shopvn/orderflow/internal/services"
)

const (
	idempotencyKeyPrefix  = "orderflow:idem:"
	lockKeyPrefix         = "orderflow:lock:"
	rateLimitKeyPrefix    = "orderflow:rate:"
	secretHealthReference = "secret://system/healthz?version=latest"

	jwksFetchTimeout    = 5 * time.Second
	jwksRefreshInterval = 15 * time.Minute
	tokenVerifyTimeout  = 3 * time.Second
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders   services.OrderService
	Payments services.PaymentService
	System   services.SystemService
}

// Deps carries collaborators created before the container, typically in main.
type Deps struct {
	Logger  *zap.Logger
	Build   services.BuildInfo
	Secrets *secrets.Fetcher
	// Registry overrides the store selected by configuration; tests pass an in-memory store.
	Registry repositories.Registry
	Clock    func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config        config.Config
	Logger        *zap.Logger
	Repositories  repositories.Registry
	Services      Services
	Scheduler     *services.Scheduler
	Metrics       *observability.Metrics
	Authenticator *auth.Authenticator
	Router        http.Handler

	idempotencyCleaner idempotency.Cleaner
	closers            []func(context.Context) error
}

// NewContainer constructs the runtime dependencies. Any partially built resources are
// released when construction fails.
func NewContainer(ctx context.Context, cfg config.Config, deps Deps) (_ *Container, err error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	c := &Container{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	var checks []repositories.DependencyCheck

	redisClient := buildRedisClient(cfg.Redis)
	if redisClient != nil {
		c.closers = append(c.closers, func(context.Context) error { return redisClient.Close() })
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}

	if deps.Secrets != nil {
		fetcher := deps.Secrets
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return fetcher.Ping(ctx, secretHealthReference)
			},
		})
	}

	reg := deps.Registry
	if reg == nil {
		reg, checks, err = buildRegistry(cfg, checks)
		if err != nil {
			return nil, err
		}
	}
	c.Repositories = reg
	c.closers = append(c.closers, reg.Close)

	if cfg.Observability.MetricsEnabled {
		c.Metrics = observability.NewMetrics(cfg.Observability.MetricsNamespace)
	}

	publisher, err := c.buildPublisher(ctx, cfg.PubSub)
	if err != nil {
		return nil, err
	}

	gateway, err := payments.NewVNPay(payments.VNPayConfig{
		TmnCode:    cfg.VNPay.TmnCode,
		HashSecret: cfg.VNPay.HashSecret,
		PayURL:     cfg.VNPay.PayURL,
		ReturnURL:  cfg.VNPay.ReturnURL,
		Expiry:     cfg.VNPay.Expiry,
		Clock:      clock,
	})
	if err != nil {
		return nil, fmt.Errorf("build vnpay gateway: %w", err)
	}

	var locker services.Locker
	var idemStore idempotency.Store
	var limiter ratelimit.Limiter
	if redisClient != nil {
		redisLocker, err := locks.NewRedisLocker(redisClient, locks.WithKeyPrefix(lockKeyPrefix))
		if err != nil {
			return nil, fmt.Errorf("build redis locker: %w", err)
		}
		redisStore, err := idempotency.NewRedisStore(redisClient, idempotencyKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("build redis idempotency store: %w", err)
		}
		redisLimiter, err := ratelimit.NewRedisLimiter(redisClient, rateLimitKeyPrefix, cfg.Payment.RateLimit, cfg.Payment.RateWindow, clock)
		if err != nil {
			return nil, fmt.Errorf("build redis rate limiter: %w", err)
		}
		if redisLimiter != nil {
			limiter = redisLimiter
		}
		locker, idemStore = redisLocker, redisStore
	} else {
		memoryStore := idempotency.NewMemoryStore()
		locker, idemStore = locks.NewMemoryLocker(), memoryStore
		c.idempotencyCleaner = memoryStore
		if memoryLimiter := ratelimit.NewMemoryLimiter(cfg.Payment.RateLimit, cfg.Payment.RateWindow, clock); memoryLimiter != nil {
			limiter = memoryLimiter
		}
	}

	if err := c.buildServices(cfg, deps, reg, checks, publisher, gateway, locker, clock); err != nil {
		return nil, err
	}

	authn, err := buildAuthenticator(cfg.Auth, logger.Named("auth"))
	if err != nil {
		return nil, err
	}
	c.Authenticator = authn

	c.Router = c.buildRouter(cfg, deps.Build, idemStore, limiter, clock)
	return c, nil
}

func (c *Container) buildServices(
	cfg config.Config,
	deps Deps,
	reg repositories.Registry,
	checks []repositories.DependencyCheck,
	publisher services.OrderEventPublisher,
	gateway payments.Gateway,
	locker services.Locker,
	clock func() time.Time,
) error {
	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Inventory:  reg.Inventory(),
		Carts:      reg.Carts(),
		Users:      reg.Users(),
		UnitOfWork: reg,
		Clock:      clock,
		Sanitize:   observability.SanitizeText,
		Events:     publisher,
		Logger:     observability.ServiceLogger(c.Logger.Named("orders")),
	})
	if err != nil {
		return fmt.Errorf("build order service: %w", err)
	}
	c.Services.Orders = orderSvc

	paymentDeps := services.PaymentServiceDeps{
		Payments:            reg.Payments(),
		Users:               reg.Users(),
		Orders:              orderSvc,
		Gateway:             gateway,
		Locker:              locker,
		UnitOfWork:          reg,
		Clock:               clock,
		MaterializeAttempts: cfg.Payment.MaterializeAttempts,
		MaterializeDelay:    cfg.Payment.MaterializeDelay,
		LockTTL:             cfg.Payment.LockTTL,
		Events:              publisher,
		Logger:              observability.ServiceLogger(c.Logger.Named("payments")),
	}
	if c.Metrics != nil {
		paymentDeps.Observer = c.Metrics
	}
	paymentSvc, err := services.NewPaymentService(paymentDeps)
	if err != nil {
		return fmt.Errorf("build payment service: %w", err)
	}
	c.Services.Payments = paymentSvc

	health := reg.Health()
	if health == nil && len(checks) > 0 {
		health, err = repositories.NewDependencyHealthRepository(checks)
		if err != nil {
			return fmt.Errorf("build health repository: %w", err)
		}
	}
	if health != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Orders:           reg.Orders(),
			BacklogAfter:     max(cfg.Scheduler.ConfirmAfter, cfg.Scheduler.ProcessAfter),
			Clock:            clock,
			Build:            deps.Build,
		})
		if err != nil {
			return fmt.Errorf("build system service: %w", err)
		}
		c.Services.System = systemSvc
	}

	if cfg.Scheduler.Enabled {
		schedulerDeps := services.SchedulerDeps{
			Orders:  reg.Orders(),
			Service: orderSvc,
			Config: services.SchedulerConfig{
				ConfirmInterval: cfg.Scheduler.ConfirmInterval,
				ConfirmAfter:    cfg.Scheduler.ConfirmAfter,
				ProcessInterval: cfg.Scheduler.ProcessInterval,
				ProcessAfter:    cfg.Scheduler.ProcessAfter,
				BatchSize:       cfg.Scheduler.BatchSize,
			},
			Clock:  clock,
			Logger: observability.ServiceLogger(c.Logger.Named("scheduler")),
		}
		if c.Metrics != nil {
			schedulerDeps.Observer = c.Metrics
		}
		scheduler, err := services.NewScheduler(schedulerDeps)
		if err != nil {
			return fmt.Errorf("build scheduler: %w", err)
		}
		c.Scheduler = scheduler
	}
	return nil
}

func (c *Container) buildRouter(cfg config.Config, build services.BuildInfo, store idempotency.Store, limiter ratelimit.Limiter, clock func() time.Time) http.Handler {
	projectID := cfg.Observability.TraceProjectID
	httpLogger := c.Logger.Named("http")
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(httpLogger),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(httpLogger),
		observability.RequestLoggerMiddleware(projectID),
	}
	if c.Metrics != nil {
		middlewares = append(middlewares, c.Metrics.Middleware)
	}

	idem := idempotency.Middleware(store,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithOptionalKey(),
		idempotency.WithMethods(http.MethodPost, http.MethodPut),
		idempotency.WithClock(clock),
	)
	guarded := handlers.WithAuthenticatedMiddlewares(idem)

	healthOpts := []handlers.HealthOption{
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthClock(clock),
	}
	if c.Services.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(c.Services.System))
	}

	orderHandlers := handlers.NewOrderHandlers(c.Authenticator, c.Services.Orders, guarded)
	adminHandlers := handlers.NewAdminOrderHandlers(c.Authenticator, c.Services.Orders, guarded)
	paymentHandlers := handlers.NewPaymentHandlers(c.Authenticator, c.Services.Payments, cfg.VNPay.ResultURL, guarded)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithPaymentMiddlewares(handlers.ClientRateLimit(limiter, clock)),
	}
	if c.Metrics != nil {
		opts = append(opts, handlers.WithMetricsHandler(c.Metrics.Handler()))
	}
	return handlers.NewRouter(opts...)
}

func (c *Container) buildPublisher(ctx context.Context, cfg config.PubSubConfig) (services.OrderEventPublisher, error) {
	topicID := strings.TrimSpace(cfg.OrderEventsTopic)
	if topicID == "" {
		return nil, nil
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("pubsub: project id is required when an order events topic is set")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, googleClientOptions(c.Config.Firestore)...)
	if err != nil {
		return nil, fmt.Errorf("build pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	c.closers = append(c.closers, func(context.Context) error {
		topic.Stop()
		return client.Close()
	})
	publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		return nil, err
	}
	return publisher, nil
}

// RunBackground runs the scheduler and the idempotency cleanup until ctx is cancelled.
func (c *Container) RunBackground(ctx context.Context) error {
	if c.idempotencyCleaner != nil {
		go idempotency.RunCleanup(ctx, c.idempotencyCleaner, c.Config.Idempotency.CleanupInterval, c.Config.Idempotency.CleanupBatchSize, c.Logger.Named("idempotency"))
	}
	if c.Scheduler == nil {
		<-ctx.Done()
		return nil
	}
	c.Logger.Info("scheduler started",
		zap.Duration("confirm_interval", c.Config.Scheduler.ConfirmInterval),
		zap.Duration("process_interval", c.Config.Scheduler.ProcessInterval),
	)
	return c.Scheduler.Run(ctx)
}

// Close releases clients in reverse construction order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func buildRegistry(cfg config.Config, checks []repositories.DependencyCheck) (repositories.Registry, []repositories.DependencyCheck, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		store := memory.New()
		if len(checks) > 0 {
			health, err := repositories.NewDependencyHealthRepository(checks)
			if err != nil {
				return nil, nil, fmt.Errorf("build health repository: %w", err)
			}
			store = store.WithHealth(health)
		}
		return store, checks, nil
	case config.StoreDriverFirestore:
		var providerOpts []pfirestore.ProviderOption
		if cfg.Firestore.DialTimeout > 0 {
			providerOpts = append(providerOpts, pfirestore.WithDialTimeout(cfg.Firestore.DialTimeout))
		}
		if opts := googleClientOptions(cfg.Firestore); len(opts) > 0 {
			providerOpts = append(providerOpts, pfirestore.WithClientOptions(opts...))
		}
		provider := pfirestore.NewProvider(cfg.Firestore, providerOpts...)
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Critical: true,
			Timeout:  1500 * time.Millisecond,
			Check:    provider.Ping,
		})
		health, err := repositories.NewDependencyHealthRepository(checks)
		if err != nil {
			return nil, nil, fmt.Errorf("build health repository: %w", err)
		}
		reg, err := firestoreRepo.NewRegistry(provider, health)
		if err != nil {
			return nil, nil, fmt.Errorf("build firestore registry: %w", err)
		}
		return reg, checks, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// googleClientOptions carries explicit credentials to every Google Cloud client when they
// are configured.
func googleClientOptions(cfg config.FirestoreConfig) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

func buildRedisClient(cfg config.RedisConfig) *redis.Client {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func buildAuthenticator(cfg config.AuthConfig, logger *zap.Logger) (*auth.Authenticator, error) {
	var opts []auth.VerifierOption
	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" {
		opts = append(opts, auth.WithHMACSecret(secret))
	}
	if url := strings.TrimSpace(cfg.JWKSURL); url != "" {
		opts = append(opts, auth.WithJWKS(auth.NewJWKSCache(url,
			auth.WithJWKSLogger(logger),
			auth.WithJWKSHTTPClient(&http.Client{Timeout: jwksFetchTimeout}),
			auth.WithJWKSRefreshInterval(jwksRefreshInterval),
		)))
	}
	if cfg.Issuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, auth.WithAudience(cfg.Audience))
	}
	verifier, err := auth.NewJWTVerifier(opts...)
	if err != nil {
		return nil, fmt.Errorf("build token verifier: %w", err)
	}
	return auth.NewAuthenticator(verifier, auth.WithVerificationTimeout(tokenVerifyTimeout)), nil
}
