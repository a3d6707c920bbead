package secrets

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	meterName           = "github.com/shopvn/orderflow/internal/platform/secrets"

	sourceCache    = "cache"
	sourceRemote   = "remote"
	sourceStale    = "stale"
	sourceFallback = "fallback"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// ErrNotFound reports a reference with no remote or fallback value.
var ErrNotFound = errors.New("secrets: value not found")

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references against Google Secret Manager.
//
// Resolved values are cached for a TTL and concurrent lookups of one reference share a single
// remote call. When Secret Manager is unreachable or denies access, an expired cached value is
// served before the local fallback file is consulted, so a VNPay hash secret that was once
// resolved survives a short outage.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	projectID  string
	ttl        time.Duration
	clock      func() time.Time
	fallback   *fallbackFile

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cached

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type cached struct {
	value     string
	expiresAt time.Time
}

type fetcherConfig struct {
	logger       *zap.Logger
	projectID    string
	fallbackPath string
	ttl          time.Duration
	clock        func() time.Time
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithProject sets the Secret Manager project used when a reference has no ?project=.
func WithProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.projectID = strings.TrimSpace(projectID) }
}

// WithFallbackFile overrides the local fallback file path. An empty path disables it.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = path }
}

// WithCacheTTL controls how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithClock overrides the time source used for cache expiry.
func WithClock(clock func() time.Time) Option {
	return func(cfg *fetcherConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithSecretManagerClient injects a preconfigured Secret Manager client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// NewFetcher builds a Fetcher. Without a project, or when the client cannot be created, the
// fetcher only serves the fallback file.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
		ttl:          defaultCacheTTL,
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	f := &Fetcher{
		client:    cfg.client,
		logger:    cfg.logger,
		projectID: cfg.projectID,
		ttl:       cfg.ttl,
		clock:     cfg.clock,
		fallback:  newFallbackFile(cfg.fallbackPath),
		cache:     make(map[string]cached),
	}
	f.registerMetrics(otel.GetMeterProvider().Meter(meterName))

	if f.client == nil && cfg.projectID != "" {
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secret manager client unavailable, serving fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

func (f *Fetcher) registerMetrics(meter metric.Meter) {
	var err error
	f.latency, err = meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution by source"),
	)
	if err != nil {
		f.logger.Warn("register secrets latency metric", zap.Error(err))
	}
	f.cacheHits, err = meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions answered from cache"),
	)
	if err != nil {
		f.logger.Warn("register secrets cache metric", zap.Error(err))
	}
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the secret value for ref.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}

	if value, fresh, ok := f.cached(ref); ok && fresh {
		if f.cacheHits != nil {
			f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", ref.masked())))
		}
		f.recordLatency(ctx, start, sourceCache, false)
		return value, nil
	}

	v, err, _ := f.group.Do(ref.cacheKey(), func() (any, error) {
		return f.fetch(ctx, ref)
	})
	if err != nil {
		f.recordLatency(ctx, start, "error", true)
		return "", err
	}
	res := v.(resolved)
	f.recordLatency(ctx, start, res.source, false)
	return res.value, nil
}

// Ping reports whether Secret Manager answers. A missing health-check secret counts as reachable.
func (f *Fetcher) Ping(ctx context.Context, reference string) error {
	ref, err := ParseReference(reference)
	if err != nil {
		return err
	}
	project := cmp.Or(ref.Project, f.projectID)
	if f.client == nil || project == "" {
		return nil
	}
	_, err = f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: ref.resource(project)})
	if err == nil || status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// Invalidate drops the cached value for ref so the next Resolve refetches it.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := ParseReference(raw)
	if err != nil {
		return
	}
	f.mu.Lock()
	delete(f.cache, ref.cacheKey())
	f.mu.Unlock()
}

type resolved struct {
	value  string
	source string
}

func (f *Fetcher) fetch(ctx context.Context, ref Reference) (resolved, error) {
	project := cmp.Or(ref.Project, f.projectID)
	if f.client != nil && project != "" {
		value, err := f.fetchRemote(ctx, ref.resource(project))
		if err == nil {
			f.store(ref, value)
			return resolved{value: value, source: sourceRemote}, nil
		}
		if !degradable(err) {
			return resolved{}, fmt.Errorf("secrets: fetch %s: %w", ref, err)
		}
		if value, _, ok := f.cached(ref); ok {
			f.logger.Warn("serving expired secret after remote failure", zap.String("secret", ref.masked()), zap.Error(err))
			return resolved{value: value, source: sourceStale}, nil
		}
		f.logger.Debug("secret manager unavailable, trying fallback file", zap.String("secret", ref.masked()), zap.Error(err))
	}

	value, ok, err := f.fallback.lookup(ref.Name)
	if err != nil {
		return resolved{}, err
	}
	if !ok {
		return resolved{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	f.store(ref, value)
	return resolved{value: value, source: sourceFallback}, nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, name string) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

// cached returns the stored value and whether it is still within its TTL.
func (f *Fetcher) cached(ref Reference) (string, bool, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[ref.cacheKey()]
	if !ok {
		return "", false, false
	}
	return entry.value, f.clock().Before(entry.expiresAt), true
}

func (f *Fetcher) store(ref Reference, value string) {
	f.mu.Lock()
	f.cache[ref.cacheKey()] = cached{value: value, expiresAt: f.clock().Add(f.ttl)}
	f.mu.Unlock()
}

func (f *Fetcher) recordLatency(ctx context.Context, start time.Time, source string, failed bool) {
	if f.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if failed {
		attrs = append(attrs, attribute.Bool("error", true))
	}
	f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

// degradable reports remote failures that may be answered from stale cache or the fallback file.
func degradable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	default:
		return false
	}
}
