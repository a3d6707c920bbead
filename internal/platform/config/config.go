package config

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultStoreDriver          = StoreDriverFirestore
	defaultFirestoreDial        = 10 * time.Second
	defaultVNPayPayURL          = "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"
	defaultVNPayExpiry          = 15 * time.Minute
	defaultMaterializeAttempts  = 3
	defaultMaterializeDelay     = time.Second
	defaultPaymentLockTTL       = 30 * time.Second
	defaultPaymentRateLimit     = 30
	defaultPaymentRateWindow    = time.Minute
	defaultConfirmInterval      = 5 * time.Minute
	defaultConfirmAfter         = 10 * time.Minute
	defaultProcessInterval      = 10 * time.Minute
	defaultProcessAfter         = 30 * time.Minute
	defaultSchedulerBatchSize   = 200
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultMetricsNamespace     = "orderflow"
)

// Store drivers selectable through API_STORE_DRIVER.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Firestore     FirestoreConfig
	Redis         RedisConfig
	PubSub        PubSubConfig
	Auth          AuthConfig
	VNPay         VNPayConfig
	Payment       PaymentConfig
	Scheduler     SchedulerConfig
	Idempotency   IdempotencyConfig
	Observability ObservabilityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string
}

// FirestoreConfig configures Firestore connectivity. CredentialsFile is only needed outside
// Google Cloud, where application default credentials are absent.
type FirestoreConfig struct {
	ProjectID       string
	EmulatorHost    string
	CredentialsFile string
	DialTimeout     time.Duration
}

// RedisConfig enables Redis-backed locks and idempotency records when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PubSubConfig configures order event publication. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
}

// AuthConfig configures bearer token verification. Either JWTSecret (HS256) or JWKSURL
// (RS256/ES256) must be set.
type AuthConfig struct {
	JWTSecret string
	JWKSURL   string
	Issuer    string
	Audience  string
}

// VNPayConfig carries merchant credentials and redirect targets for the VNPay gateway.
type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	ReturnURL  string
	ResultURL  string
	Expiry     time.Duration
}

// PaymentConfig tunes the payment reconciler.
type PaymentConfig struct {
	MaterializeAttempts int
	MaterializeDelay    time.Duration
	LockTTL             time.Duration
	// RateLimit caps payment requests per client IP per RateWindow; zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// SchedulerConfig controls the auto-advance sweeps.
type SchedulerConfig struct {
	Enabled         bool
	ConfirmInterval time.Duration
	ConfirmAfter    time.Duration
	ProcessInterval time.Duration
	ProcessAfter    time.Duration
	BatchSize       int
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ObservabilityConfig controls tracing and metrics exposition.
type ObservabilityConfig struct {
	TraceProjectID   string
	MetricsEnabled   bool
	MetricsNamespace string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return slices.Clone(e.fields)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface. Secret names are redacted.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed secret identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	slices.Sort(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := slices.Clone(e.names)
	slices.Sort(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// secretFields lists the config values that may hold secret:// or sm:// references.
var secretFields = []struct {
	name  string
	field func(*Config) *string
}{
	{"VNPay.HashSecret", func(c *Config) *string { return &c.VNPay.HashSecret }},
	{"Auth.JWTSecret", func(c *Config) *string { return &c.Auth.JWTSecret }},
	{"Redis.Password", func(c *Config) *string { return &c.Redis.Password }},
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects an explicit key/value map that takes precedence over the environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks config fields (e.g. "VNPay.HashSecret") as mandatory secrets.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// source resolves keys with precedence explicit map > process env > dotenv.
type source struct {
	dotenv map[string]string
	opts   loaderOptions
}

func newSource(opts loaderOptions) (source, error) {
	values, err := loadDotEnv(opts.envFile)
	if err != nil {
		return source{}, err
	}
	return source{dotenv: values, opts: opts}, nil
}

func (s source) lookup(key string) (string, bool) {
	if value, ok := s.opts.envMap[key]; ok {
		return value, true
	}
	if s.opts.useSystemEnv {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := s.dotenv[key]
	return value, ok
}

// raw returns the trimmed value, or "" when unset.
func (s source) raw(key string) string {
	value, _ := s.lookup(key)
	return strings.TrimSpace(value)
}

func (s source) str(key, fallback string) string {
	if value := s.raw(key); value != "" {
		return value
	}
	return fallback
}

func (s source) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.raw(key)); err == nil {
		return d
	}
	return fallback
}

func (s source) integer(key string, fallback int) int {
	if i, err := strconv.Atoi(s.raw(key)); err == nil {
		return i
	}
	return fallback
}

func (s source) boolean(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(s.raw(key)); err == nil {
		return b
	}
	return fallback
}

// all flattens the source into a map using the same precedence as lookup.
func (s source) all() map[string]string {
	values := make(map[string]string, len(s.dotenv)+len(s.opts.envMap))
	maps.Copy(values, s.dotenv)
	if s.opts.useSystemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	maps.Copy(values, s.opts.envMap)
	return values
}

// EnvironmentValues returns the effective environment after applying the precedence rules
// of Load. Callers use it to set up logging and the secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newSource(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return src.all(), nil
}

// Load assembles the application configuration from defaults, the optional .env file, the
// process environment and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	src, err := newSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := src.config()

	resolved := make(map[string]string, len(secretFields))
	for _, sf := range secretFields {
		field := sf.field(&cfg)
		value, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = value
		resolved[sf.name] = strings.TrimSpace(value)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func (s source) config() Config {
	cfg := Config{
		Server: ServerConfig{
			Port:         s.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  s.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: s.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  s.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(s.str("API_STORE_DRIVER", defaultStoreDriver)),
		},
		Firestore: FirestoreConfig{
			ProjectID:       s.raw("API_FIRESTORE_PROJECT_ID"),
			EmulatorHost:    s.raw("API_FIRESTORE_EMULATOR_HOST"),
			CredentialsFile: s.raw("API_GOOGLE_CREDENTIALS_FILE"),
			DialTimeout:     s.duration("API_FIRESTORE_DIAL_TIMEOUT", defaultFirestoreDial),
		},
		Redis: RedisConfig{
			Addr:     s.raw("API_REDIS_ADDR"),
			Password: s.raw("API_REDIS_PASSWORD"),
			DB:       s.integer("API_REDIS_DB", 0),
		},
		PubSub: PubSubConfig{
			ProjectID:        s.raw("API_PUBSUB_PROJECT_ID"),
			OrderEventsTopic: s.raw("API_PUBSUB_ORDER_EVENTS_TOPIC"),
		},
		Auth: AuthConfig{
			JWTSecret: s.raw("API_AUTH_JWT_SECRET"),
			JWKSURL:   s.raw("API_AUTH_JWKS_URL"),
			Issuer:    s.raw("API_AUTH_ISSUER"),
			Audience:  s.raw("API_AUTH_AUDIENCE"),
		},
		VNPay: VNPayConfig{
			TmnCode:    s.raw("API_VNPAY_TMN_CODE"),
			HashSecret: s.raw("API_VNPAY_HASH_SECRET"),
			PayURL:     s.str("API_VNPAY_PAY_URL", defaultVNPayPayURL),
			ReturnURL:  s.raw("API_VNPAY_RETURN_URL"),
			ResultURL:  s.raw("API_VNPAY_RESULT_URL"),
			Expiry:     s.duration("API_VNPAY_EXPIRY", defaultVNPayExpiry),
		},
		Payment: PaymentConfig{
			MaterializeAttempts: s.integer("API_PAYMENT_MATERIALIZE_ATTEMPTS", defaultMaterializeAttempts),
			MaterializeDelay:    s.duration("API_PAYMENT_MATERIALIZE_DELAY", defaultMaterializeDelay),
			LockTTL:             s.duration("API_PAYMENT_LOCK_TTL", defaultPaymentLockTTL),
			RateLimit:           s.integer("API_PAYMENT_RATE_LIMIT", defaultPaymentRateLimit),
			RateWindow:          s.duration("API_PAYMENT_RATE_WINDOW", defaultPaymentRateWindow),
		},
		Scheduler: SchedulerConfig{
			Enabled:         s.boolean("API_SCHEDULER_ENABLED", true),
			ConfirmInterval: s.duration("API_SCHEDULER_CONFIRM_INTERVAL", defaultConfirmInterval),
			ConfirmAfter:    s.duration("API_SCHEDULER_CONFIRM_AFTER", defaultConfirmAfter),
			ProcessInterval: s.duration("API_SCHEDULER_PROCESS_INTERVAL", defaultProcessInterval),
			ProcessAfter:    s.duration("API_SCHEDULER_PROCESS_AFTER", defaultProcessAfter),
			BatchSize:       s.integer("API_SCHEDULER_BATCH_SIZE", defaultSchedulerBatchSize),
		},
		Idempotency: IdempotencyConfig{
			Header:           s.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              s.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  s.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: s.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Observability: ObservabilityConfig{
			TraceProjectID:   s.raw("API_TRACE_PROJECT_ID"),
			MetricsEnabled:   s.boolean("API_METRICS_ENABLED", true),
			MetricsNamespace: s.str("API_METRICS_NAMESPACE", defaultMetricsNamespace),
		},
	}
	cfg.PubSub.ProjectID = cmp.Or(cfg.PubSub.ProjectID, cfg.Firestore.ProjectID)
	cfg.Observability.TraceProjectID = cmp.Or(cfg.Observability.TraceProjectID, cfg.Firestore.ProjectID)
	return cfg
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	ref, ok := secretReference(value)
	if !ok {
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

// secretReference reports whether value points at a secret, normalising sm:// to secret://.
func secretReference(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest, true
	}
	return trimmed, strings.HasPrefix(trimmed, "secret://")
}

func (c Config) validate() error {
	var invalid []string
	check := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	check(c.Server.Port != "", "Server.Port")
	check(c.Store.Driver == StoreDriverFirestore || c.Store.Driver == StoreDriverMemory, "Store.Driver")
	if c.Store.Driver == StoreDriverFirestore {
		check(c.Firestore.ProjectID != "", "Firestore.ProjectID")
	}
	check(c.Auth.JWTSecret != "" || c.Auth.JWKSURL != "", "Auth.JWTSecret")
	if c.Auth.JWKSURL != "" {
		check(absoluteURL(c.Auth.JWKSURL), "Auth.JWKSURL")
	}

	check(c.VNPay.TmnCode != "", "VNPay.TmnCode")
	check(c.VNPay.HashSecret != "", "VNPay.HashSecret")
	check(absoluteURL(c.VNPay.PayURL), "VNPay.PayURL")
	check(absoluteURL(c.VNPay.ReturnURL), "VNPay.ReturnURL")
	check(absoluteURL(c.VNPay.ResultURL), "VNPay.ResultURL")
	check(c.VNPay.Expiry > 0, "VNPay.Expiry")

	check(c.Payment.MaterializeAttempts > 0, "Payment.MaterializeAttempts")
	check(c.Payment.MaterializeDelay >= 0, "Payment.MaterializeDelay")
	check(c.Payment.LockTTL > 0, "Payment.LockTTL")
	check(c.Payment.RateLimit >= 0, "Payment.RateLimit")
	if c.Payment.RateLimit > 0 {
		check(c.Payment.RateWindow > 0, "Payment.RateWindow")
	}

	if c.Scheduler.Enabled {
		check(c.Scheduler.ConfirmInterval > 0, "Scheduler.ConfirmInterval")
		check(c.Scheduler.ConfirmAfter > 0, "Scheduler.ConfirmAfter")
		check(c.Scheduler.ProcessInterval > 0, "Scheduler.ProcessInterval")
		check(c.Scheduler.ProcessAfter > 0, "Scheduler.ProcessAfter")
		check(c.Scheduler.BatchSize > 0, "Scheduler.BatchSize")
	}

	check(c.Idempotency.Header != "", "Idempotency.Header")
	check(c.Idempotency.TTL > 0, "Idempotency.TTL")
	check(c.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(c.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func absoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs() && u.Host != ""
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(missing, name) {
			continue
		}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// loadDotEnv reads the optional .env file. A missing file is not an error.
func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}
