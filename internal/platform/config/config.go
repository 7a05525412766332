package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	envPrefix      = "TRIPFARE_"
	defaultEnvFile = ".env"

	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second
	defaultEnvironment  = "local"
	defaultQuoteLimit   = 120
	defaultQuoteWindow  = time.Minute

	defaultMarkupCollection = "markupSettings"
	defaultTaxCollection    = "taxConfigurations"
	defaultRatesCollection  = "exchangeRates"

	defaultPollInterval     = 10 * time.Second
	defaultDebounce         = 100 * time.Millisecond
	defaultBreakerThreshold = 10
	defaultBreakerCooldown  = 30 * time.Second

	defaultMarkupPercent = 15.0

	defaultBaseCurrency = "INR"
	defaultRefreshAt    = "09:00"
	defaultTimeZone     = "Asia/Kolkata"
	defaultRatesTimeout = 10 * time.Second
	defaultRatesMaxAge  = 36 * time.Hour

	defaultJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
)

var defaultOIDCIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

var defaultItineraryCollections = []string{"packages", "itineraries"}

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firestore FirestoreConfig
	PubSub    PubSubConfig
	Postgres  PostgresConfig
	Sync      SyncConfig
	Pricing   PricingConfig
	Rates     RatesConfig
	Security  SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	Environment  string
	LogLevel     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// QuoteRateLimit caps quote requests per client IP per QuoteRateWindow. Zero disables it.
	QuoteRateLimit  int
	QuoteRateWindow time.Duration
}

// FirestoreConfig selects the document database and the collections read by the engine. An
// empty ProjectID runs the service on in-memory repositories.
type FirestoreConfig struct {
	ProjectID            string
	EmulatorHost         string
	ItineraryCollections []string
	MarkupCollection     string
	TaxCollection        string
	RatesCollection      string
}

// Enabled reports whether a Firestore project is configured.
func (c FirestoreConfig) Enabled() bool { return strings.TrimSpace(c.ProjectID) != "" }

// PubSubConfig wires snapshot publication and external "data updated" signals.
type PubSubConfig struct {
	ProjectID          string
	SnapshotTopic      string
	SignalSubscription string
}

// PostgresConfig points at the legacy relational itinerary store. Empty DSN disables it.
type PostgresConfig struct {
	DSN string
}

// SyncConfig tunes the per-package synchronization controllers.
type SyncConfig struct {
	PollInterval     time.Duration
	Debounce         time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// PricingConfig holds composer defaults.
type PricingConfig struct {
	DefaultMarkupPercent float64
}

// RatesConfig drives the daily exchange rate refresh.
type RatesConfig struct {
	BaseCurrency  string
	Targets       []string
	ProviderURL   string
	APIKey        string
	Timeout       time.Duration
	MarginPercent float64
	Surcharge     float64
	RefreshAt     string
	TimeZone      string

	// MaxAge marks the rate table stale in health reports.
	MaxAge time.Duration
}

// Location loads the configured refresh time zone.
func (c RatesConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.TimeZone)
}

// SecurityConfig guards internal and webhook routes. An empty OIDCAudience leaves internal
// routes unauthenticated, which is only intended for local development.
type SecurityConfig struct {
	OIDCAudience string
	OIDCIssuers  []string
	JWKSURL      string
	SignalSecret string
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

// ValidationError is returned when configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values. They take precedence over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles configuration from defaults, the .env file, the environment and an explicit
// map, in increasing order of precedence. Secret references are resolved last.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	env := envSource{dotEnv: dotEnv, overrides: options.envMap, system: options.useSystemEnv}

	cfg := Config{
		Server: ServerConfig{
			Port:            env.str("SERVER_PORT", defaultPort),
			Environment:     strings.ToLower(env.str("ENVIRONMENT", defaultEnvironment)),
			LogLevel:        env.str("LOG_LEVEL", ""),
			ReadTimeout:     env.duration("SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			QuoteRateLimit:  env.integer("SERVER_QUOTE_RATE_LIMIT", defaultQuoteLimit),
			QuoteRateWindow: env.duration("SERVER_QUOTE_RATE_WINDOW", defaultQuoteWindow),
		},
		Firestore: FirestoreConfig{
			ProjectID:            env.str("FIRESTORE_PROJECT_ID", ""),
			EmulatorHost:         env.str("FIRESTORE_EMULATOR_HOST", ""),
			ItineraryCollections: env.list("FIRESTORE_ITINERARY_COLLECTIONS", defaultItineraryCollections),
			MarkupCollection:     env.str("FIRESTORE_MARKUP_COLLECTION", defaultMarkupCollection),
			TaxCollection:        env.str("FIRESTORE_TAX_COLLECTION", defaultTaxCollection),
			RatesCollection:      env.str("FIRESTORE_RATES_COLLECTION", defaultRatesCollection),
		},
		PubSub: PubSubConfig{
			ProjectID:          env.str("PUBSUB_PROJECT_ID", ""),
			SnapshotTopic:      env.str("PUBSUB_SNAPSHOT_TOPIC", ""),
			SignalSubscription: env.str("PUBSUB_SIGNAL_SUBSCRIPTION", ""),
		},
		Postgres: PostgresConfig{
			DSN: env.str("POSTGRES_DSN", ""),
		},
		Sync: SyncConfig{
			PollInterval:     env.duration("SYNC_POLL_INTERVAL", defaultPollInterval),
			Debounce:         env.duration("SYNC_DEBOUNCE", defaultDebounce),
			BreakerThreshold: env.integer("SYNC_BREAKER_THRESHOLD", defaultBreakerThreshold),
			BreakerCooldown:  env.duration("SYNC_BREAKER_COOLDOWN", defaultBreakerCooldown),
		},
		Pricing: PricingConfig{
			DefaultMarkupPercent: env.float("PRICING_DEFAULT_MARKUP_PERCENT", defaultMarkupPercent),
		},
		Rates: RatesConfig{
			BaseCurrency:  strings.ToUpper(env.str("RATES_BASE_CURRENCY", defaultBaseCurrency)),
			Targets:       env.list("RATES_TARGETS", nil),
			ProviderURL:   env.str("RATES_PROVIDER_URL", ""),
			APIKey:        env.str("RATES_API_KEY", ""),
			Timeout:       env.duration("RATES_TIMEOUT", defaultRatesTimeout),
			MarginPercent: env.float("RATES_MARGIN_PERCENT", 0),
			Surcharge:     env.float("RATES_SURCHARGE", 0),
			RefreshAt:     env.str("RATES_REFRESH_AT", defaultRefreshAt),
			TimeZone:      env.str("RATES_TIME_ZONE", defaultTimeZone),
			MaxAge:        env.duration("RATES_MAX_AGE", defaultRatesMaxAge),
		},
		Security: SecurityConfig{
			OIDCAudience: env.str("SECURITY_OIDC_AUDIENCE", ""),
			OIDCIssuers:  env.list("SECURITY_OIDC_ISSUERS", defaultOIDCIssuers),
			JWKSURL:      env.str("SECURITY_JWKS_URL", defaultJWKSURL),
			SignalSecret: env.str("SECURITY_SIGNAL_SECRET", ""),
		},
	}

	// Pub/Sub shares the Firestore project unless told otherwise.
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	if cfg.Rates.APIKey, err = resolveSecret(ctx, cfg.Rates.APIKey, options.secret); err != nil {
		return Config{}, err
	}
	if cfg.Postgres.DSN, err = resolveSecret(ctx, cfg.Postgres.DSN, options.secret); err != nil {
		return Config{}, err
	}
	if cfg.Security.SignalSecret, err = resolveSecret(ctx, cfg.Security.SignalSecret, options.secret); err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsSecretReference reports whether value points at Secret Manager.
func IsSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !IsSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func validateConfig(cfg Config) error {
	var invalid []string
	check := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Server.QuoteRateLimit >= 0, "Server.QuoteRateLimit")
	if cfg.Server.QuoteRateLimit > 0 {
		check(cfg.Server.QuoteRateWindow > 0, "Server.QuoteRateWindow")
	}
	if cfg.Firestore.Enabled() {
		check(len(cfg.Firestore.ItineraryCollections) > 0, "Firestore.ItineraryCollections")
		check(cfg.Firestore.MarkupCollection != "", "Firestore.MarkupCollection")
		check(cfg.Firestore.TaxCollection != "", "Firestore.TaxCollection")
		check(cfg.Firestore.RatesCollection != "", "Firestore.RatesCollection")
	}
	if cfg.PubSub.SnapshotTopic != "" || cfg.PubSub.SignalSubscription != "" {
		check(cfg.PubSub.ProjectID != "", "PubSub.ProjectID")
	}
	check(cfg.Sync.PollInterval > 0, "Sync.PollInterval")
	check(cfg.Sync.Debounce > 0, "Sync.Debounce")
	check(cfg.Sync.BreakerThreshold > 0, "Sync.BreakerThreshold")
	check(cfg.Sync.BreakerCooldown > 0, "Sync.BreakerCooldown")
	check(cfg.Pricing.DefaultMarkupPercent >= 0, "Pricing.DefaultMarkupPercent")
	check(len(cfg.Rates.BaseCurrency) == 3, "Rates.BaseCurrency")
	check(cfg.Rates.MarginPercent >= 0, "Rates.MarginPercent")
	check(cfg.Rates.Timeout > 0, "Rates.Timeout")
	_, err := time.Parse("15:04", cfg.Rates.RefreshAt)
	check(err == nil, "Rates.RefreshAt")
	_, err = cfg.Rates.Location()
	check(err == nil, "Rates.TimeZone")
	if cfg.Security.OIDCAudience != "" {
		check(cfg.Security.JWKSURL != "", "Security.JWKSURL")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

// envSource resolves prefixed keys from the explicit map, the process environment and the
// .env file, in that order.
type envSource struct {
	dotEnv    map[string]string
	overrides map[string]string
	system    bool
}

func (e envSource) lookup(key string) (string, bool) {
	key = envPrefix + key
	if value, ok := e.overrides[key]; ok {
		return value, true
	}
	if e.system {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := e.dotEnv[key]
	return value, ok
}

func (e envSource) str(key, fallback string) string {
	if value, ok := e.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (e envSource) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := e.lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func (e envSource) integer(key string, fallback int) int {
	if value, ok := e.lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func (e envSource) float(key string, fallback float64) float64 {
	if value, ok := e.lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func (e envSource) list(key string, fallback []string) []string {
	raw, ok := e.lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, found := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}
