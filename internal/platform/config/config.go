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
)

const (
	envPrefix = "FULFILLMENT_"

	defaultEnvFile            = ".env"
	defaultPort               = "8080"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultIdleTimeout        = 120 * time.Second
	defaultEventsTopic        = "fulfillment-events"
	defaultSignedURLTTL       = 15 * time.Minute
	defaultCarrierName        = "aggregator"
	defaultCarrierTimeout     = 15 * time.Second
	defaultCarrierRatePerSec  = 5.0
	defaultCarrierBurst       = 10
	defaultJobsQueue          = "shipping"
	defaultJobsWorkers        = 4
	defaultJobsPollInterval   = 2 * time.Second
	defaultJobsLockTTL        = 5 * time.Minute
	defaultShipmentLeaseTTL   = 2 * time.Minute
	defaultJobsMaxAttempts    = 3
	defaultSecurityEnv        = "local"
	defaultOIDCJWKSURL        = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer         = "https://accounts.google.com"
	defaultPaymentSigHeader   = "X-Signature"
	defaultCarrierSigHeader   = "X-Carrier-Signature"
	defaultWebhookBodyLimitKB = 256
)

var defaultJobsBackoff = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firestore FirestoreConfig
	PubSub    PubSubConfig
	Storage   StorageConfig
	Gateways  GatewayConfig
	Carrier   CarrierConfig
	Jobs      JobsConfig
	Security  SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	WebhookBodyLimit int64
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	DatabaseID   string
	EmulatorHost string
}

// PubSubConfig controls where domain events are published.
type PubSubConfig struct {
	ProjectID    string
	EventsTopic  string
	EmulatorHost string
}

// StorageConfig names the bucket printed labels are archived into. Empty disables archiving.
type StorageConfig struct {
	LabelsBucket string
	SignedURLTTL time.Duration
}

// GatewayConfig holds webhook secrets per payment gateway.
type GatewayConfig struct {
	StripeWebhookSecret string
	// HMACSecrets maps a gateway name to the shared secret used to sign its webhook bodies.
	HMACSecrets     map[string]string
	SignatureHeader string
}

// CarrierConfig configures the shipping aggregator client.
type CarrierConfig struct {
	Name            string
	BaseURL         string
	Token           string
	WebhookSecret   string
	SignatureHeader string
	UserAgent       string
	Timeout         time.Duration
	RatePerSecond   float64
	Burst           int
}

// JobsConfig configures the background job runner.
type JobsConfig struct {
	Queue            string
	Workers          int
	PollInterval     time.Duration
	LockTTL          time.Duration
	ShipmentLeaseTTL time.Duration
	MaxAttempts      int
	Backoff          []time.Duration
	InlineAdvance    bool
	Disabled         bool
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal endpoints.
type OIDCConfig struct {
	JWKSURL       string
	Audience      string
	Issuers       []string
	AllowedEmails []string
	DisableForDev bool
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
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// Load assembles configuration from defaults, a .env file, the environment (all keys prefixed
// FULFILLMENT_) and Secret Manager references. Precedence: env map, process env, .env file.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		key = envPrefix + key
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:             stringWithDefault(lookup, "SERVER_PORT", defaultPort),
			ReadTimeout:      durationWithDefault(lookup, "SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:     durationWithDefault(lookup, "SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:      durationWithDefault(lookup, "SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			WebhookBodyLimit: int64(intWithDefault(lookup, "SERVER_WEBHOOK_BODY_LIMIT_KB", defaultWebhookBodyLimitKB)) << 10,
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "FIRESTORE_PROJECT_ID", ""),
			DatabaseID:   stringWithDefault(lookup, "FIRESTORE_DATABASE_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:    stringWithDefault(lookup, "PUBSUB_PROJECT_ID", ""),
			EventsTopic:  stringWithDefault(lookup, "PUBSUB_EVENTS_TOPIC", defaultEventsTopic),
			EmulatorHost: stringWithDefault(lookup, "PUBSUB_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			LabelsBucket: stringWithDefault(lookup, "STORAGE_LABELS_BUCKET", ""),
			SignedURLTTL: durationWithDefault(lookup, "STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
		},
		Gateways: GatewayConfig{
			StripeWebhookSecret: stringWithDefault(lookup, "GATEWAY_STRIPE_WEBHOOK_SECRET", ""),
			HMACSecrets:         mapWithDefault(lookup, "GATEWAY_HMAC_SECRETS"),
			SignatureHeader:     stringWithDefault(lookup, "GATEWAY_SIGNATURE_HEADER", defaultPaymentSigHeader),
		},
		Carrier: CarrierConfig{
			Name:            strings.ToLower(stringWithDefault(lookup, "CARRIER_NAME", defaultCarrierName)),
			BaseURL:         stringWithDefault(lookup, "CARRIER_BASE_URL", ""),
			Token:           stringWithDefault(lookup, "CARRIER_TOKEN", ""),
			WebhookSecret:   stringWithDefault(lookup, "CARRIER_WEBHOOK_SECRET", ""),
			SignatureHeader: stringWithDefault(lookup, "CARRIER_SIGNATURE_HEADER", defaultCarrierSigHeader),
			UserAgent:       stringWithDefault(lookup, "CARRIER_USER_AGENT", "hanko-fulfillment"),
			Timeout:         durationWithDefault(lookup, "CARRIER_TIMEOUT", defaultCarrierTimeout),
			RatePerSecond:   floatWithDefault(lookup, "CARRIER_RATE_PER_SECOND", defaultCarrierRatePerSec),
			Burst:           intWithDefault(lookup, "CARRIER_BURST", defaultCarrierBurst),
		},
		Jobs: JobsConfig{
			Queue:            stringWithDefault(lookup, "JOBS_QUEUE", defaultJobsQueue),
			Workers:          intWithDefault(lookup, "JOBS_WORKERS", defaultJobsWorkers),
			PollInterval:     durationWithDefault(lookup, "JOBS_POLL_INTERVAL", defaultJobsPollInterval),
			LockTTL:          durationWithDefault(lookup, "JOBS_LOCK_TTL", defaultJobsLockTTL),
			ShipmentLeaseTTL: durationWithDefault(lookup, "JOBS_SHIPMENT_LEASE_TTL", defaultShipmentLeaseTTL),
			MaxAttempts:      intWithDefault(lookup, "JOBS_MAX_ATTEMPTS", defaultJobsMaxAttempts),
			Backoff:          durationListWithDefault(lookup, "JOBS_BACKOFF", defaultJobsBackoff),
			InlineAdvance:    boolWithDefault(lookup, "JOBS_INLINE_ADVANCE", false),
			Disabled:         boolWithDefault(lookup, "JOBS_DISABLED", false),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "SECURITY_ENVIRONMENT", defaultSecurityEnv)),
			OIDC: OIDCConfig{
				JWKSURL:       stringWithDefault(lookup, "SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:      stringWithDefault(lookup, "SECURITY_OIDC_AUDIENCE", ""),
				Issuers:       csvWithDefault(lookup, "SECURITY_OIDC_ISSUERS"),
				AllowedEmails: csvWithDefault(lookup, "SECURITY_OIDC_ALLOWED_EMAILS"),
				DisableForDev: boolWithDefault(lookup, "SECURITY_OIDC_DISABLE", false),
			},
		},
	}

	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}

	resolver := options.secret
	secretFields := []*string{
		&cfg.Gateways.StripeWebhookSecret,
		&cfg.Carrier.Token,
		&cfg.Carrier.WebhookSecret,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, resolver)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}
	for name, value := range cfg.Gateways.HMACSecrets {
		resolved, err := resolveSecret(ctx, value, resolver)
		if err != nil {
			return Config{}, err
		}
		cfg.Gateways.HMACSecrets[name] = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
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
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		invalid = append(invalid, "Firestore.ProjectID")
	}
	if cfg.PubSub.EventsTopic == "" {
		invalid = append(invalid, "PubSub.EventsTopic")
	}
	if cfg.Carrier.BaseURL == "" {
		invalid = append(invalid, "Carrier.BaseURL")
	}
	if cfg.Carrier.Timeout <= 0 {
		invalid = append(invalid, "Carrier.Timeout")
	}
	if cfg.Jobs.Workers <= 0 {
		invalid = append(invalid, "Jobs.Workers")
	}
	if cfg.Jobs.MaxAttempts <= 0 {
		invalid = append(invalid, "Jobs.MaxAttempts")
	}
	if len(cfg.Jobs.Backoff) == 0 {
		invalid = append(invalid, "Jobs.Backoff")
	}
	if cfg.Jobs.ShipmentLeaseTTL <= 0 {
		invalid = append(invalid, "Jobs.ShipmentLeaseTTL")
	}
	if cfg.Gateways.StripeWebhookSecret == "" && len(cfg.Gateways.HMACSecrets) == 0 {
		invalid = append(invalid, "Gateways")
	}
	if cfg.Security.Environment != defaultSecurityEnv && !cfg.Security.OIDC.DisableForDev && cfg.Security.OIDC.Audience == "" {
		invalid = append(invalid, "Security.OIDC.Audience")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
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
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}

type lookupFunc func(string) (string, bool)

func stringWithDefault(lookup lookupFunc, key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup lookupFunc, key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := parseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// durationListWithDefault parses "60s,5m,900" style lists. Bare integers are seconds.
func durationListWithDefault(lookup lookupFunc, key string, fallback []time.Duration) []time.Duration {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return append([]time.Duration(nil), fallback...)
	}
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		d, err := parseDuration(part)
		if err != nil || d <= 0 {
			return append([]time.Duration(nil), fallback...)
		}
		out = append(out, d)
	}
	return out
}

func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}

func intWithDefault(lookup lookupFunc, key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatWithDefault(lookup lookupFunc, key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup lookupFunc, key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup lookupFunc, key string) []string {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// mapWithDefault parses "name=value,name2=value2". Names are lower-cased.
func mapWithDefault(lookup lookupFunc, key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
