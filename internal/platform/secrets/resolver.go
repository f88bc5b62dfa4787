package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
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
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const meterName = "github.com/hanko-field/fulfillment/internal/platform/secrets"

// Client is the subset of the Secret Manager client used by Resolver.
type Client interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver turns secret://name[?version=N&project=P] references into values. Remote values are
// cached for the life of the process; when Secret Manager is unreachable a local KEY=VALUE file
// is consulted so developers can run without cloud credentials.
type Resolver struct {
	client       Client
	ownsClient   bool
	projectID    string
	fallbackPath string
	logger       *zap.Logger
	retry        gax.CallOption

	mu    sync.RWMutex
	cache map[string]string

	fallbackOnce sync.Once
	fallback     map[string]string

	latency metric.Float64Histogram
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithClient injects a Secret Manager client.
func WithClient(client Client) Option {
	return func(r *Resolver) { r.client = client }
}

// WithFallbackFile sets the local fallback file. An empty path disables fallback.
func WithFallbackFile(path string) Option {
	return func(r *Resolver) { r.fallbackPath = strings.TrimSpace(path) }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver builds a resolver for projectID. Without an injected client a Secret Manager
// client is dialled; a dial failure leaves the resolver in fallback-only mode.
func NewResolver(ctx context.Context, projectID string, opts ...Option) *Resolver {
	r := &Resolver{
		projectID:    strings.TrimSpace(projectID),
		fallbackPath: ".secrets.local",
		logger:       zap.NewNop(),
		cache:        make(map[string]string),
		retry: gax.WithRetry(func() gax.Retryer {
			return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
				Initial:    100 * time.Millisecond,
				Max:        2 * time.Second,
				Multiplier: 2,
			})
		}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		client, err := secretmanager.NewClient(ctx, option.WithUserAgent("hanko-fulfillment"))
		if err != nil {
			r.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}

	latency, err := otel.GetMeterProvider().Meter(meterName).Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret lookups"),
	)
	if err == nil {
		r.latency = latency
	}
	return r
}

// Close releases the owned client.
func (r *Resolver) Close() error {
	if r.ownsClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ResolveSecret implements config.SecretResolver.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	value, ok := r.cache[parsed.key()]
	r.mu.RUnlock()
	if ok {
		r.observe(ctx, start, "cache")
		return value, nil
	}

	project := parsed.project
	if project == "" {
		project = r.projectID
	}
	if r.client != nil && project != "" {
		name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, parsed.name, parsed.version)
		resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name}, r.retry)
		switch {
		case err == nil:
			value := string(resp.GetPayload().GetData())
			r.store(parsed.key(), value)
			r.observe(ctx, start, "remote")
			return value, nil
		case !fallbackEligible(err):
			r.observe(ctx, start, "error")
			return "", fmt.Errorf("secrets: access %s: %w", parsed.canonical, err)
		default:
			r.logger.Debug("secrets: remote lookup failed, trying fallback", zap.String("secret", mask(parsed.canonical)), zap.Error(err))
		}
	}

	value, ok = r.lookupFallback(parsed)
	if !ok {
		r.observe(ctx, start, "error")
		return "", fmt.Errorf("secrets: %s not found", parsed.canonical)
	}
	r.store(parsed.key(), value)
	r.observe(ctx, start, "fallback")
	return value, nil
}

func (r *Resolver) store(key, value string) {
	r.mu.Lock()
	r.cache[key] = value
	r.mu.Unlock()
}

func (r *Resolver) observe(ctx context.Context, start time.Time, source string) {
	if r.latency == nil {
		return
	}
	r.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

func (r *Resolver) lookupFallback(ref reference) (string, bool) {
	r.fallbackOnce.Do(func() {
		r.fallback = map[string]string{}
		if r.fallbackPath == "" {
			return
		}
		file, err := os.Open(r.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("secrets: unable to open fallback file", zap.String("path", r.fallbackPath), zap.Error(err))
			}
			return
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			if parsed, err := parseReference(strings.TrimSpace(key)); err == nil {
				r.fallback[parsed.canonical] = strings.TrimSpace(value)
			}
		}
	})
	value, ok := r.fallback[ref.canonical]
	return value, ok
}

type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

func (r reference) key() string { return r.canonical + "#" + r.project + "#" + r.version }

func parseReference(ref string) (reference, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "sm://") {
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: invalid reference %q", ref)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	query := u.Query()
	version := strings.TrimSpace(query.Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{
		canonical: "secret://" + name,
		name:      strings.ReplaceAll(name, "/", "_"),
		version:   version,
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	default:
		return false
	}
}

func mask(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:6])
}
