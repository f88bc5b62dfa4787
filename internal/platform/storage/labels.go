package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	defaultLabelURLTTL = 15 * time.Minute
	maxLabelBytes      = 10 << 20
)

// ErrLabelTooLarge is returned when a carrier label exceeds the archive limit.
var ErrLabelTooLarge = errors.New("storage: label exceeds size limit")

// ObjectWriter persists objects. GCSObjects is the production implementation.
type ObjectWriter interface {
	WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error
}

// GCSObjects writes objects to Cloud Storage.
type GCSObjects struct {
	Client *gcs.Client
}

// WriteObject uploads data, overwriting any previous object at the same key.
func (g GCSObjects) WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error {
	if g.Client == nil {
		return errors.New("storage: gcs client is not initialised")
	}
	w := g.Client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", object, err)
	}
	return nil
}

// LabelArchive copies carrier-hosted labels into our bucket so they survive carrier URL
// expiry, and hands out short-lived signed URLs for them.
type LabelArchive struct {
	bucket  string
	objects ObjectWriter
	signer  Signer
	http    *http.Client
	ttl     time.Duration
	now     func() time.Time
}

// ArchiveOption customises a LabelArchive.
type ArchiveOption func(*LabelArchive)

// WithHTTPClient overrides the client used to download carrier labels.
func WithHTTPClient(client *http.Client) ArchiveOption {
	return func(a *LabelArchive) {
		if client != nil {
			a.http = client
		}
	}
}

// WithClock injects a clock for signed URL expiry.
func WithClock(now func() time.Time) ArchiveOption {
	return func(a *LabelArchive) {
		if now != nil {
			a.now = now
		}
	}
}

// WithSignedURLTTL overrides the signed URL lifetime.
func WithSignedURLTTL(ttl time.Duration) ArchiveOption {
	return func(a *LabelArchive) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// NewLabelArchive builds an archive writing to bucket. signer may be nil, in which case
// SignedURL is unavailable.
func NewLabelArchive(bucket string, objects ObjectWriter, signer Signer, opts ...ArchiveOption) (*LabelArchive, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: label bucket is required")
	}
	if objects == nil {
		return nil, errors.New("storage: object writer is required")
	}
	a := &LabelArchive{
		bucket:  bucket,
		objects: objects,
		signer:  signer,
		http:    &http.Client{Timeout: 30 * time.Second},
		ttl:     defaultLabelURLTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Archive downloads the label at sourceURL and stores it, returning the object path.
func (a *LabelArchive) Archive(ctx context.Context, orderID, shipmentID string, kind LabelKind, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("storage: build label request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: download label: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storage: download label: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLabelBytes+1))
	if err != nil {
		return "", fmt.Errorf("storage: read label: %w", err)
	}
	if len(data) > maxLabelBytes {
		return "", ErrLabelTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	object, err := LabelObjectPath(orderID, shipmentID, kind, extensionFor(contentType))
	if err != nil {
		return "", err
	}
	if err := a.objects.WriteObject(ctx, a.bucket, object, contentType, data); err != nil {
		return "", err
	}
	return object, nil
}

// SignedURL returns a V4 GET URL for an archived object.
func (a *LabelArchive) SignedURL(ctx context.Context, object string) (string, time.Time, error) {
	if a.signer == nil || a.signer.Email() == "" {
		return "", time.Time{}, errors.New("storage: signer is not configured")
	}
	expires := a.now().Add(a.ttl)
	url, err := gcs.SignedURL(a.bucket, object, &gcs.SignedURLOptions{
		GoogleAccessID: a.signer.Email(),
		Method:         http.MethodGet,
		Expires:        expires,
		Scheme:         gcs.SigningSchemeV4,
		SignBytes: func(payload []byte) ([]byte, error) {
			return a.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign url: %w", err)
	}
	return url, expires, nil
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".pdf"
	}
	switch mediaType {
	case "application/pdf":
		return ".pdf"
	case "image/png":
		return ".png"
	case "application/zpl", "text/plain":
		return ".zpl"
	default:
		return ".bin"
	}
}
