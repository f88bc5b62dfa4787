package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

type recordedObject struct {
	bucket      string
	object      string
	contentType string
	data        []byte
}

type fakeObjects struct {
	writes []recordedObject
}

func (f *fakeObjects) WriteObject(_ context.Context, bucket, object, contentType string, data []byte) error {
	f.writes = append(f.writes, recordedObject{bucket, object, contentType, append([]byte(nil), data...)})
	return nil
}

type fakeSigner struct{ email string }

func (f fakeSigner) Email() string { return f.email }

func (f fakeSigner) SignBytes(context.Context, []byte) ([]byte, error) { return []byte("signed"), nil }

func TestLabelObjectPath(t *testing.T) {
	got, err := LabelObjectPath("ord_1", "shp_1", LabelGenerated, ".PDF")
	if err != nil {
		t.Fatalf("LabelObjectPath: %v", err)
	}
	if got != "labels/ord_1/shp_1/generated.pdf" {
		t.Fatalf("unexpected path %s", got)
	}
	if _, err := LabelObjectPath("ord/1", "shp_1", LabelGenerated, ""); err == nil {
		t.Fatalf("expected path characters to be rejected")
	}
	if _, err := LabelObjectPath("ord_1", "..", LabelPrinted, ""); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := LabelObjectPath("ord_1", "shp_1", LabelKind("raw"), ""); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
}

func TestLabelArchiveStoresDownloadedLabel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 label"))
	}))
	defer server.Close()

	objects := &fakeObjects{}
	archive, err := NewLabelArchive("hf-labels", objects, nil, WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewLabelArchive: %v", err)
	}

	path, err := archive.Archive(context.Background(), "ord_1", "shp_1", LabelPrinted, server.URL+"/labels/abc")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if path != "labels/ord_1/shp_1/printed.pdf" {
		t.Fatalf("unexpected path %s", path)
	}
	if len(objects.writes) != 1 || objects.writes[0].bucket != "hf-labels" || objects.writes[0].contentType != "application/pdf" {
		t.Fatalf("unexpected writes %+v", objects.writes)
	}
}

func TestLabelArchiveRejectsFailedDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	objects := &fakeObjects{}
	archive, _ := NewLabelArchive("hf-labels", objects, nil, WithHTTPClient(server.Client()))
	if _, err := archive.Archive(context.Background(), "ord_1", "shp_1", LabelGenerated, server.URL); err == nil {
		t.Fatalf("expected error for 404")
	}
	if len(objects.writes) != 0 {
		t.Fatalf("expected no writes")
	}
}

func TestLabelArchiveSignedURL(t *testing.T) {
	now := time.Now()
	archive, _ := NewLabelArchive("hf-labels", &fakeObjects{}, fakeSigner{email: "labels@hf.iam.gserviceaccount.com"},
		WithClock(func() time.Time { return now }),
		WithSignedURLTTL(10*time.Minute),
	)

	signed, expires, err := archive.SignedURL(context.Background(), "labels/ord_1/shp_1/printed.pdf")
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if !expires.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expires)
	}
	parsed, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.Contains(parsed.Path, "labels/ord_1/shp_1/printed.pdf") {
		t.Fatalf("unexpected object path in %s", signed)
	}
	seconds, err := strconv.Atoi(parsed.Query().Get("X-Goog-Expires"))
	if err != nil || seconds < 590 || seconds > 600 {
		t.Fatalf("expected ~600s expiry, got %q", parsed.Query().Get("X-Goog-Expires"))
	}

	unsigned, _ := NewLabelArchive("hf-labels", &fakeObjects{}, nil)
	if _, _, err := unsigned.SignedURL(context.Background(), "x"); err == nil {
		t.Fatalf("expected error without signer")
	}
}
