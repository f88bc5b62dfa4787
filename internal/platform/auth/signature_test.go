package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func TestBodySignatureAcceptsHexBase64AndPrefixed(t *testing.T) {
	secret := "shared-secret"
	body := []byte(`{"transaction_id":"tx1","status":"approved"}`)
	verifier := NewBodySignature(secret)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	raw := mac.Sum(nil)

	for name, header := range map[string]string{
		"hex":      SignBody(secret, body),
		"base64":   base64.StdEncoding.EncodeToString(raw),
		"prefixed": "sha256=" + SignBody(secret, body),
	} {
		if err := verifier.Verify(body, header); err != nil {
			t.Fatalf("%s: expected signature to verify, got %v", name, err)
		}
	}
}

func TestBodySignatureRejectsTamperedBody(t *testing.T) {
	verifier := NewBodySignature("shared-secret")
	header := SignBody("shared-secret", []byte(`{"status":"approved"}`))

	if err := verifier.Verify([]byte(`{"status":"refunded"}`), header); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := verifier.Verify([]byte(`{}`), ""); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected mismatch for empty header, got %v", err)
	}
	if err := verifier.Verify([]byte(`{}`), "not-a-signature!"); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected mismatch for garbage header, got %v", err)
	}
}

func TestBodySignatureTimestamped(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"shipment_id":"shp_1"}`)
	verifier := BodySignature{Secret: []byte("carrier"), Tolerance: 5 * time.Minute, Now: func() time.Time { return now }}

	if err := verifier.Verify(body, SignBodyAt("carrier", body, now.Add(-time.Minute))); err != nil {
		t.Fatalf("expected fresh signature to verify, got %v", err)
	}
	if err := verifier.Verify(body, SignBodyAt("carrier", body, now.Add(-10*time.Minute))); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected stale signature to be rejected, got %v", err)
	}
	if err := verifier.Verify(body, SignBodyAt("other", body, now)); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected wrong secret to be rejected, got %v", err)
	}
}

func TestBodySignatureRequiresSecret(t *testing.T) {
	if err := (BodySignature{}).Verify([]byte("x"), "abcd"); err == nil || errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
