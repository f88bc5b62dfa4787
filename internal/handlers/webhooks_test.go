package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/services"
)

type stubPaymentWebhookService struct {
	reconcileFn func(context.Context, string, []byte, string) (services.ReconcileResult, error)
}

func (s *stubPaymentWebhookService) Reconcile(ctx context.Context, gateway string, payload []byte, signature string) (services.ReconcileResult, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, gateway, payload, signature)
	}
	return services.ReconcileResult{}, errors.New("not implemented")
}

type stubTrackingWebhookService struct {
	ingestFn func(context.Context, string, services.TrackingWebhook) (services.IngestResult, error)
}

func (s *stubTrackingWebhookService) IngestWebhook(ctx context.Context, carrier string, payload services.TrackingWebhook) (services.IngestResult, error) {
	if s.ingestFn != nil {
		return s.ingestFn(ctx, carrier, payload)
	}
	return services.IngestResult{}, errors.New("not implemented")
}

func webhookRouter(h *WebhookHandlers) http.Handler {
	r := chi.NewRouter()
	r.Route("/webhooks", h.Routes)
	return r
}

func TestPaymentWebhookStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		result services.ReconcileResult
		err    error
		status int
		code   string
	}{
		{name: "applied", result: services.ReconcileResult{Outcome: services.OutcomeApplied, PaymentID: "pay_1", Current: domain.PaymentStatusApproved}, status: http.StatusOK},
		{name: "noop", result: services.ReconcileResult{Outcome: services.OutcomeNoop}, status: http.StatusOK},
		{name: "unknown transaction", result: services.ReconcileResult{Outcome: services.OutcomeUnknownTransaction}, status: http.StatusOK},
		{name: "regression", result: services.ReconcileResult{Outcome: services.OutcomeRegressionRejected}, status: http.StatusOK},
		{name: "soft failure", result: services.ReconcileResult{Outcome: services.OutcomeSoftFailure}, status: http.StatusOK},
		{name: "signature", err: services.ErrSignatureInvalid, status: http.StatusUnauthorized, code: "signature_invalid"},
		{name: "malformed", err: fmt.Errorf("%w: bad json", services.ErrMalformedPayload), status: http.StatusBadRequest, code: "malformed_payload"},
		{name: "unknown gateway", err: fmt.Errorf("%w: boleto", services.ErrUnknownGateway), status: http.StatusNotFound, code: "unknown_gateway"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubPaymentWebhookService{
				reconcileFn: func(context.Context, string, []byte, string) (services.ReconcileResult, error) {
					return tc.result, tc.err
				},
			}
			router := webhookRouter(NewWebhookHandlers(svc, nil))

			req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/pix", strings.NewReader(`{}`))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tc.code != "" && body["error"] != tc.code {
				t.Fatalf("expected error %s, got %v", tc.code, body["error"])
			}
			if tc.err == nil && body["outcome"] != string(tc.result.Outcome) {
				t.Fatalf("expected outcome %s, got %v", tc.result.Outcome, body["outcome"])
			}
		})
	}
}

func TestPaymentWebhookPassesRawBodyAndSignatureHeader(t *testing.T) {
	var gotGateway, gotSignature, gotBody string
	svc := &stubPaymentWebhookService{
		reconcileFn: func(_ context.Context, gateway string, payload []byte, signature string) (services.ReconcileResult, error) {
			gotGateway, gotSignature, gotBody = gateway, signature, string(payload)
			return services.ReconcileResult{Outcome: services.OutcomeNoop}, nil
		},
	}
	router := webhookRouter(NewWebhookHandlers(svc, nil))

	body := `{"transaction_id":"tx_1",  "status":"paid"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/PIX", strings.NewReader(body))
	req.Header.Set("X-Signature", "sig-hmac")
	req.Header.Set("Stripe-Signature", "sig-stripe")
	router.ServeHTTP(httptest.NewRecorder(), req)
	if gotGateway != "pix" || gotSignature != "sig-hmac" || gotBody != body {
		t.Fatalf("unexpected call gateway=%q signature=%q body=%q", gotGateway, gotSignature, gotBody)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", strings.NewReader(body))
	req.Header.Set("X-Signature", "sig-hmac")
	req.Header.Set("Stripe-Signature", "sig-stripe")
	router.ServeHTTP(httptest.NewRecorder(), req)
	if gotSignature != "sig-stripe" {
		t.Fatalf("expected stripe header for stripe gateway, got %q", gotSignature)
	}
}

func TestPaymentWebhookRejectsOversizedBody(t *testing.T) {
	svc := &stubPaymentWebhookService{
		reconcileFn: func(context.Context, string, []byte, string) (services.ReconcileResult, error) {
			t.Fatalf("service must not be called")
			return services.ReconcileResult{}, nil
		},
	}
	router := webhookRouter(NewWebhookHandlers(svc, nil, WithWebhookBodyLimit(16)))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/pix", strings.NewReader(strings.Repeat("x", 64)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestWebhookRateLimitAppliesToCarriersOnly(t *testing.T) {
	payments := &stubPaymentWebhookService{
		reconcileFn: func(context.Context, string, []byte, string) (services.ReconcileResult, error) {
			return services.ReconcileResult{Outcome: services.OutcomeNoop}, nil
		},
	}
	tracking := &stubTrackingWebhookService{
		ingestFn: func(context.Context, string, services.TrackingWebhook) (services.IngestResult, error) {
			return services.IngestResult{Outcome: services.IngestDropped, Reason: "missing_reference"}, nil
		},
	}
	signature := auth.NewBodySignature("carrier-secret")
	router := webhookRouter(NewWebhookHandlers(payments, tracking,
		WithWebhookRateLimit(0.001, 1),
		WithCarrierSignature("aggregator", signature),
		WithCarrierSignature("jadlog", signature),
	))

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/pix", strings.NewReader(`{}`)))
		if rr.Code != http.StatusOK {
			t.Fatalf("payment delivery %d: expected 200, got %d", i, rr.Code)
		}
	}

	send := func(carrier string) *httptest.ResponseRecorder {
		body := `{}`
		req := httptest.NewRequest(http.MethodPost, "/webhooks/carriers/"+carrier, strings.NewReader(body))
		req.Header.Set("X-Carrier-Signature", auth.SignBody("carrier-secret", []byte(body)))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}
	if rr := send("aggregator"); rr.Code != http.StatusOK {
		t.Fatalf("expected first carrier push accepted, got %d", rr.Code)
	}
	rr := send("aggregator")
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected 429 with Retry-After, got %d", rr.Code)
	}
	if rr := send("jadlog"); rr.Code != http.StatusOK {
		t.Fatalf("limits are per carrier, got %d", rr.Code)
	}
}

func TestCarrierWebhook(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	signature := auth.BodySignature{Secret: []byte("carrier-secret"), Tolerance: 5 * time.Minute, Now: func() time.Time { return now }}

	var got services.TrackingWebhook
	svc := &stubTrackingWebhookService{
		ingestFn: func(_ context.Context, carrier string, payload services.TrackingWebhook) (services.IngestResult, error) {
			if carrier != "aggregator" {
				t.Errorf("unexpected carrier %s", carrier)
			}
			got = payload
			if payload.ShipmentID == "shp_missing" {
				return services.IngestResult{Outcome: services.IngestDropped, Reason: "unknown_shipment"}, nil
			}
			return services.IngestResult{Outcome: services.IngestAccepted, ShipmentID: "shp_1", Inserted: true, SyncJobID: "job_1"}, nil
		},
	}
	router := webhookRouter(NewWebhookHandlers(nil, svc, WithCarrierSignature("Aggregator", signature)))

	send := func(body, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/carriers/aggregator", strings.NewReader(body))
		if header != "" {
			req.Header.Set("X-Carrier-Signature", header)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	body := `{"carrier_shipment_id":"cs_1","event":{"code":"BDE","status":"delivered","occurred_at":"2025-06-01T11:00:00Z"}}`
	rr := send(body, auth.SignBodyAt("carrier-secret", []byte(body), now))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"sync_job_id":"job_1"`) {
		t.Fatalf("expected queued sync in response, got %s", rr.Body.String())
	}
	if got.CarrierShipmentID != "cs_1" || got.Event == nil || got.Event.Code != "BDE" || !got.Event.OccurredAt.Equal(now.Add(-time.Hour)) {
		t.Fatalf("unexpected decoded payload %+v", got)
	}

	dropped := `{"shipment_id":"shp_missing"}`
	rr = send(dropped, auth.SignBody("carrier-secret", []byte(dropped)))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "unknown_shipment") {
		t.Fatalf("expected 200 dropped, got %d %s", rr.Code, rr.Body.String())
	}

	if rr = send(body, auth.SignBody("wrong", []byte(body))); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rr.Code)
	}
	if rr = send(body, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rr.Code)
	}

	garbage := `{"shipment_id":`
	if rr = send(garbage, auth.SignBody("carrier-secret", []byte(garbage))); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/carriers/pigeon", strings.NewReader(body))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown carrier, got %d", rr.Code)
	}
}
