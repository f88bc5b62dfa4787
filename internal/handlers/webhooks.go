package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
	"github.com/hanko-field/fulfillment/internal/services"
)

const (
	defaultWebhookBodyLimit        = 256 << 10
	defaultPaymentSignatureHeader  = "X-Signature"
	defaultCarrierSignatureHeader  = "X-Carrier-Signature"
	stripeSignatureHeader          = "Stripe-Signature"
	defaultWebhookRatePerSecond    = 50
	defaultWebhookRateBurst        = 100
	errorWebhookServiceUnavailable = "webhook_service_unavailable"
)

// PaymentWebhookService applies gateway notifications.
type PaymentWebhookService interface {
	Reconcile(ctx context.Context, gateway string, payload []byte, signature string) (services.ReconcileResult, error)
}

// TrackingWebhookService ingests carrier tracking pushes.
type TrackingWebhookService interface {
	IngestWebhook(ctx context.Context, carrier string, payload services.TrackingWebhook) (services.IngestResult, error)
}

// WebhookHandlers serves the inbound payment and carrier webhooks.
type WebhookHandlers struct {
	payments          PaymentWebhookService
	tracking          TrackingWebhookService
	carrierSignatures map[string]auth.BodySignature
	paymentHeader     string
	carrierHeader     string
	bodyLimit         int64
	limiter           rateLimiter
}

// WebhookOption customises WebhookHandlers.
type WebhookOption func(*WebhookHandlers)

// WithCarrierSignature registers the shared secret used to verify pushes from carrier.
func WithCarrierSignature(carrier string, signature auth.BodySignature) WebhookOption {
	return func(h *WebhookHandlers) {
		if key := strings.ToLower(strings.TrimSpace(carrier)); key != "" {
			h.carrierSignatures[key] = signature
		}
	}
}

// WithSignatureHeaders overrides the header names carrying HMAC signatures.
func WithSignatureHeaders(payment, carrier string) WebhookOption {
	return func(h *WebhookHandlers) {
		if strings.TrimSpace(payment) != "" {
			h.paymentHeader = strings.TrimSpace(payment)
		}
		if strings.TrimSpace(carrier) != "" {
			h.carrierHeader = strings.TrimSpace(carrier)
		}
	}
}

// WithWebhookBodyLimit caps the accepted body size.
func WithWebhookBodyLimit(limit int64) WebhookOption {
	return func(h *WebhookHandlers) {
		if limit > 0 {
			h.bodyLimit = limit
		}
	}
}

// WithWebhookRateLimit sets the per-carrier request rate. Zero disables limiting.
func WithWebhookRateLimit(perSecond float64, burst int) WebhookOption {
	return func(h *WebhookHandlers) {
		h.limiter = newKeyedRateLimiter(perSecond, burst, nil)
	}
}

// NewWebhookHandlers constructs the webhook handlers. Either service may be nil, in which case
// its route answers 503.
func NewWebhookHandlers(payments PaymentWebhookService, tracking TrackingWebhookService, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		payments:          payments,
		tracking:          tracking,
		carrierSignatures: make(map[string]auth.BodySignature),
		paymentHeader:     defaultPaymentSignatureHeader,
		carrierHeader:     defaultCarrierSignatureHeader,
		bodyLimit:         defaultWebhookBodyLimit,
		limiter:           newKeyedRateLimiter(defaultWebhookRatePerSecond, defaultWebhookRateBurst, nil),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{gateway}", h.paymentWebhook)
	r.Post("/carriers/{carrier}", h.carrierWebhook)
}

func (h *WebhookHandlers) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError(errorWebhookServiceUnavailable, "payment webhooks unavailable", http.StatusServiceUnavailable))
		return
	}
	// Gateway deliveries are not rate limited; see carrierWebhook.
	gateway := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "gateway")))
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	header := h.paymentHeader
	if gateway == "stripe" {
		header = stripeSignatureHeader
	}
	result, err := h.payments.Reconcile(ctx, gateway, body, r.Header.Get(header))
	if err != nil {
		writeReconcileError(ctx, w, err)
		return
	}
	payload := map[string]any{"outcome": result.Outcome}
	if result.PaymentID != "" {
		payload["payment_id"] = result.PaymentID
		payload["status"] = result.Current
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *WebhookHandlers) carrierWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.tracking == nil {
		httpx.WriteError(ctx, w, httpx.NewError(errorWebhookServiceUnavailable, "carrier webhooks unavailable", http.StatusServiceUnavailable))
		return
	}
	carrier := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "carrier")))
	signature, known := h.carrierSignatures[carrier]
	if !known {
		httpx.WriteError(ctx, w, httpx.NewError("unknown_carrier", "carrier not registered", http.StatusNotFound))
		return
	}
	if !h.allow(ctx, w, "carriers:"+carrier) {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := signature.Verify(body, r.Header.Get(h.carrierHeader)); err != nil {
		requestctx.Logger(ctx).Warn("carrier webhook signature rejected", zap.String("carrier", carrier), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "signature verification failed", http.StatusUnauthorized))
		return
	}

	var payload services.TrackingWebhook
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "body must be a tracking webhook json object", http.StatusBadRequest))
		return
	}
	result, err := h.tracking.IngestWebhook(ctx, carrier, payload)
	if err != nil {
		requestctx.Logger(ctx).Error("carrier webhook ingest failed", zap.String("carrier", carrier), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("tracking_error", "failed to ingest tracking webhook", http.StatusInternalServerError))
		return
	}
	response := map[string]any{"outcome": result.Outcome}
	if result.Reason != "" {
		response["reason"] = result.Reason
	}
	if result.ShipmentID != "" {
		response["shipment_id"] = result.ShipmentID
		response["inserted"] = result.Inserted
	}
	if result.SyncJobID != "" {
		response["sync_job_id"] = result.SyncJobID
	}
	httpx.WriteJSON(w, http.StatusOK, response)
}

func (h *WebhookHandlers) allow(ctx context.Context, w http.ResponseWriter, key string) bool {
	if h.limiter == nil || h.limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "1")
	httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests))
	return false
}

func (h *WebhookHandlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := httpx.ReadBody(r, h.bodyLimit)
	switch {
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "webhook body too large", http.StatusRequestEntityTooLarge))
		return nil, false
	case err != nil:
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "failed to read body", http.StatusBadRequest))
		return nil, false
	}
	return body, true
}

func writeReconcileError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrSignatureInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "signature verification failed", http.StatusUnauthorized))
	case errors.Is(err, services.ErrMalformedPayload):
		httpx.WriteError(ctx, w, httpx.NewError("malformed_payload", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrUnknownGateway):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_gateway", "gateway not registered", http.StatusNotFound))
	default:
		requestctx.Logger(ctx).Error("payment webhook failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook", http.StatusInternalServerError))
	}
}
