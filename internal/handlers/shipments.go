package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
	"github.com/hanko-field/fulfillment/internal/services"
)

const (
	maxAdvanceBodySize = 64 * 1024
	maxAdvanceBatch    = 500
)

// ShipmentCommandService performs synchronous shipment operations.
type ShipmentCommandService interface {
	Cancel(ctx context.Context, shipmentID string) (domain.Shipment, error)
	PrintLabel(ctx context.Context, shipmentID string) (domain.Shipment, error)
}

type advanceRequest struct {
	ShipmentIDs []string `json:"shipment_ids"`
}

type shipmentPayload struct {
	ID                string `json:"id"`
	OrderID           string `json:"order_id"`
	Carrier           string `json:"carrier"`
	Status            string `json:"status"`
	CarrierShipmentID string `json:"carrier_shipment_id,omitempty"`
	TrackingNumber    string `json:"tracking_number,omitempty"`
	LabelURL          string `json:"label_url,omitempty"`
	PrintedLabelURL   string `json:"printed_label_url,omitempty"`
	ArchivedLabelPath string `json:"archived_label_path,omitempty"`
	CancelledAt       string `json:"cancelled_at,omitempty"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

// ShipmentHandlers serves the /internal/shipments endpoints used by schedulers and operators.
type ShipmentHandlers struct {
	shipments ShipmentCommandService
	jobs      jobs.Enqueuer
}

// NewShipmentHandlers constructs ShipmentHandlers.
func NewShipmentHandlers(shipments ShipmentCommandService, enqueuer jobs.Enqueuer) *ShipmentHandlers {
	return &ShipmentHandlers{shipments: shipments, jobs: enqueuer}
}

// Routes registers the /shipments endpoints.
func (h *ShipmentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/shipments", func(rt chi.Router) {
		rt.Post("/advance", h.advance)
		rt.Post("/{shipmentID}/cancel", h.cancel)
		rt.Post("/{shipmentID}/print-label", h.printLabel)
		rt.Post("/{shipmentID}/tracking-sync", h.trackingSync)
	})
}

func (h *ShipmentHandlers) advance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.jobs == nil {
		httpx.WriteError(ctx, w, httpx.NewError("scheduler_unavailable", "job scheduler unavailable", http.StatusServiceUnavailable))
		return
	}
	var req advanceRequest
	if err := httpx.DecodeJSON(r, maxAdvanceBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "body must be {\"shipment_ids\": [...]}", http.StatusBadRequest))
		return
	}
	ids := make([]string, 0, len(req.ShipmentIDs))
	for _, id := range req.ShipmentIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipment_ids is required", http.StatusBadRequest))
		return
	}
	if len(ids) > maxAdvanceBatch {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "too many shipment_ids", http.StatusBadRequest))
		return
	}

	job, err := h.jobs.Enqueue(ctx, services.JobTypeAdvanceBatch, map[string]any{"shipment_ids": ids})
	if err != nil {
		requestctx.Logger(ctx).Error("enqueue advance batch failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("enqueue_failed", "failed to schedule advance", http.StatusInternalServerError))
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "shipments": len(ids)})
}

func (h *ShipmentHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipment_service_unavailable", "shipment service unavailable", http.StatusServiceUnavailable))
		return
	}
	shipmentID, ok := shipmentIDParam(w, r)
	if !ok {
		return
	}
	shipment, err := h.shipments.Cancel(ctx, shipmentID)
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"shipment": buildShipmentPayload(shipment)})
}

func (h *ShipmentHandlers) printLabel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipment_service_unavailable", "shipment service unavailable", http.StatusServiceUnavailable))
		return
	}
	shipmentID, ok := shipmentIDParam(w, r)
	if !ok {
		return
	}
	shipment, err := h.shipments.PrintLabel(ctx, shipmentID)
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"shipment": buildShipmentPayload(shipment)})
}

func (h *ShipmentHandlers) trackingSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.jobs == nil {
		httpx.WriteError(ctx, w, httpx.NewError("scheduler_unavailable", "job scheduler unavailable", http.StatusServiceUnavailable))
		return
	}
	shipmentID, ok := shipmentIDParam(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.Enqueue(ctx, services.JobTypeTrackingSync, map[string]any{"shipment_id": shipmentID})
	if err != nil {
		requestctx.Logger(ctx).Error("enqueue tracking sync failed", zap.String("shipment_id", shipmentID), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("enqueue_failed", "failed to schedule tracking sync", http.StatusInternalServerError))
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "shipment_id": shipmentID})
}

func shipmentIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "shipmentID"))
	if id == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "shipment id is required", http.StatusBadRequest))
		return "", false
	}
	return id, true
}

func buildShipmentPayload(s domain.Shipment) shipmentPayload {
	payload := shipmentPayload{
		ID:                s.ID,
		OrderID:           s.OrderID,
		Carrier:           s.Carrier,
		Status:            string(s.Status),
		CarrierShipmentID: s.CarrierShipmentID,
		TrackingNumber:    s.TrackingNumber,
		LabelURL:          s.LabelURL,
		PrintedLabelURL:   s.PrintedLabelURL,
		ArchivedLabelPath: s.ArchivedLabelPath,
	}
	if s.CancelledAt != nil {
		payload.CancelledAt = s.CancelledAt.UTC().Format(time.RFC3339)
	}
	if !s.UpdatedAt.IsZero() {
		payload.UpdatedAt = s.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func writeShipmentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrShipmentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_not_found", "shipment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrShipmentNotCancellable):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_not_cancellable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrLabelUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("label_unavailable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrShipmentBusy):
		w.Header().Set("Retry-After", "5")
		httpx.WriteError(ctx, w, httpx.NewError("shipment_busy", "shipment is being processed", http.StatusLocked))
	case errors.Is(err, services.ErrCarrierCancelFailed), errors.Is(err, services.ErrCarrierRejected):
		httpx.WriteError(ctx, w, httpx.NewError("carrier_error", err.Error(), http.StatusBadGateway))
	default:
		requestctx.Logger(ctx).Error("shipment request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("shipment_error", "failed to process shipment request", http.StatusInternalServerError))
	}
}
