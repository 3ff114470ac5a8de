package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"trust-service/internal/governor"
)

// UsageHandler exposes the usage governor to the product surfaces
type UsageHandler struct {
	responder
	governor *governor.Governor
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(gov *governor.Governor, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{responder: responder{logger: logger}, governor: gov}
}

// RegisterRoutes registers routes behind the session middleware
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/usage", h.GetUsage)
	r.Post("/usage/{resource}/authorize", h.Authorize)
	r.Post("/usage/{resource}/record", h.Record)
}

func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	report, err := h.governor.Usage(r.Context(), sessionFrom(r.Context()).AccountID)
	if err != nil {
		h.respondWithError(w, err, "Failed to load usage")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(report, ""))
}

// Authorize runs the governance checks for one action. Denials are 429s
// carrying the decision.
func (h *UsageHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	resource, ok := governor.ParseResource(chi.URLParam(r, "resource"))
	if !ok {
		h.respondWithError(w, governor.ErrUnknownResource, "Unknown resource")
		return
	}

	decision, err := h.governor.Authorize(r.Context(), sessionFrom(r.Context()).AccountID, resource)
	if err != nil {
		h.respondWithError(w, err, "Failed to authorize action")
		return
	}

	if !decision.Allowed {
		if secs := decision.RetryAfterSeconds(); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		h.respondWithJSON(w, http.StatusTooManyRequests, Response{
			Success: false,
			Data:    decisionView(decision),
			Error:   "quota exceeded",
			Code:    string(decision.Reason),
			Message: decision.Message,
		})
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(decisionView(decision), ""))
}

// Record counts one completed action
func (h *UsageHandler) Record(w http.ResponseWriter, r *http.Request) {
	resource, ok := governor.ParseResource(chi.URLParam(r, "resource"))
	if !ok {
		h.respondWithError(w, governor.ErrUnknownResource, "Unknown resource")
		return
	}

	usage, err := h.governor.RecordUsage(r.Context(), sessionFrom(r.Context()).AccountID, resource)
	if err != nil {
		h.respondWithError(w, err, "Failed to record usage")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(usage, ""))
}

type decisionResponse struct {
	governor.Decision
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

func decisionView(d governor.Decision) decisionResponse {
	return decisionResponse{Decision: d, RetryAfterSeconds: d.RetryAfterSeconds()}
}
