package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"trust-service/internal/consent"
	"trust-service/internal/util"
)

// ConsentHandler serves the guardian-facing consent links, the card
// verification flow and the guardian dashboard
type ConsentHandler struct {
	responder
	consent *consent.Service
}

// NewConsentHandler creates a new consent handler
func NewConsentHandler(consentSvc *consent.Service, logger *zap.Logger) *ConsentHandler {
	return &ConsentHandler{responder: responder{logger: logger}, consent: consentSvc}
}

// RegisterRoutes registers consent and guardian routes. None of them use a
// session; the consent or guardian token is the credential.
func (h *ConsentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/consent", func(r chi.Router) {
		r.Get("/respond", h.Respond)
		r.Post("/verify/charge", h.CreateCharge)
		r.Post("/verify/confirm", h.ConfirmCharge)
	})

	r.Route("/guardian", func(r chi.Router) {
		r.Get("/account", h.GuardianSummary)
		r.Delete("/account", h.GuardianDelete)
		r.Patch("/settings", h.GuardianToggleSetting)
		r.Get("/export", h.GuardianExport)
		r.Post("/revoke", h.GuardianRevoke)
	})
}

// Respond answers a consent request from the emailed link
func (h *ConsentHandler) Respond(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	var granted bool
	switch r.URL.Query().Get("action") {
	case "grant":
		granted = true
	case "deny":
	default:
		h.badRequest(w, "invalid_action", "action must be grant or deny")
		return
	}

	req, err := h.consent.ResolveConsent(r.Context(), token, granted)
	if err != nil {
		h.respondWithError(w, err, "Failed to record your answer")
		return
	}

	message := "Thank you. You have declined this request."
	if granted {
		message = "Thank you. Your consent has been recorded."
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"status": req.Status,
		"action": req.Action,
	}, message))
}

type chargeRequest struct {
	Token    string `json:"token"`
	ChargeID string `json:"charge_id,omitempty"`
}

// CreateCharge starts card verification for a pending request
func (h *ConsentHandler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, "invalid_body", "Invalid request body")
		return
	}

	charge, err := h.consent.CreateVerificationCharge(r.Context(), req.Token)
	if err != nil {
		h.respondWithError(w, err, "Failed to start card verification")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"charge_id":     charge.ID,
		"client_secret": charge.ClientSecret,
		"amount":        charge.AmountCents,
		"currency":      charge.Currency,
	}, "The charge will be refunded immediately after verification."))
}

// ConfirmCharge completes card verification
func (h *ConsentHandler) ConfirmCharge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := decodeJSON(w, r, &req); err != nil || req.ChargeID == "" {
		h.badRequest(w, "invalid_body", "token and charge_id are required")
		return
	}

	resolved, err := h.consent.ConfirmVerificationCharge(r.Context(), req.Token, req.ChargeID)
	if err != nil {
		h.respondWithError(w, err, "Card verification failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"status": resolved.Status,
		"method": resolved.Method,
	}, "Thank you. Your consent has been verified."))
}

func guardianToken(r *http.Request) string {
	return r.URL.Query().Get("token")
}

func (h *ConsentHandler) GuardianSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.consent.Summary(r.Context(), guardianToken(r))
	if err != nil {
		h.respondWithError(w, err, "Failed to load account")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(summary, ""))
}

type settingRequest struct {
	Setting string `json:"setting"`
	Enabled *bool  `json:"enabled"`
}

func (h *ConsentHandler) GuardianToggleSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Enabled == nil {
		h.badRequest(w, "invalid_body", "setting and enabled are required")
		return
	}

	settings, err := h.consent.ToggleSetting(r.Context(), guardianToken(r), req.Setting, *req.Enabled)
	if err != nil {
		h.respondWithError(w, err, "Failed to update setting")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(settings, "Setting updated"))
}

func (h *ConsentHandler) GuardianExport(w http.ResponseWriter, r *http.Request) {
	export, err := h.consent.Export(r.Context(), guardianToken(r))
	if err != nil {
		h.respondWithError(w, err, "Failed to export data")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="account-export.json"`)
	h.respondWithJSON(w, http.StatusOK, successResponse(export, ""))
}

func (h *ConsentHandler) GuardianDelete(w http.ResponseWriter, r *http.Request) {
	token := guardianToken(r)
	if err := h.consent.Delete(r.Context(), token); err != nil {
		h.respondWithError(w, err, "Failed to delete account")
		return
	}
	h.logger.Info("Account deleted by guardian", util.TokenPrefix(token))
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "The account and its data have been deleted."))
}

func (h *ConsentHandler) GuardianRevoke(w http.ResponseWriter, r *http.Request) {
	if err := h.consent.RevokeConsent(r.Context(), guardianToken(r)); err != nil {
		h.respondWithError(w, err, "Failed to revoke consent")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Consent revoked. The account has been suspended."))
}
