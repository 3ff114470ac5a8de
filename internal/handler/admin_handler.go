package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"trust-service/internal/admin"
	"trust-service/internal/apperr"
	"trust-service/internal/audit"
	"trust-service/internal/models"
	"trust-service/internal/service"
)

const maxAuditLimit = 500

// AdminHandler serves operator login and moderation
type AdminHandler struct {
	responder
	auth     *admin.Authenticator
	accounts *service.AccountService
	trail    *audit.Trail
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(auth *admin.Authenticator, accounts *service.AccountService, trail *audit.Trail, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		responder: responder{logger: logger},
		auth:      auth,
		accounts:  accounts,
		trail:     trail,
	}
}

// RegisterRoutes registers every admin route; all but login sit behind
// RequireAdmin
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin(h.auth, h.logger))

			r.Post("/2fa/enable", h.BeginEnableSecondFactor)
			r.Post("/2fa/confirm", h.ConfirmEnableSecondFactor)
			r.Post("/2fa/disable", h.DisableSecondFactor)

			r.Post("/accounts/{accountID}/approve", h.Approve)
			r.Post("/accounts/{accountID}/deny", h.Deny)
			r.Post("/accounts/{accountID}/suspend", h.Suspend)
			r.Post("/accounts/{accountID}/tier", h.SetTier)

			r.Get("/audit", h.SearchAudit)
		})
	})
}

type adminLoginRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code,omitempty"`
}

func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, admin.ErrUnauthorized, "Admin authentication failed")
		return
	}

	token, err := h.auth.Login(r.Context(), req.Secret, req.Code)
	if err != nil {
		h.respondWithError(w, err, "Admin authentication failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(token, ""))
}

func (h *AdminHandler) BeginEnableSecondFactor(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.BeginEnableSecondFactor(r.Context()); err != nil {
		h.respondWithError(w, err, "Failed to send verification code")
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, successResponse(nil, "A verification code was sent to the admin email"))
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h *AdminHandler) ConfirmEnableSecondFactor(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, "invalid_body", "code is required")
		return
	}
	if err := h.auth.ConfirmEnableSecondFactor(r.Context(), req.Code); err != nil {
		h.respondWithError(w, err, "Verification failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"second_factor_enabled": true}, ""))
}

func (h *AdminHandler) DisableSecondFactor(w http.ResponseWriter, r *http.Request) {
	h.auth.DisableSecondFactor(r.Context())
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"second_factor_enabled": false}, ""))
}

func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.Approve(r.Context(), chi.URLParam(r, "accountID"))
	h.moderated(w, account, err)
}

func (h *AdminHandler) Deny(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.Deny(r.Context(), chi.URLParam(r, "accountID"))
	h.moderated(w, account, err)
}

type suspendRequest struct {
	Until    *time.Time `json:"until,omitempty"`
	Duration string     `json:"duration,omitempty"`
}

// Suspend suspends an account until a time, for a duration, or
// indefinitely when the body is empty
func (h *AdminHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	var req suspendRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.badRequest(w, "invalid_body", "Invalid request body")
			return
		}
	}

	accountID := chi.URLParam(r, "accountID")
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			h.badRequest(w, "invalid_duration", "duration must be a positive Go duration such as 72h")
			return
		}
		account, err := h.accounts.SuspendFor(r.Context(), accountID, d)
		h.moderated(w, account, err)
		return
	}

	account, err := h.accounts.Suspend(r.Context(), accountID, req.Until)
	h.moderated(w, account, err)
}

type tierRequest struct {
	Tier models.Tier `json:"tier"`
}

func (h *AdminHandler) SetTier(w http.ResponseWriter, r *http.Request) {
	var req tierRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, "invalid_body", "tier is required")
		return
	}
	account, err := h.accounts.SetTier(r.Context(), chi.URLParam(r, "accountID"), req.Tier)
	h.moderated(w, account, err)
}

func (h *AdminHandler) moderated(w http.ResponseWriter, account *models.Account, err error) {
	if err != nil {
		h.respondWithError(w, err, "Admin action failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(h.accounts.Summary(account), "Account updated"))
}

// SearchAudit queries the audit trail. Filters: account_id, event_type,
// since and until (RFC 3339) and limit.
func (h *AdminHandler) SearchAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.AuditQuery{
		AccountID: q.Get("account_id"),
		EventType: models.AuditEventType(q.Get("event_type")),
	}

	for name, dst := range map[string]*time.Time{"since": &query.Since, "until": &query.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				h.badRequest(w, "invalid_"+name, name+" must be an RFC 3339 timestamp")
				return
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxAuditLimit {
			h.badRequest(w, "invalid_limit", "limit must be between 1 and 500")
			return
		}
		query.Limit = n
	}

	events, ok, err := h.trail.Search(r.Context(), query)
	if !ok {
		h.respondWithJSON(w, http.StatusNotImplemented, Response{
			Success: false,
			Error:   "not implemented",
			Code:    "audit_search_unavailable",
			Message: "No searchable audit sink is configured",
		})
		return
	}
	if err != nil {
		h.respondWithError(w, apperr.Backend("search audit trail", err), "Audit search failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(events, ""))
}
