package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"trust-service/internal/consent"
	"trust-service/internal/service"
	"trust-service/internal/util"
)

// AccountHandler handles registration, login and the account owner's own
// requests
type AccountHandler struct {
	responder
	accounts *service.AccountService
	consent  *consent.Service
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(accounts *service.AccountService, consentSvc *consent.Service, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		responder: responder{logger: logger},
		accounts:  accounts,
		consent:   consentSvc,
	}
}

// RegisterPublicRoutes registers routes that need no session
func (h *AccountHandler) RegisterPublicRoutes(r chi.Router) {
	r.Post("/accounts/register", h.Register)
	r.Post("/auth/login", h.Login)
}

// RegisterRoutes registers routes behind the session middleware
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/logout", h.Logout)
	r.Get("/accounts/me", h.Me)
	r.Post("/accounts/me/data-deletion", h.RequestDataDeletion)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles account creation
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, "invalid_body", "Invalid request body")
		return
	}

	res, err := h.accounts.Register(r.Context(), &req)
	if err != nil {
		h.respondWithError(w, err, "Failed to create account")
		return
	}

	message := "Account created successfully"
	if res.ConsentRequired {
		message = "Account created. A parent or guardian must approve it before first login."
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(res, message))
	h.logger.Info("Account created via HTTP",
		util.AccountID(res.Account.ID),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Login handles password login
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, "invalid_body", "Invalid request body")
		return
	}

	res, err := h.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.respondWithError(w, err, "Login failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(res, "Logged in"))
}

// Logout ends the caller's session
func (h *AccountHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Logout(r.Context(), sessionFrom(r.Context())); err != nil {
		h.respondWithError(w, err, "Logout failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// Me returns the caller's account summary
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.GetAccount(r.Context(), sessionFrom(r.Context()).AccountID)
	if err != nil {
		h.respondWithError(w, err, "Failed to load account")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(h.accounts.Summary(account), ""))
}

// RequestDataDeletion asks the guardian on record to approve deleting the
// caller's account
func (h *AccountHandler) RequestDataDeletion(w http.ResponseWriter, r *http.Request) {
	req, err := h.consent.RequestDataDeletion(r.Context(), sessionFrom(r.Context()).AccountID)
	if err != nil {
		h.respondWithError(w, err, "Failed to request data deletion")
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, successResponse(map[string]interface{}{
		"expires_at": req.ExpiresAt,
	}, "Your parent or guardian has been asked to approve the deletion."))
}
