package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"trust-service/internal/apperr"
	"trust-service/internal/util"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// responder carries the JSON helpers shared by every handler.
type responder struct {
	logger *zap.Logger
}

// respondWithJSON sends a JSON response
func (h responder) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps err to a status and renders the error envelope.
// Backend details are logged, never returned.
func (h responder) respondWithError(w http.ResponseWriter, err error, fallback string) {
	statusCode := getStatusCode(err)

	resp := Response{
		Success: false,
		Error:   kindOf(err),
		Code:    apperr.CodeOf(err),
		Message: fallback,
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) && statusCode < http.StatusInternalServerError {
		resp.Message = appErr.Message
	}

	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", fallback),
		)
	} else {
		h.logger.Debug("HTTP error response",
			util.String("code", resp.Code),
			util.Int("status_code", statusCode),
		)
	}
	h.respondWithJSON(w, statusCode, resp)
}

func (h responder) badRequest(w http.ResponseWriter, code, message string) {
	h.respondWithError(w, apperr.Validation(code, message), message)
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch {
	case apperr.CodeOf(err) == "consent_expired":
		return http.StatusGone
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrBackend):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func kindOf(err error) string {
	for _, kind := range []error{
		apperr.ErrUnauthorized, apperr.ErrForbidden, apperr.ErrNotFound, apperr.ErrValidation,
		apperr.ErrConflict, apperr.ErrQuotaExceeded, apperr.ErrBackend,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "internal error"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
