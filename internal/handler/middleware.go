package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"trust-service/internal/admin"
	"trust-service/internal/models"
	"trust-service/internal/session"
	"trust-service/internal/util"
)

type ctxKey int

const sessionKey ctxKey = iota

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired)
			w.Write([]byte(`{"success":false,"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireSession resolves the bearer token to a session and stores it in
// the request context.
func RequireSession(store session.Store, logger *zap.Logger) func(http.Handler) http.Handler {
	resp := responder{logger: logger}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := store.Validate(r.Context(), bearerToken(r))
			if err != nil {
				resp.respondWithError(w, err, "Session validation failed")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
		})
	}
}

func sessionFrom(ctx context.Context) *models.Session {
	sess, _ := ctx.Value(sessionKey).(*models.Session)
	return sess
}

// RequireAdmin accepts either the admin key header or a signed admin
// bearer token. The header checks the shared secret only, so it skips the
// second factor; ADMIN_KEY_HEADER_DISABLED turns it off.
func RequireAdmin(auth *admin.Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	resp := responder{logger: logger}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get("X-Admin-Key"); key != "" {
				if auth.CheckKeyHeader(key) {
					next.ServeHTTP(w, r)
					return
				}
				resp.respondWithError(w, admin.ErrUnauthorized, "Admin authentication failed")
				return
			}
			if err := auth.ValidateToken(bearerToken(r)); err != nil {
				resp.respondWithError(w, err, "Admin authentication failed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
