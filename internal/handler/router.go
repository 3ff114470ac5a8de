package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"trust-service/internal/session"
)

// HealthFunc reports per-backend health, keyed by backend name.
type HealthFunc func(ctx context.Context) map[string]error

type RouterOptions struct {
	RequireTLS     bool
	AllowedOrigins []string
	Sessions       session.Store
	Health         HealthFunc
}

type Handlers struct {
	Accounts *AccountHandler
	Usage    *UsageHandler
	Consent  *ConsentHandler
	Admin    *AdminHandler
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(h Handlers, opts RouterOptions, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if opts.RequireTLS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(opts.Health, logger))

	// API routes
	router.Route("/api/v1", func(r chi.Router) {
		h.Accounts.RegisterPublicRoutes(r)
		h.Consent.RegisterRoutes(r)
		h.Admin.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(RequireSession(opts.Sessions, logger))
			h.Accounts.RegisterRoutes(r)
			h.Usage.RegisterRoutes(r)
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"endpoint not found"}`))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"success":false,"error":"method not allowed"}`))
	})

	return router
}

func healthHandler(check HealthFunc, logger *zap.Logger) http.HandlerFunc {
	resp := responder{logger: logger}
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{}
		healthy := true
		if check != nil {
			for name, err := range check(r.Context()) {
				status[name] = "ok"
				if err != nil {
					status[name] = err.Error()
					healthy = false
				}
			}
		}

		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		resp.respondWithJSON(w, code, Response{
			Success: healthy,
			Data:    map[string]interface{}{"service": "trust-service", "backends": status},
		})
	}
}
