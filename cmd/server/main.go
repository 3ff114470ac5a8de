package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"trust-service/internal/config"
	"trust-service/internal/factory"
	"trust-service/internal/handler"
	"trust-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory(ctx)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := setupRouter(f)

	var serverAddr string
	if cfg.Server.EnableTLS {
		serverAddr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	} else {
		serverAddr = cfg.GetServerAddress()
	}

	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var listeners []listener
	switch {
	case !cfg.Server.EnableTLS:
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		listeners = []listener{{server: server, start: listenPlain}}
	case cfg.IsProduction() && cfg.Server.AutoCert:
		server.TLSConfig = f.TLSManager().TLSConfig()
		listeners = autoCertListeners(f, server, cfg)
	default:
		server.TLSConfig = f.TLSManager().TLSConfig()
		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
		listeners = []listener{{server: server, start: listenTLS}}
	}

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", server.Addr),
	)
	if err := runServers(ctx, listeners...); err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
	}
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	services := f.Services()
	logger := f.Logger()

	return handler.NewRouter(handler.Handlers{
		Accounts: handler.NewAccountHandler(services.Accounts(), services.Consent(), logger),
		Usage:    handler.NewUsageHandler(services.Governor(), logger),
		Consent:  handler.NewConsentHandler(services.Consent(), logger),
		Admin:    handler.NewAdminHandler(services.Admin(), services.Accounts(), services.Trail(), logger),
	}, handler.RouterOptions{
		RequireTLS:     cfg.Server.EnableTLS,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Sessions:       services.Sessions(),
		Health:         f.HealthCheck,
	}, logger)
}

// listener pairs a server with the call that starts it.
type listener struct {
	server *http.Server
	start  func(*http.Server) error
}

func listenPlain(srv *http.Server) error { return srv.ListenAndServe() }

// listenTLS takes certificates from TLSConfig.GetCertificate.
func listenTLS(srv *http.Server) error { return srv.ListenAndServeTLS("", "") }

// autoCertListeners runs the API on :443 and the ACME challenge and
// redirect handler on :80
func autoCertListeners(f *factory.Factory, server *http.Server, cfg *config.Config) []listener {
	autoCertManager := f.TLSManager().AutocertManager()
	if autoCertManager == nil {
		util.Fatal("AutoCert manager is not available in production")
	}

	httpServer := &http.Server{
		Addr:              ":80",
		Handler:           autoCertManager.HTTPHandler(nil),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	server.Addr = ":443"

	util.Info("Starting HTTPS server with AutoCert on port 443",
		util.String("domain", cfg.Server.Domain),
	)
	return []listener{
		{server: httpServer, start: listenPlain},
		{server: server, start: listenTLS},
	}
}

// runServers serves until a shutdown signal arrives or any server fails,
// then shuts every server down.
func runServers(ctx context.Context, listeners ...listener) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, l := range listeners {
		l := l
		g.Go(func() error {
			if err := l.start(l.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", l.server.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Stopping servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, l := range listeners {
			if err := l.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", l.server.Addr, err))
				continue
			}
			util.Info("Server shutdown completed", util.String("address", l.server.Addr))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
