package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portal-auth/internal/factory"
	"portal-auth/internal/handler"
	"portal-auth/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := setupRouter(f)

	addr := cfg.GetServerAddress()
	if cfg.Server.EnableTLS {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.TLSPort)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.String("address", addr),
		)
		serve(f, server, nil)
		return
	}

	server.TLSConfig = f.TLSManager().GetTLSConfig()

	// ACME challenges arrive over plain HTTP.
	var challengeServer *http.Server
	if cfg.Server.AutoCert {
		manager := f.TLSManager().GetAutocertManager()
		if manager == nil {
			util.Fatal("AutoCert manager is not available")
		}
		challengeServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           manager.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	util.Info("Starting HTTPS server",
		util.String("environment", cfg.Environment),
		util.String("address", addr),
		util.Bool("auto_cert", cfg.Server.AutoCert),
		util.String("domain", cfg.Server.Domain),
	)
	serve(f, server, challengeServer)
}

func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	services := f.ServiceFactory()

	sessions := handler.NewSessionMiddleware(services.SessionGate(), cfg.Session)
	actions := handler.NewActionHandler(services.LoginService(), sessions, f)
	return handler.NewRouter(cfg, actions, sessions, util.Get())
}

func serve(f *factory.Factory, server, challengeServer *http.Server) {
	cfg := f.Config()

	if challengeServer != nil {
		go func() {
			util.Info("Starting ACME challenge server", util.String("address", challengeServer.Addr))
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				util.Error("ACME challenge server failed", util.ErrorField(err))
			}
		}()
	}

	go func() {
		var err error
		if cfg.Server.EnableTLS {
			// Certificates come from the TLS config's GetCertificate.
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("session_policy", cfg.Session.Policy),
		util.String("address", server.Addr),
	)

	waitForShutdown(f, server, challengeServer)
}

func waitForShutdown(f *factory.Factory, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.String("address", srv.Addr), util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
	f.Close()
}

var _ handler.HealthChecker = (*factory.Factory)(nil)
