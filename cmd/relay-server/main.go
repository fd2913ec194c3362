package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/usage-relay/config"
	"github.com/vnmchuo/usage-relay/internal/auth"
	"github.com/vnmchuo/usage-relay/internal/server"
	"github.com/vnmchuo/usage-relay/internal/store"
	"github.com/vnmchuo/usage-relay/internal/submit"
	"github.com/vnmchuo/usage-relay/internal/telemetry"
)

func main() {
	// 1. Load config
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("usage-relay-server", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Open capture store
	captures, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to open capture store: %v", err)
	}
	log.Infof("capture store ready at %s", captures.Dir())

	// 4. Init submitter
	var submitter submit.Submitter
	if !cfg.DryRun {
		submitter = submit.New(cfg.AccountingURL, cfg.AccountingToken)
	}

	// 5. Init handlers and daily runner
	tracer := otel.GetTracerProvider().Tracer("usage-relay")
	handler := server.NewHandler(captures, tracer, !cfg.AuthDisabled, cfg.SubmitHourUTC, cfg.MaxUploadBytes)
	runner := server.NewRunner(captures, submitter, tracer, cfg.SubmitHourUTC, cfg.SubmitCheckInterval, cfg.DryRun)

	runnerCtx, stopRunner := context.WithCancel(context.Background())
	runner.Start(runnerCtx)

	// 6. Init router
	authMiddleware := auth.NewMiddleware(cfg.AuthToken, !cfg.AuthDisabled)
	if cfg.AuthDisabled {
		log.Warn("authorization is disabled; uploads are accepted from anyone")
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", handler.HandleHealthz)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/captures", handler.HandleCapture)
		r.Get("/status", handler.HandleStatus)
	})

	// 7. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infof("usage relay server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Info("shutting down gracefully...")
	stopRunner()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Info("server stopped")
}
