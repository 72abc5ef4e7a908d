// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zymochat/platform/internal/config"
	"github.com/zymochat/platform/internal/directory"
	"github.com/zymochat/platform/internal/fanout"
	"github.com/zymochat/platform/internal/gateway"
	"github.com/zymochat/platform/internal/handler"
	"github.com/zymochat/platform/internal/middleware"
	natsclient "github.com/zymochat/platform/internal/nats"
	"github.com/zymochat/platform/internal/presence"
	"github.com/zymochat/platform/internal/session"
	"github.com/zymochat/platform/internal/store"
	"github.com/zymochat/platform/pkg/logger"
	"github.com/zymochat/platform/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "zymochat-platform", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Open the conversation store
	var st store.Store
	if cfg.DataDir != "" {
		st, err = store.OpenBadger(cfg.DataDir, log)
		if err != nil {
			log.Error("failed to open store", zap.String("dir", cfg.DataDir), zap.Error(err))
			os.Exit(1)
		}
	} else {
		log.Warn("no DATA_DIR configured, conversations are held in memory only")
		st = store.NewMemory()
	}
	defer st.Close()

	// Load the tenancy directory
	var dir directory.Directory
	if cfg.DirectoryFile != "" {
		dir, err = directory.LoadFile(cfg.DirectoryFile)
		if err != nil {
			log.Error("failed to load directory", zap.String("file", cfg.DirectoryFile), zap.Error(err))
			os.Exit(1)
		}
	} else {
		log.Warn("no DIRECTORY_FILE configured, starting with an empty directory")
		dir = directory.NewMemory()
	}

	// Fanout router
	router := fanout.NewRouter(log)

	// Connect to NATS when a URL is configured. Without it the process runs
	// standalone: local fanout only, no archive.
	var natsClient *natsclient.Client
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()

		bus := natsclient.NewBus(natsClient, router, log)
		if err := bus.Start(); err != nil {
			log.Error("failed to start event bus", zap.Error(err))
			os.Exit(1)
		}
		defer bus.Stop()

		if cfg.ArchiveEnabled {
			archive := natsclient.NewArchive(natsClient, log)
			if err := archive.EnsureStream(ctx); err != nil {
				log.Error("failed to ensure archive stream", zap.Error(err))
				os.Exit(1)
			}
			router.AddSink(archive.Sink())
		}
	}

	// Core services
	reg := presence.NewRegistry(router, dir, log)
	engine := session.NewEngine(st, router, dir, log)
	gw := gateway.New(engine, reg, router, dir, cfg.JWTSecret, log)

	// Handlers
	healthHandler := handler.NewHealthHandler(natsClient)
	conversationHandler := handler.NewConversationHandler(engine, dir, reg, log)
	widgetHandler := handler.NewWidgetHandler(engine, dir, reg, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket gateway (token verified inside the handler)
	r.Get("/ws", gw.ServeHTTP)

	// Agent API with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/conversations", conversationHandler.List)
			r.Get("/agents/online", conversationHandler.OnlineAgents)
		})

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", conversationHandler.Get)
			r.Get("/messages", conversationHandler.Messages)
			r.Post("/messages", conversationHandler.Send)
			r.Post("/claim", conversationHandler.Claim)
			r.Post("/close", conversationHandler.Close)
			r.Post("/resolve", conversationHandler.Resolve)
			r.Post("/read", conversationHandler.MarkRead)
			r.Put("/priority", conversationHandler.SetPriority)
			r.Put("/note", conversationHandler.SetNote)
		})
	})

	// Visitor widget API (no auth, rate limited by IP)
	r.Route("/widget/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Post("/conversations", widgetHandler.Start)
			r.Get("/online", widgetHandler.Online)
		})

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", widgetHandler.Transcript)
			r.Post("/messages", widgetHandler.Send)
			r.Post("/close", widgetHandler.Close)
			r.Post("/satisfaction", widgetHandler.Satisfaction)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
