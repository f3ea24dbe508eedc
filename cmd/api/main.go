// Package main is the entry point for the console API server.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vendaflow/atendimento-console/internal/config"
	"github.com/vendaflow/atendimento-console/internal/handler"
	"github.com/vendaflow/atendimento-console/internal/llm"
	"github.com/vendaflow/atendimento-console/internal/middleware"
	natsclient "github.com/vendaflow/atendimento-console/internal/nats"
	"github.com/vendaflow/atendimento-console/internal/service"
	"github.com/vendaflow/atendimento-console/internal/transport"
	"github.com/vendaflow/atendimento-console/internal/webhook"
	"github.com/vendaflow/atendimento-console/pkg/logger"
	"github.com/vendaflow/atendimento-console/pkg/tracing"
)

// storeAdapter narrows the concrete JetStream store to the service-layer
// interface; only Subscribe needs rewrapping for the return type.
type storeAdapter struct {
	*natsclient.MessageStore
}

func (a storeAdapter) Subscribe(ctx context.Context, conversationID string) (service.Subscription, error) {
	return a.MessageStore.Subscribe(ctx, conversationID)
}

type presenceAdapter struct {
	*natsclient.PresenceBroadcaster
}

func (a presenceAdapter) Subscribe(conversationID string) (service.PresenceSubscription, error) {
	return a.PresenceBroadcaster.Subscribe(conversationID)
}

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

	log.Info("starting console API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "atendimento-console", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
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

	// Ensure the message stream and conversation bucket exist
	messageStore := natsclient.NewMessageStore(natsClient, log)
	if err := messageStore.EnsureStream(ctx); err != nil {
		log.Error("failed to ensure message stream", zap.Error(err))
		os.Exit(1)
	}
	conversationBucket, err := natsclient.NewConversationBucket(ctx, natsClient)
	if err != nil {
		log.Error("failed to ensure conversation bucket", zap.Error(err))
		os.Exit(1)
	}
	presence := natsclient.NewPresenceBroadcaster(natsClient, log)

	store := storeAdapter{messageStore}

	// Initialize WhatsApp transport
	transportClient, err := transport.NewClient(
		transport.Provider(cfg.TransportProvider),
		transport.CloudAPIConfig{
			BaseURL: cfg.CloudAPIBaseURL,
			Token:   cfg.CloudAPIToken,
			PhoneID: cfg.CloudAPIPhoneID,
		},
		transport.EvolutionConfig{
			BaseURL:  cfg.EvolutionBaseURL,
			APIKey:   cfg.EvolutionAPIKey,
			Instance: cfg.EvolutionInstance,
		},
	)
	if err != nil {
		log.Error("failed to create WhatsApp transport", zap.Error(err))
		os.Exit(1)
	}

	// Initialize LLM client for the AI responder
	var llmClient llm.Client
	if cfg.AIResponder {
		switch {
		case cfg.AnthropicAPIKey != "":
			llmClient, err = llm.NewAnthropicClient(cfg.AnthropicAPIKey)
		case cfg.OpenAIAPIKey != "":
			llmClient, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey)
		}
		if err != nil {
			log.Warn("failed to create LLM client, AI responder disabled", zap.Error(err))
			llmClient = nil
		}
	}

	// Initialize services
	conversationSvc := service.NewConversationService(conversationBucket, store, log)
	sessionManager := service.NewSessionManager(
		conversationSvc,
		store,
		transportClient,
		presenceAdapter{presence},
		log,
		service.SessionConfig{
			PageSize:       cfg.PageSize,
			WindowInterval: cfg.WindowInterval,
		},
	)
	defer sessionManager.CloseAll()
	responder := service.NewAIResponder(conversationSvc, store, transportClient, llmClient, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	messageHandler := handler.NewMessageHandler(sessionManager, log)
	streamHandler := handler.NewStreamHandler(sessionManager, log)
	webhookHandler := webhook.NewHandler(conversationSvc, store, responder, cfg.WebhookVerifyToken, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// WhatsApp webhook (verified by token, not JWT)
	r.Get("/webhook/whatsapp", webhookHandler.Verify)
	r.Post("/webhook/whatsapp", webhookHandler.Receive)

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Patch("/", conversationHandler.Update)

				// Timeline
				r.Get("/timeline", messageHandler.Timeline)
				r.Post("/messages", messageHandler.Send)
				r.Post("/messages/older", messageHandler.LoadOlder)
				r.Post("/read", messageHandler.MarkRead)
				r.Get("/window", messageHandler.Window)
				r.Post("/typing", messageHandler.Typing)
				r.Get("/presence", messageHandler.Presence)

				// Streaming
				r.Get("/stream", streamHandler.Stream)
			})
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
