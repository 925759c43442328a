// Package main runs the development analysis service that the querysession
// client talks to.
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

	"go.uber.org/zap"

	"github.com/capitalize-ai/querysession/internal/config"
	"github.com/capitalize-ai/querysession/internal/handler"
	"github.com/capitalize-ai/querysession/internal/llm"
	"github.com/capitalize-ai/querysession/pkg/logger"
	"github.com/capitalize-ai/querysession/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting analysis service")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "analysis-devserver", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	responder, err := newResponder(cfg)
	if err != nil {
		log.Error("failed to create responder", zap.Error(err))
		os.Exit(1)
	}
	log.Info("responder ready", zap.String("provider", responder.Name()))

	srv := handler.NewServer(responder, handler.ServerConfig{
		MaxQueryLength:    cfg.MaxQueryLength,
		StepDelay:         cfg.StepDelay,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		AllowedOrigins:    cfg.AllowedOrigins,
	}, log)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.Router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// SIGUSR1 drops every socket without a close frame so clients can
	// exercise their reconnect path.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range signals {
		if sig == syscall.SIGUSR1 {
			log.Info("dropping sockets", zap.Int("count", srv.Sockets.DropAll()))
			continue
		}
		break
	}

	log.Info("shutting down server", zap.Int("sockets", srv.Drain()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// newResponder picks the configured provider, falling back to the scripted
// responder when the provider has no API key.
func newResponder(cfg *config.Config) (llm.Responder, error) {
	provider := llm.Provider(cfg.DefaultLLM)
	var key string
	switch provider {
	case llm.ProviderAnthropic:
		key = cfg.AnthropicAPIKey
	case llm.ProviderOpenAI:
		key = cfg.OpenAIAPIKey
	}
	if provider != llm.ProviderEcho && key == "" {
		return llm.NewEchoResponder(), nil
	}
	return llm.NewResponder(provider, key)
}
