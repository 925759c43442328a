package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/querysession/internal/llm"
	"github.com/capitalize-ai/querysession/internal/middleware"
	"github.com/capitalize-ai/querysession/pkg/logger"
)

// ServerConfig configures the analysis service routes.
type ServerConfig struct {
	MaxQueryLength    int
	StepDelay         time.Duration
	RateLimitRequests int
	RateLimitWindow   time.Duration
	AllowedOrigins    []string
}

// Server is the analysis service: its router plus the handles needed to
// drain it.
type Server struct {
	Router  chi.Router
	Sockets *SocketHandler
	Health  *HealthHandler
}

// NewServer wires the analysis service routes around responder.
func NewServer(responder llm.Responder, cfg ServerConfig, log *logger.Logger) *Server {
	log = logger.OrNop(log)
	analyzer := NewAnalyzer(responder, log).WithStepDelay(cfg.StepDelay)

	sockets := NewSocketHandler(analyzer, cfg.MaxQueryLength, log)
	streams := NewStreamHandler(analyzer, cfg.MaxQueryLength, log)
	health := NewHealthHandler(responder.Name(), sockets)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Get("/ws", sockets.ServeHTTP)
		r.Post("/api/stream", streams.Stream)
	})

	return &Server{Router: r, Sockets: sockets, Health: health}
}

// Drain fails readiness and closes every socket with going-away.
func (s *Server) Drain() int {
	s.Health.Drain()
	return s.Sockets.CloseAll(websocket.CloseGoingAway, "server shutting down")
}
