package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/querysession/internal/correlator"
	"github.com/capitalize-ai/querysession/internal/kv"
	natskv "github.com/capitalize-ai/querysession/internal/nats"
	"github.com/capitalize-ai/querysession/internal/service"
	"github.com/capitalize-ai/querysession/internal/transport"
	"github.com/capitalize-ai/querysession/pkg/tracing"
)

// runtime is everything a query needs, opened from configuration.
type runtime struct {
	query    *service.QueryService
	sessions *service.ConversationService
	manager  *transport.Manager

	store   kv.Store
	metrics *http.Server
	tracer  *sdktrace.TracerProvider
}

// openStore opens the configured storage backend.
func (a *app) openStore(ctx context.Context) (kv.Store, error) {
	switch a.cfg.StorageBackend {
	case "memory":
		return kv.NewMemoryStore(), nil
	case "file":
		return kv.NewFileStore(a.cfg.StoragePath)
	case "sqlite":
		return kv.NewSQLiteStore(filepath.Join(a.cfg.StoragePath, "sessions.db"))
	case "nats":
		return natskv.Open(ctx, natskv.Config{URL: a.cfg.NATSURL, Name: "querysession"}, a.cfg.NATSBucket, a.log)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.StorageBackend)
	}
}

func (a *app) newSessions(store kv.Store) *service.ConversationService {
	return service.NewConversationService(store, service.SessionConfig{
		Key:         a.cfg.StorageKey,
		MaxMessages: a.cfg.MaxMessages,
		MaxSessions: a.cfg.MaxSessions,
	}, a.log)
}

// newTransport builds the configured transport around router.
func (a *app) newTransport(router *correlator.Correlator) (transport.Transport, *transport.Manager) {
	if a.cfg.Transport == "stream" {
		client := transport.NewStreamClient(a.cfg.StreamURL, &http.Client{}, a.log)
		return transport.NewStreamTransport(client, router, a.log), nil
	}

	manager := transport.NewManager(
		transport.NewSocketDialer(a.cfg.SocketURL, a.cfg.ConnectTimeout),
		transport.ManagerConfig{
			ConnectTimeout: a.cfg.ConnectTimeout,
			PingInterval:   a.cfg.PingInterval,
			Policy:         a.cfg.RetryPolicy(),
		},
		a.log,
	)
	return transport.NewSocketTransport(manager, router, a.log), manager
}

// openRuntime wires storage, transport and the query service.
func (a *app) openRuntime(ctx context.Context) (*runtime, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", a.cfg.StorageBackend, err)
	}

	rt := &runtime{store: store, sessions: a.newSessions(store)}

	if a.cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "querysession", a.cfg.TracingEndpoint)
		if err != nil {
			a.log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			rt.tracer = tp
		}
	}
	if a.cfg.MetricsAddr != "" {
		rt.metrics = a.serveMetrics(a.cfg.MetricsAddr)
	}

	router := correlator.New(correlator.Config{RequestTimeout: a.cfg.RequestTimeout}, a.log)
	tr, manager := a.newTransport(router)
	rt.manager = manager
	rt.query = service.NewQueryService(tr, router, rt.sessions, service.QueryConfig{
		MaxQueryLength: a.cfg.MaxQueryLength,
		MaxMessages:    a.cfg.MaxMessages,
		RequestTimeout: a.cfg.RequestTimeout,
		Policy:         a.cfg.RetryPolicy(),
	}, a.log)

	a.log.Info("runtime ready",
		zap.String("transport", tr.Name()),
		zap.String("storage", a.cfg.StorageBackend),
	)
	return rt, nil
}

// serveMetrics exposes /metrics and /health while the client runs.
func (a *app) serveMetrics(addr string) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return srv
}

func (rt *runtime) Close() {
	if rt.query != nil {
		rt.query.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rt.metrics != nil {
		_ = rt.metrics.Shutdown(ctx)
	}
	_ = tracing.Shutdown(ctx, rt.tracer)
	_ = rt.store.Close()
}
