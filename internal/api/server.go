// Package api assembles the HTTP surface: routing, middleware and the server
// lifecycle. Handler logic lives in internal/handlers; this package only
// wires it together.
package api

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxflow/backend/internal/auth"
	"github.com/voxflow/backend/internal/batch"
	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/dispatch"
	"github.com/voxflow/backend/internal/handlers"
	"github.com/voxflow/backend/internal/provider"
	"github.com/voxflow/backend/internal/stream"
)

// Deps carries everything the router needs. Stores may be left nil when DB
// is set; tests inject an in-memory implementation instead.
type Deps struct {
	Cfg         *config.Manager
	Stores      handlers.Stores
	Auth        *auth.Middleware
	Dispatcher  *dispatch.Dispatcher
	Settler     *dispatch.Settler
	Coordinator *batch.Coordinator
	Hub         *stream.Hub
	Providers   *provider.Registry
	Probes      []handlers.Probe

	WebhookSecret string
	TaskSecret    string
}

// Server is the configured HTTP server for the orchestration API.
type Server struct {
	srv    *http.Server
	router *mux.Router
}

// NewServer builds the router and the http.Server around it.
func NewServer(d Deps) *Server {
	router := mux.NewRouter()
	router.Use(corsMiddleware(d.Cfg.Global().Server))
	router.Use(loggingMiddleware)

	// Preflights need a matching route for the middleware chain to run; the
	// CORS middleware answers them before this handler is reached.
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Unauthenticated surface: probes and the two HMAC-verified callbacks.
	router.HandleFunc("/health", handlers.HandleHealth("voxflow-api", d.Probes...)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/provider/{provider}",
		handlers.HandleProviderWebhook(d.Stores, d.Settler, d.Providers, d.WebhookSecret)).Methods(http.MethodPost)
	router.HandleFunc("/internal/batch/execute-entry",
		handlers.HandleExecuteEntry(d.Stores, d.Coordinator, d.TaskSecret)).Methods(http.MethodPost)

	// Stream transports resolve the principal softly: SSE reports an auth
	// failure in-stream after committing headers, WS rejects before upgrade.
	streams := router.NewRoute().Subrouter()
	streams.Use(d.Auth.Attach)
	streams.HandleFunc("/calls/stream", d.Hub.ServeSSE).Methods(http.MethodGet)
	streams.HandleFunc("/calls/stream/ws", d.Hub.ServeWS).Methods(http.MethodGet)

	// Everything else requires an authenticated principal.
	api := router.NewRoute().Subrouter()
	api.Use(d.Auth.Principal)
	api.HandleFunc("/calls/start-call", handlers.HandleStartCall(d.Stores, d.Dispatcher)).Methods(http.MethodPost)
	api.HandleFunc("/batch/trigger-batch-call", handlers.HandleTriggerBatch(d.Stores, d.Coordinator)).Methods(http.MethodPost)
	api.HandleFunc("/batch/batch-status/{id}", handlers.HandleBatchStatus(d.Stores, d.Coordinator)).Methods(http.MethodGet)
	api.HandleFunc("/batch/batch-cancel/{id}", handlers.HandleBatchCancel(d.Stores, d.Coordinator)).Methods(http.MethodPost)
	api.HandleFunc("/batch/stats", handlers.HandleBatchStats(d.Stores)).Methods(http.MethodGet)
	api.HandleFunc("/batch-view", handlers.HandleBatchView(d.Stores)).Methods(http.MethodGet)
	api.HandleFunc("/batch-id/{id}", handlers.HandleBatchCalls(d.Stores)).Methods(http.MethodGet)

	return &Server{
		router: router,
		srv: &http.Server{
			Addr:         ":" + d.Cfg.Global().Server.Port,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	slog.Info("🚀 API listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// corsMiddleware answers preflights and stamps the allow headers. The
// wildcard default suits a service that normally sits behind a gateway.
func corsMiddleware(cfg config.ServerConfig) mux.MiddlewareFunc {
	allowAll := len(cfg.AllowedOrigins) == 0
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-tenant-id, x-user-id, x-user-role, x-capabilities, x-schema-name")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
