// Package httpapi exposes the session and command API over HTTP plus the
// agent websocket endpoint. Handlers translate request shapes to broker and
// registry calls; all policy lives below this layer.
package httpapi

import (
	"context"
	stdliberrors "errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/webpilot/pkg/agenthub"
	"github.com/odvcencio/webpilot/pkg/broker"
	"github.com/odvcencio/webpilot/pkg/session"
	"github.com/odvcencio/webpilot/pkg/telemetry"
)

const maxAgentSockets = 256

// Config controls the HTTP server behavior.
type Config struct {
	BindAddress    string
	AllowedOrigins []string
	Version        string
}

// Server hosts the JSON/HTTP + WebSocket API.
type Server struct {
	cfg      Config
	registry *session.Registry
	broker   *broker.Broker
	agents   *agenthub.Manager
	hub      *telemetry.Hub

	agentConnLimiter *connLimiter
	httpServer       *http.Server
	logger           *log.Logger
	startedAt        time.Time
}

// NewServer constructs a server over the given registry, broker, and
// connection manager.
func NewServer(cfg Config, registry *session.Registry, brk *broker.Broker, agents *agenthub.Manager, hub *telemetry.Hub) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:4499"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}
	return &Server{
		cfg:              cfg,
		registry:         registry,
		broker:           brk,
		agents:           agents,
		hub:              hub,
		agentConnLimiter: newConnLimiter(maxAgentSockets),
		logger:           log.New(os.Stdout, "[httpapi] ", log.LstdFlags),
		startedAt:        time.Now(),
	}
}

// Routes builds the router. Exposed so tests can mount it directly.
func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(s.securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Get("/ws/agent", s.handleAgentSocket)

	router.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Delete("/{sessionID}", s.handleDeleteSession)
			r.Put("/{sessionID}/status", s.handleUpdateSessionStatus)
			r.Post("/{sessionID}/pause", s.handlePauseSession)
			r.Post("/{sessionID}/resume", s.handleResumeSession)
			r.Post("/{sessionID}/commands", s.handleSubmitCommand)
			r.Get("/{sessionID}/commands", s.handleListCommands)
		})
		r.Route("/commands", func(r chi.Router) {
			r.Get("/{commandID}", s.handleGetCommand)
			r.Post("/{commandID}/cancel", s.handleCancelCommand)
		})
		r.Get("/stats", s.handleStats)
	})

	return router
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Printf("serving API on %s", s.cfg.BindAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"status":        "ok",
		"version":       s.cfg.Version,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"sessions":        s.registry.Stats(),
		"pendingCommands": s.broker.PendingCount(),
	})
}

// originPatterns converts configured origins (scheme://host) into the host
// patterns the websocket accept check matches against.
func (s *Server) originPatterns() []string {
	patterns := make([]string, 0, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			// Match any port on the configured host.
			if !strings.Contains(u.Host, ":") {
				patterns = append(patterns, u.Host+":*")
			}
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}
