// Package web is the HTTP surface of thingd: the protocol over WebSocket,
// an event monitor, Prometheus metrics, health and a small REST view of
// things and rules.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"thingrpc/internal/core"
	"thingrpc/internal/rules"
	"thingrpc/internal/types"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket and CORS origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithProtocol serves the JSON-RPC protocol on /ws.
func WithProtocol(h http.Handler) ServerOption {
	return func(s *Server) {
		s.protocol = h
	}
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithRules enables the rules API.
func WithRules(rs RuleSource) ServerOption {
	return func(s *Server) {
		s.rules = rs
	}
}

// ThingSource is what the REST view reads things from.
type ThingSource interface {
	Things() []*types.Thing
	Thing(id string) (*types.Thing, bool)
	Plugins() []core.PluginInfo
	ExecuteAction(ctx context.Context, a types.Action) core.Outcome
}

// RuleSource is what the REST view reads rules from.
type RuleSource interface {
	Rules() []*rules.Rule
	Rule(id string) (*rules.Rule, types.RuleError)
	SetEnabled(id string, enabled bool) types.RuleError
	ExecuteActions(id string, exit bool) types.RuleError
}

// Server is the HTTP server.
type Server struct {
	things         ThingSource
	rules          RuleSource
	protocol       http.Handler
	metrics        http.Handler
	monitors       *monitorHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	started        time.Time
	actionTimeout  time.Duration
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server. Every bus event is relayed to the
// clients of /events.
func NewServer(things ThingSource, bus *core.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		things:        things,
		logger:        logger.With("component", "web"),
		mux:           http.NewServeMux(),
		version:       "dev",
		started:       time.Now(),
		actionTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.monitors = newMonitorHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitors.run()
	}()

	s.unsubEvents = bus.OnAll(s.monitors.publish)

	s.routes()
	return s
}

// Stop closes the /events monitors and waits for the delivery loop.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.monitors.stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/actions", s.handleAPIExecuteAction)
	s.mux.HandleFunc("GET /api/plugins", s.handleAPIListPlugins)

	if s.rules != nil {
		s.mux.HandleFunc("GET /api/rules", s.handleAPIListRules)
		s.mux.HandleFunc("GET /api/rules/{id}", s.handleAPIGetRule)
		s.mux.HandleFunc("POST /api/rules/{id}/enable", s.handleAPIEnableRule)
		s.mux.HandleFunc("POST /api/rules/{id}/disable", s.handleAPIDisableRule)
		s.mux.HandleFunc("POST /api/rules/{id}/run", s.handleAPIRunRule)
	}

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	if s.protocol != nil {
		s.mux.Handle("GET /ws", s.protocol)
	}
	s.mux.HandleFunc("GET /events", s.handleEvents)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ is protected. Browsers cannot send custom headers on a
		// WebSocket upgrade, and metrics scrapers and health checks stay anonymous.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"devices":  len(s.things.Things()),
		"plugins":  len(s.things.Plugins()),
		"monitors": s.monitors.count(),
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
