package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-turn-service/internal/config"
	"github.com/skypro1111/voice-turn-service/internal/metrics"
	"github.com/skypro1111/voice-turn-service/internal/provider"
	"github.com/skypro1111/voice-turn-service/internal/session"
	"github.com/skypro1111/voice-turn-service/internal/transport"
)

const (
	serviceName    = "voice-turn-service"
	serviceVersion = "1.0.0"
)

// HTTPServer serves the voice websocket and the monitoring API
type HTTPServer struct {
	server    *http.Server
	listener  net.Listener
	logger    *slog.Logger
	config    *config.Config
	sessions  *session.Manager
	guards    []*provider.Guard
	metrics   *metrics.Metrics
	transport transport.Config
	upgrader  websocket.Upgrader

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Address       string
	Port          int
	WebSocketPath string
	Transport     transport.Config
}

// NewHTTPServer creates the HTTP server. guards are reported under
// /stats/providers.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger,
	appConfig *config.Config, sessions *session.Manager, guards []*provider.Guard, m *metrics.Metrics) *HTTPServer {

	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = "/voice-stream"
	}
	h := &HTTPServer{
		logger:    logger.With(slog.String("component", "http")),
		config:    appConfig,
		sessions:  sessions,
		guards:    guards,
		metrics:   m,
		transport: cfg.Transport,
		upgrader:  transport.Upgrader(),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux, cfg.WebSocketPath)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return h
}

// Handler returns the route multiplexer.
func (h *HTTPServer) Handler() http.Handler { return h.server.Handler }

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux, wsPath string) {
	// The upgrade hijacks the connection, so it is not wrapped.
	mux.HandleFunc(wsPath, h.handleVoiceStream)

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/providers", h.withMetrics("/stats/providers", h.handleProviderStats))
	mux.Handle("/metrics", h.metrics.Handler())
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, time.Since(startTime).Seconds())
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start listens and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	h.logger.Info("Starting HTTP server", slog.String("address", ln.Addr().String()))
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server. Hijacked websocket connections are
// not tracked by the server; the session manager closes them.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")
	return h.server.Shutdown(ctx)
}

// handleVoiceStream upgrades to a websocket and starts a session on it.
func (h *HTTPServer) handleVoiceStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	chatID := q.Get("chat_id")
	sessionID := q.Get("session_id")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		h.metrics.RecordHTTPError(r.Method, "voice-stream", "upgrade_failed")
		return
	}

	if userID == "" || chatID == "" {
		h.logger.Warn("Rejecting connection without user_id or chat_id",
			slog.String("remote_addr", r.RemoteAddr))
		msg := websocket.FormatCloseMessage(transport.CloseMissingParams, "Missing required parameters")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	conn := transport.NewWSConn(ws, h.transport, h.logger)
	if _, err := h.sessions.Start(conn, userID, chatID, sessionID); err != nil {
		code := websocket.CloseInternalServerErr
		switch {
		case errors.Is(err, session.ErrTooManySessions):
			code = websocket.CloseTryAgainLater
		case errors.Is(err, session.ErrSessionExists):
			code = websocket.ClosePolicyViolation
		}
		h.logger.Warn("Rejecting session",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		_ = conn.CloseWith(code, err.Error())
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.sessions.GetStats()
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]any{
			"session_manager": map[string]any{
				"status":          "running",
				"active_sessions": stats.Active,
				"max_sessions":    h.config.Server.MaxSessions,
			},
			"provider": map[string]any{
				"status": "running",
				"kind":   h.config.Provider.Kind,
			},
		},
	}
	writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.sessions.GetAllSessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements GET and DELETE on /sessions/{id}
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s, exists := h.sessions.GetSession(id)
		if !exists {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, s.Info())
	case http.MethodDelete:
		if !h.sessions.RemoveSession(id) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		h.logger.Info("Session closed through API", slog.String("session_id", id))
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleConfig implements the /config endpoint. Secrets are masked.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.config.Sanitized())
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions":  h.sessions.GetStats(),
		"providers": h.providerStats(),
	})
}

// handleProviderStats implements the /stats/providers endpoint
func (h *HTTPServer) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.providerStats())
}

func (h *HTTPServer) providerStats() []provider.GuardStats {
	stats := make([]provider.GuardStats, 0, len(h.guards))
	for _, g := range h.guards {
		stats = append(stats, g.GetStats())
	}
	return stats
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	endpoints := map[string]any{
		"GET /":                         "API documentation",
		"GET /health":                   "Service health check",
		"GET /sessions":                 "List active sessions",
		"GET /sessions/{session_id}":    "Get session details",
		"DELETE /sessions/{session_id}": "Close a session",
		"GET /config":                   "Get service configuration",
		"GET /stats":                    "Get service statistics",
		"GET /stats/providers":          "Get provider call statistics",
		"GET /metrics":                  "Prometheus metrics",
	}
	endpoints["GET "+h.config.Server.WebSocketPath] = "Voice websocket (user_id, chat_id, optional session_id)"

	apiDoc := map[string]any{
		"service":   "Voice Turn Service",
		"version":   serviceVersion,
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	}
	writeJSON(w, http.StatusOK, apiDoc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
