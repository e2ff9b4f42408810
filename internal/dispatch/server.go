package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// SnapshotProvider supplies the current state for /api/snapshot and the
// payload sent to a dashboard client on connect.
type SnapshotProvider interface {
	Snapshot() interface{}
}

// ServerConfig mirrors the ambient dashboard config keys.
type ServerConfig struct {
	Port           int
	AllowedOrigins []string
}

// originPolicy holds AllowedOrigins in a form a request handler can check
// in O(1): each configured origin is parsed and normalized once, at
// construction, instead of being re-parsed on every WebSocket upgrade.
type originPolicy struct {
	normalized map[string]bool // empty means "no allowlist": fall back to localhost/same-host
}

func newOriginPolicy(allowedOrigins []string) originPolicy {
	var p originPolicy
	for _, a := range allowedOrigins {
		u, err := url.Parse(a)
		if err != nil {
			continue
		}
		n := normalizeOrigin(u.Scheme, u.Host)
		if n == "" {
			continue
		}
		if p.normalized == nil {
			p.normalized = make(map[string]bool)
		}
		p.normalized[n] = true
	}
	return p
}

// allows reports whether origin may open a dashboard WebSocket against a
// server reached at reqHost. An empty origin (same-origin requests,
// non-browser clients) is always allowed. With no configured allowlist,
// only localhost and the request's own host are allowed.
func (p originPolicy) allows(origin, reqHost string) bool {
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if len(p.normalized) > 0 {
		return p.normalized[normalized]
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

// Server runs the HTTP/WebSocket dashboard API, generalized from a fixed
// DashboardSnapshot to an arbitrary SnapshotProvider.
type Server struct {
	cfg      ServerConfig
	provider SnapshotProvider
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds a Server listening on cfg.Port. hub is also registered
// as a Sink with the caller's Dispatcher so coalesced batches reach
// connected clients.
func NewServer(cfg ServerConfig, provider SnapshotProvider, hub *Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	h := &handlers{
		origins:  newOriginPolicy(cfg.AllowedOrigins),
		provider: provider,
		hub:      hub,
		logger:   logger.With("component", "dashboard-handlers"),
	}

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/api/snapshot", h.handleSnapshot)
	mux.HandleFunc("/ws", h.handleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		server:   server,
		logger:   logger.With("component", "dashboard-server"),
	}
}

// Start runs the hub loop and the HTTP server. Blocks until the server
// stops.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type handlers struct {
	origins  originPolicy
	provider SnapshotProvider
	hub      *Hub
	logger   *slog.Logger
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *handlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.provider.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		h.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *handlers) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return h.origins.allows(req.Header.Get("Origin"), req.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	evt := Event{Type: "snapshot", Timestamp: time.Now(), Data: h.provider.Snapshot()}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}
