// Package server exposes the container manager's HTTP API.
//
// Every /containers route requires the shared service secret as a bearer
// token; /health and /status are open for liveness checks. Streaming routes
// (exec, message) reply as server-sent events and always terminate the
// stream with a single done sentinel, whatever happened along the way.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatops-ai/container-manager/common/trace"
	"github.com/chatops-ai/container-manager/common/version"
	"github.com/chatops-ai/container-manager/internal/manager/bridge"
	"github.com/chatops-ai/container-manager/internal/manager/runtime"
)

// agentBridge is the subset of *bridge.Client the handlers use; tests
// substitute fakes.
type agentBridge interface {
	WaitReady(ctx context.Context, host string, timeout time.Duration) error
	Relay(ctx context.Context, host string, req bridge.Request, onFrame func(bridge.Frame) error) error
	Call(ctx context.Context, host string, req bridge.Request) error
}

// Config holds the server's request-handling settings.
type Config struct {
	// ServiceToken is the shared secret required on every /containers route.
	ServiceToken string
	// AgentImage is the image used for created containers.
	AgentImage string
	// AgentNetwork is the network created containers join.
	AgentNetwork string
	// MaxContainers caps the managed fleet size; zero means no cap.
	MaxContainers int
	// ReadyTimeout bounds the readiness wait after a create.
	ReadyTimeout time.Duration
}

// Server routes HTTP requests to the runtime and the agent bridge.
type Server struct {
	runtime   runtime.Runtime
	bridge    agentBridge
	cfg       Config
	mux       *http.ServeMux
	startedAt time.Time
}

// New creates the server and registers its routes.
func New(rt runtime.Runtime, br agentBridge, cfg Config) *Server {
	s := &Server{
		runtime:   rt,
		bridge:    br,
		cfg:       cfg,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)

	s.mux.Handle("POST /containers", s.authed(s.handleCreate))
	s.mux.Handle("POST /containers/{id}/stop", s.authed(s.handleStop))
	s.mux.Handle("POST /containers/{id}/restart", s.authed(s.handleRestart))
	s.mux.Handle("POST /containers/{id}/unpause", s.authed(s.handleUnpause))
	s.mux.Handle("DELETE /containers/{id}", s.authed(s.handleRemove))
	s.mux.Handle("POST /containers/{id}/exec", s.authed(s.handleExec))
	s.mux.Handle("POST /containers/{id}/message", s.authed(s.handleMessage))
	s.mux.Handle("POST /containers/{id}/cancel", s.authed(s.handleCancel))
	s.mux.Handle("POST /containers/{id}/new-conversation", s.authed(s.handleNewConversation))
	s.mux.Handle("POST /containers/{id}/upload", s.authed(s.handleUpload))
	s.mux.Handle("GET /containers/{id}/download/{path...}", s.authed(s.handleDownload))
	s.mux.Handle("GET /containers/{id}/stats", s.authed(s.handleStats))

	return s
}

// ServeHTTP attaches a trace ID to the request context and dispatches.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := r.Header.Get("X-Trace-ID")
	if traceID == "" {
		traceID = trace.GenerateID()
	}
	w.Header().Set("X-Trace-ID", traceID)
	r = r.WithContext(trace.WithTraceID(r.Context(), traceID))
	s.mux.ServeHTTP(w, r)
}

// authed wraps a handler with the bearer-token check.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.ServiceToken {
			writeError(w, http.StatusForbidden, "invalid service token")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "container-manager",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        version.Version,
		"commit":         version.GitCommit,
		"build_time":     version.BuildTime,
		"started_at":     s.startedAt.UTC(),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
