package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/chatops-ai/container-manager/internal/manager/observability"
	"github.com/chatops-ai/container-manager/internal/manager/runtime"
)

type createRequest struct {
	SessionID     string            `json:"session_id"`
	ContainerName string            `json:"container_name"`
	UserID        string            `json:"user_id"`
	EnvVars       map[string]string `json:"env_vars"`
}

type createResponse struct {
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observability.WithTrace(ctx)

	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	name := req.ContainerName
	if name == "" {
		name = fmt.Sprintf("agent-%s-%s", req.UserID, uuid.NewString()[:8])
	}

	if s.cfg.MaxContainers > 0 {
		handles, err := s.runtime.List(ctx)
		if err != nil {
			log.Error("list containers", "err", err)
			writeError(w, http.StatusInternalServerError, "Container creation failed: "+err.Error())
			return
		}
		if len(handles) >= s.cfg.MaxContainers {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("container limit reached (%d)", s.cfg.MaxContainers))
			return
		}
	}

	spec := runtime.ContainerSpec{
		Name:        name,
		UserID:      req.UserID,
		Image:       s.cfg.AgentImage,
		Env:         req.EnvVars,
		NetworkName: s.cfg.AgentNetwork,
	}
	if req.SessionID != "" {
		spec.Labels = map[string]string{"chatops.session-id": req.SessionID}
	}

	containerID, err := s.runtime.Create(ctx, spec)
	if err != nil {
		log.Error("create container", "name", name, "err", err)
		writeError(w, http.StatusInternalServerError, "Container creation failed: "+err.Error())
		return
	}
	log.Info("container created", "id", containerID, "name", name)

	if err := s.bridge.WaitReady(ctx, name, s.cfg.ReadyTimeout); err != nil {
		log.Error("agent not ready", "name", name, "err", err)
		writeError(w, http.StatusInternalServerError, "Container creation failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		ContainerID:   containerID,
		ContainerName: name,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runtime.Stop(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "stop failed: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runtime.Restart(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "restart failed: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUnpause resumes a container the lifecycle supervisor froze, so a
// returning user picks up their session without a full recreate.
func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runtime.Unpause(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "unpause failed: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runtime.Remove(r.Context(), id, true); err != nil {
		writeError(w, http.StatusInternalServerError, "remove failed: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stats, err := s.runtime.Stats(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// agentHost resolves the container's network alias for bridge calls.
func (s *Server) agentHost(r *http.Request) (string, error) {
	id := r.PathValue("id")
	name, err := s.runtime.ContainerName(r.Context(), id)
	if err != nil {
		return "", fmt.Errorf("resolve container %s: %w", id, err)
	}
	return strings.TrimPrefix(name, "/"), nil
}
