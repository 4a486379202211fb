package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/chatops-ai/container-manager/internal/manager/bridge"
	"github.com/chatops-ai/container-manager/internal/manager/observability"
	"github.com/chatops-ai/container-manager/internal/manager/sse"
)

type execRequest struct {
	Command string `json:"command"`
}

type messageRequest struct {
	Text    string            `json:"text"`
	EnvVars map[string]string `json:"env_vars"`
}

// startSSE sets the streaming headers. Nothing may write a status or body
// before this on the streaming routes.
func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	log := observability.WithTrace(ctx).With("container", id)

	var req execRequest
	if err := decodeJSON(r, &req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	startSSE(w)
	sw := sse.NewWriter(w)
	defer sw.Done()

	halted := false
	err := s.runtime.Exec(ctx, id, req.Command, func(line string) {
		if halted {
			return
		}
		halt, werr := sw.Chunk(line)
		if werr != nil {
			log.Debug("stream write", "err", werr)
		}
		halted = halt
	})
	if err != nil {
		log.Error("exec", "err", err)
		sw.Error(err.Error())
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observability.WithTrace(ctx).With("container", r.PathValue("id"))

	var req messageRequest
	if err := decodeJSON(r, &req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	host, err := s.agentHost(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	startSSE(w)
	sw := sse.NewWriter(w)
	defer sw.Done()

	params := map[string]any{"prompt": req.Text}
	if req.EnvVars != nil {
		params["env_vars"] = req.EnvVars
	}
	breq := bridge.Request{
		Method: bridge.MethodExecutePrompt,
		Params: params,
		ID:     uuid.NewString(),
	}

	err = s.bridge.Relay(ctx, host, breq, func(f bridge.Frame) error {
		switch {
		case f.Error != "":
			return sw.Error(f.Error)
		case f.Event != nil:
			return sw.JSON(map[string]any{"event": f.Event})
		case f.Chunk != "":
			_, werr := sw.Chunk(f.Chunk)
			return werr
		}
		return nil
	})
	if err != nil {
		log.Error("message relay", "host", host, "err", err)
		sw.Error(err.Error())
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, bridge.Request{
		Method: bridge.MethodCancel,
		Params: map[string]any{},
		ID:     bridge.CancelRequestID,
	})
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, bridge.Request{
		Method: bridge.MethodNewConversation,
		Params: map[string]any{},
		ID:     bridge.NewConversationRequestID,
	})
}

// control performs one single-shot agent call and maps its failures:
// agent-reported errors and unreachable agents both surface as 502, anything
// else as 500.
func (s *Server) control(w http.ResponseWriter, r *http.Request, req bridge.Request) {
	host, err := s.agentHost(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	err = s.bridge.Call(r.Context(), host, req)
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	log := observability.WithTrace(r.Context()).With("host", host, "method", req.Method)
	var upstream *bridge.UpstreamError
	switch {
	case errors.As(err, &upstream):
		log.Warn("agent rejected control call", "err", upstream.Message)
		writeError(w, http.StatusBadGateway, upstream.Message)
	case errors.Is(err, bridge.ErrUnreachable):
		log.Warn("agent unreachable", "err", err)
		writeError(w, http.StatusBadGateway, bridge.ErrUnreachable.Error())
	default:
		log.Error("control call", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
