package server

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/chatops-ai/container-manager/internal/manager/runtime"
)

// maxUploadBytes caps upload bodies; workspace files are source and config,
// not bulk data.
const maxUploadBytes = 32 << 20

// workspaceFile resolves a client-supplied name to an absolute path inside
// the container workspace, rejecting anything that would escape it.
func workspaceFile(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty file name")
	}
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("file name %q escapes the workspace", name)
	}
	p := path.Clean("/" + name)
	full := path.Join(runtime.WorkspacePath, p)
	if full == runtime.WorkspacePath || !strings.HasPrefix(full, runtime.WorkspacePath+"/") {
		return "", fmt.Errorf("file name %q escapes the workspace", name)
	}
	return full, nil
}

// shellQuote single-quotes s for sh -c, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	dest, err := workspaceFile(r.Header.Get("X-Filename"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	// The file travels base64-encoded through a shell exec so arbitrary
	// bytes survive the trip.
	encoded := base64.StdEncoding.EncodeToString(body)
	dir := path.Dir(dest)
	cmd := fmt.Sprintf("mkdir -p %s && echo %s | base64 -d > %s",
		shellQuote(dir), shellQuote(encoded), shellQuote(dest))

	if err := s.runtime.Exec(r.Context(), id, cmd, func(string) {}); err != nil {
		writeError(w, http.StatusInternalServerError, "upload failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"filename": r.Header.Get("X-Filename"),
		"path":     dest,
		"size":     len(body),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	src, err := workspaceFile(r.PathValue("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var encoded strings.Builder
	cmd := fmt.Sprintf("base64 %s", shellQuote(src))
	err = s.runtime.Exec(r.Context(), id, cmd, func(line string) {
		encoded.WriteString(strings.TrimSpace(line))
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "download failed: "+err.Error())
		return
	}

	data, err := base64.StdEncoding.DecodeString(encoded.String())
	if err != nil {
		// base64 inside the container writes errors to the stream too, so a
		// missing file shows up here rather than as an exec failure.
		writeError(w, http.StatusNotFound, "file not found or unreadable: "+src)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", path.Base(src)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
