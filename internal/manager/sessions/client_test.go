package sessions_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatops-ai/container-manager/common/trace"
	"github.com/chatops-ai/container-manager/internal/manager/sessions"
)

func TestListByStatus(t *testing.T) {
	var gotAuth, gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/sessions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotStatus = r.URL.Query().Get("status")
		json.NewEncoder(w).Encode([]sessions.Session{
			{ID: "s-1", Status: sessions.StatusRunning, ContainerID: "c-1", ContainerName: "agent-s-1"},
		})
	}))
	defer srv.Close()

	c := sessions.New(srv.URL, "secret")
	list, err := c.ListByStatus(context.Background(), sessions.StatusRunning)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotStatus != "running" {
		t.Fatalf("expected status filter running, got %q", gotStatus)
	}
	if len(list) != 1 || list[0].ID != "s-1" {
		t.Fatalf("unexpected sessions %+v", list)
	}
}

func TestUpdateStatus(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := sessions.New(srv.URL, "secret")
	if err := c.UpdateStatus(context.Background(), "s-1", sessions.StatusPaused); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if gotPath != "/sessions/s-1/status" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody["status"] != "paused" {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestDelete_ToleratesMissingRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := sessions.New(srv.URL, "secret")
	if err := c.Delete(context.Background(), "s-gone"); err != nil {
		t.Fatalf("deleting an already-gone session should succeed, got %v", err)
	}
}

func TestListByStatus_NotFoundIsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := sessions.New(srv.URL, "secret")
	_, err := c.ListByStatus(context.Background(), sessions.StatusRunning)
	if !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestErrorBodySurfacesInError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"detail": "invalid status transition"})
	}))
	defer srv.Close()

	c := sessions.New(srv.URL, "secret")
	err := c.UpdateStatus(context.Background(), "s-1", sessions.StatusRunning)
	if err == nil || !strings.Contains(err.Error(), "invalid status transition") {
		t.Fatalf("expected the store's error text, got %v", err)
	}
}

func TestTraceIDHeaderPropagates(t *testing.T) {
	var gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get("X-Trace-ID")
		json.NewEncoder(w).Encode([]sessions.Session{})
	}))
	defer srv.Close()

	ctx := trace.WithTraceID(context.Background(), "t_abc123")
	c := sessions.New(srv.URL, "secret")
	if _, err := c.ListByStatus(ctx, sessions.StatusRunning); err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if gotTrace != "t_abc123" {
		t.Fatalf("expected trace header, got %q", gotTrace)
	}
}

func TestIdleFor(t *testing.T) {
	now := time.Now()
	s := sessions.Session{LastActivityAt: now.Add(-90 * time.Minute)}
	if got := s.IdleFor(now); got != 90*time.Minute {
		t.Fatalf("IdleFor = %s, want 90m", got)
	}
}
