// Package health implements the liveness sweep over the running fleet.
//
// Every interval it probes each running session's agent service and demotes
// unreachable sessions to the error status, so the user-facing layer can
// surface the failure and offer a restart instead of hanging on a dead
// container.
package health

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatops-ai/container-manager/internal/manager/sessions"
)

// Prober checks one agent service's liveness by hostname. The production
// implementation is *bridge.Client.
type Prober interface {
	Probe(ctx context.Context, host string) error
}

// sessionStore is the subset of the store client the monitor uses.
type sessionStore interface {
	ListByStatus(ctx context.Context, status sessions.Status) ([]sessions.Session, error)
	UpdateStatus(ctx context.Context, sessionID string, status sessions.Status) error
}

// Config controls the sweep cadence and fan-out.
type Config struct {
	// Interval is the sleep between sweeps. Defaults to 30 seconds.
	Interval time.Duration
	// Concurrency caps the number of probes in flight at once, so checking
	// a large fleet costs a bounded number of sockets. Defaults to 10.
	Concurrency int
}

// Monitor runs the health sweep.
type Monitor struct {
	prober Prober
	store  sessionStore
	cfg    Config
}

// New creates a Monitor. Zero config fields get defaults.
func New(prober Prober, store sessionStore, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Monitor{prober: prober, store: store, cfg: cfg}
}

// Run executes sweeps until ctx is cancelled. Sweeps are strictly
// sequential: each one finishes before the next tick is considered.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	slog.Info("health monitor started",
		"interval", m.cfg.Interval, "concurrency", m.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			slog.Info("health monitor stopping")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every running session concurrently under the concurrency
// limit. Outcomes are collected per session: one unreachable agent or one
// failed status patch never aborts the rest. A store fetch failure skips the
// whole sweep for this cycle.
func (m *Monitor) Sweep(ctx context.Context) {
	list, err := m.store.ListByStatus(ctx, sessions.StatusRunning)
	if err != nil {
		slog.Warn("health sweep: failed to fetch running sessions", "err", err)
		return
	}

	var group errgroup.Group
	group.SetLimit(m.cfg.Concurrency)

	for _, sess := range list {
		if sess.ContainerName == "" {
			continue
		}
		group.Go(func() error {
			m.checkSession(ctx, sess)
			return nil
		})
	}
	_ = group.Wait()
}

// checkSession probes one session and patches its status to error when the
// agent is unreachable. Both failure modes are handled here so the errgroup
// never fails fast.
func (m *Monitor) checkSession(ctx context.Context, sess sessions.Session) {
	err := m.prober.Probe(ctx, sess.ContainerName)
	if err == nil {
		return
	}

	slog.Warn("agent unreachable, marking session error",
		"session", sess.ID, "host", sess.ContainerName, "err", err)

	if err := m.store.UpdateStatus(ctx, sess.ID, sessions.StatusError); err != nil {
		slog.Warn("health sweep: failed to mark session error",
			"session", sess.ID, "err", err)
	}
}
