// Package lifecycle implements the background sweep that keeps the container
// fleet cost-bounded: idle running containers get paused (cheap to resume),
// and containers stuck in a terminal status long enough get destroyed along
// with their workspace volume and session record.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatops-ai/container-manager/internal/manager/runtime"
	"github.com/chatops-ai/container-manager/internal/manager/sessions"
)

// sessionStore is the subset of the session store client the supervisor uses.
type sessionStore interface {
	ListByStatus(ctx context.Context, status sessions.Status) ([]sessions.Session, error)
	UpdateStatus(ctx context.Context, sessionID string, status sessions.Status) error
	Delete(ctx context.Context, sessionID string) error
}

// destroyCandidateStatuses are the statuses eligible for the destroy phase.
// Running and creating sessions are never candidates, regardless of idle
// time: destroying an active or in-flight provisioning is unrecoverable.
var destroyCandidateStatuses = []sessions.Status{
	sessions.StatusPaused,
	sessions.StatusStopped,
	sessions.StatusError,
}

// Config controls the sweep cadence and thresholds.
type Config struct {
	// Interval is the sleep between sweeps. Defaults to 5 minutes.
	Interval time.Duration
	// IdleTimeout is how long a running session may sit idle before its
	// container is paused. Defaults to 30 minutes.
	IdleTimeout time.Duration
	// DestroyTimeout is how long a terminal-status session may sit idle
	// before container, volume, and session record are removed for good.
	// Defaults to 24 hours.
	DestroyTimeout time.Duration
}

// DestroyResult reports one destroy phase's outcome.
type DestroyResult struct {
	Destroyed int
	Failed    int
}

// Supervisor runs the two-phase sweep.
type Supervisor struct {
	runtime runtime.Runtime
	store   sessionStore
	cfg     Config
}

// New creates a Supervisor. Zero config fields get defaults.
func New(rt runtime.Runtime, store sessionStore, cfg Config) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = 24 * time.Hour
	}
	return &Supervisor{runtime: rt, store: store, cfg: cfg}
}

// Run executes sweeps until ctx is cancelled. Each tick runs the pause phase
// to completion before the destroy phase starts, and sweeps never overlap: a
// session cannot be paused and destroyed by the same surprise tick, and a
// slow engine only delays the next sweep.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.Info("lifecycle supervisor started",
		"interval", s.cfg.Interval,
		"idle_timeout", s.cfg.IdleTimeout,
		"destroy_timeout", s.cfg.DestroyTimeout)

	for {
		select {
		case <-ctx.Done():
			slog.Info("lifecycle supervisor stopping")
			return
		case <-ticker.C:
			s.PauseIdle(ctx)
			s.DestroyStale(ctx)
		}
	}
}

// PauseIdle pauses every running session idle beyond the idle timeout and
// patches its status to paused. A store fetch failure skips the whole phase
// for this cycle; a per-session failure skips only that session.
func (s *Supervisor) PauseIdle(ctx context.Context) {
	list, err := s.store.ListByStatus(ctx, sessions.StatusRunning)
	if err != nil {
		slog.Warn("pause phase: failed to fetch running sessions", "err", err)
		return
	}

	now := time.Now()
	for _, sess := range list {
		if sess.ContainerID == "" || sess.LastActivityAt.IsZero() {
			continue
		}
		idle := sess.IdleFor(now)
		if idle <= s.cfg.IdleTimeout {
			continue
		}

		// Freeze, don't stop: unpause resumes in well under a second on the
		// user's next message.
		if err := s.runtime.Pause(ctx, sess.ContainerID); err != nil {
			slog.Warn("pause phase: failed to pause container",
				"session", sess.ID, "container", sess.ContainerID, "err", err)
			continue
		}
		slog.Info("paused idle container",
			"session", sess.ID, "container", sess.ContainerID, "idle", idle)

		if err := s.store.UpdateStatus(ctx, sess.ID, sessions.StatusPaused); err != nil {
			slog.Warn("pause phase: failed to mark session paused",
				"session", sess.ID, "err", err)
		}
	}
}

// DestroyStale removes the container, volume, and session record of every
// paused/stopped/error session idle beyond the destroy timeout. Per-candidate
// failures are counted and never abort the remaining candidates.
func (s *Supervisor) DestroyStale(ctx context.Context) DestroyResult {
	var result DestroyResult
	now := time.Now()

	for _, status := range destroyCandidateStatuses {
		list, err := s.store.ListByStatus(ctx, status)
		if err != nil {
			slog.Warn("destroy phase: failed to fetch sessions",
				"status", status, "err", err)
			continue
		}

		for _, sess := range list {
			if sess.LastActivityAt.IsZero() {
				continue
			}
			idle := sess.IdleFor(now)
			if idle <= s.cfg.DestroyTimeout {
				continue
			}

			if err := s.destroy(ctx, sess); err != nil {
				result.Failed++
				slog.Warn("destroy phase: failed to destroy session",
					"session", sess.ID, "container", sess.ContainerID, "err", err)
				continue
			}
			result.Destroyed++
			slog.Info("destroyed stale session",
				"session", sess.ID, "container", sess.ContainerID,
				"status", sess.Status, "idle", idle)
		}
	}

	return result
}

// destroy removes one session's container (with its volume) and then its
// store record. The runtime treats an already-gone container as removed, so
// a dangling record still gets cleaned up.
func (s *Supervisor) destroy(ctx context.Context, sess sessions.Session) error {
	if sess.ContainerID != "" {
		if err := s.runtime.Remove(ctx, sess.ContainerID, true); err != nil {
			return err
		}
	}
	return s.store.Delete(ctx, sess.ID)
}
