package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatops-ai/container-manager/common/version"
	"github.com/chatops-ai/container-manager/internal/manager/bridge"
	"github.com/chatops-ai/container-manager/internal/manager/config"
	"github.com/chatops-ai/container-manager/internal/manager/health"
	"github.com/chatops-ai/container-manager/internal/manager/lifecycle"
	"github.com/chatops-ai/container-manager/internal/manager/observability"
	"github.com/chatops-ai/container-manager/internal/manager/runtime/docker"
	"github.com/chatops-ai/container-manager/internal/manager/server"
	"github.com/chatops-ai/container-manager/internal/manager/sessions"
)

const shutdownTimeout = 10 * time.Second

func main() {
	fmt.Printf("Container Manager\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := docker.New(cfg.AgentNetwork)
	if err != nil {
		return fmt.Errorf("docker runtime: %w", err)
	}
	defer rt.Close()

	if err := rt.EnsureNetwork(ctx); err != nil {
		return fmt.Errorf("ensure network %s: %w", cfg.AgentNetwork, err)
	}

	store := sessions.New(cfg.SessionAPIURL, cfg.ServiceToken)
	br := bridge.New(cfg.AgentPort)

	supervisor := lifecycle.New(rt, store, lifecycle.Config{
		Interval:       cfg.SweepInterval,
		IdleTimeout:    cfg.IdleTimeout,
		DestroyTimeout: cfg.DestroyTimeout,
	})
	monitor := health.New(br, store, health.Config{
		Interval: cfg.HealthInterval,
	})
	go supervisor.Run(ctx)
	go monitor.Run(ctx)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.New(rt, br, server.Config{
			ServiceToken:  cfg.ServiceToken,
			AgentImage:    cfg.AgentImage,
			AgentNetwork:  cfg.AgentNetwork,
			MaxContainers: cfg.MaxContainers,
			ReadyTimeout:  cfg.ReadyTimeout,
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
