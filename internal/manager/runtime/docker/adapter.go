// Package docker implements runtime.Runtime against the Docker Engine API.
//
// Every container it creates runs inside a fixed resource envelope (one CPU,
// 2 GiB memory, 256 pids, no-new-privileges, non-root) and joins only the
// isolated agent network. That envelope is a security boundary: a session
// container must never gain a network path to the session store or the other
// internal services.
package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/chatops-ai/container-manager/internal/manager/runtime"
)

const (
	labelManagedBy = "chatops.managed-by"
	labelUserID    = "chatops.user-id"
	managedByValue = "container-manager"

	// stopTimeout is how long to wait for graceful container stop before
	// SIGKILL.
	stopTimeout = 10 * time.Second

	// removeStopTimeout is the shorter grace period used for the best-effort
	// stop that precedes removal.
	removeStopTimeout = 5 * time.Second
)

// Resource limits applied to every session container.
const (
	cpuQuota    = 100_000 // one full core per 100ms period
	cpuPeriod   = 100_000
	memoryBytes = 2 * 1024 * 1024 * 1024
	pidsLimit   = 256
	tmpfsSize   = "size=256m"
)

// Adapter implements runtime.Runtime using the Docker Engine API.
type Adapter struct {
	client  *dockerclient.Client
	network string
}

// New creates an adapter for the given agent network name. The Docker host
// comes from the DOCKER_HOST env var or the default socket path.
func New(networkName string) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if networkName == "" {
		networkName = runtime.DefaultNetwork
	}
	return &Adapter{client: cli, network: networkName}, nil
}

// Close releases the underlying Docker client connection.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// EnsureNetwork creates the agent network if it doesn't exist.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil // already exists
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", a.network, err)
	}
	return nil
}

// Create creates and starts a session container from the given spec.
func (a *Adapter) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if spec.Image == "" {
		return "", fmt.Errorf("spec.Image is required")
	}
	if spec.Name == "" {
		return "", fmt.Errorf("spec.Name is required")
	}

	networkName := spec.NetworkName
	if networkName == "" {
		networkName = a.network
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelUserID:    spec.UserID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	agentPort := nat.Port(fmt.Sprintf("%d/tcp", runtime.AgentPort))
	containerCfg := &container.Config{
		Image:    spec.Image,
		Hostname: spec.Name,
		Env:      env,
		User:     "1000:1000",
		Labels:   labels,
		// The agent port is exposed to the agent network only; nothing is
		// published on the host.
		ExposedPorts: nat.PortSet{agentPort: struct{}{}},
	}

	limit := int64(pidsLimit)
	hostCfg := &container.HostConfig{
		Binds: []string{runtime.VolumeNameFor(spec.UserID) + ":" + runtime.WorkspacePath},
		Tmpfs: map[string]string{"/tmp": tmpfsSize},
		Resources: container.Resources{
			CPUQuota:  cpuQuota,
			CPUPeriod: cpuPeriod,
			Memory:    memoryBytes,
			PidsLimit: &limit,
		},
		SecurityOpt: []string{"no-new-privileges:true"},
		// Failures surface as session status, never as a silent respawn.
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}

	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the half-created container.
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}

	slog.Info("created container", "name", spec.Name, "user", spec.UserID, "id", resp.ID)
	return resp.ID, nil
}

// Stop gracefully stops the container. A container that is already gone
// counts as stopped.
func (a *Adapter) Stop(ctx context.Context, containerID string) error {
	timeout := int(stopTimeout.Seconds())
	err := a.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			slog.Warn("container already gone on stop", "id", containerID)
			return nil
		}
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// Restart stops and starts the container.
func (a *Adapter) Restart(ctx context.Context, containerID string) error {
	timeout := int(stopTimeout.Seconds())
	err := a.client.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		return fmt.Errorf("restart container %s: %w", containerID, err)
	}
	return nil
}

// Remove force-removes the container after a best-effort stop. A container
// that is already gone counts as removed.
func (a *Adapter) Remove(ctx context.Context, containerID string, withVolume bool) error {
	timeout := int(removeStopTimeout.Seconds())
	// The container may already be stopped or gone; removal proceeds anyway.
	_ = a.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})

	err := a.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: withVolume,
	})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			slog.Warn("container already removed", "id", containerID)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	slog.Info("removed container", "id", containerID, "with_volume", withVolume)
	return nil
}

// Pause freezes all processes in the container via the cgroup freezer.
func (a *Adapter) Pause(ctx context.Context, containerID string) error {
	if err := a.client.ContainerPause(ctx, containerID); err != nil {
		return fmt.Errorf("pause container %s: %w", containerID, err)
	}
	return nil
}

// Unpause resumes a paused container.
func (a *Adapter) Unpause(ctx context.Context, containerID string) error {
	if err := a.client.ContainerUnpause(ctx, containerID); err != nil {
		return fmt.Errorf("unpause container %s: %w", containerID, err)
	}
	return nil
}

// ContainerName resolves a container ID to its name. Docker reports names
// with a leading slash, which is stripped.
func (a *Adapter) ContainerName(ctx context.Context, containerID string) (string, error) {
	inspect, err := a.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return strings.TrimPrefix(inspect.Name, "/"), nil
}

// List returns handles for all containers carrying the management label.
func (a *Adapter) List(ctx context.Context) ([]runtime.Handle, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	handles := make([]runtime.Handle, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		handles = append(handles, runtime.Handle{ID: c.ID, Name: name})
	}
	return handles, nil
}

// Exec runs a shell command inside the container and streams each output
// line to onLine. Stdout and stderr are interleaved in arrival order.
func (a *Adapter) Exec(ctx context.Context, containerID, command string, onLine func(string)) error {
	exec, err := a.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("exec create: %w", err)
	}

	attach, err := a.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	// The attached stream multiplexes stdout/stderr; demultiplex both into
	// one pipe and scan it line by line.
	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, attach.Reader)
		pw.CloseWithError(copyErr)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		onLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("exec stream: %w", err)
	}
	return nil
}

// Stats returns a one-shot resource usage snapshot for the container.
func (a *Adapter) Stats(ctx context.Context, containerID string) (runtime.Stats, error) {
	resp, err := a.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return runtime.Stats{}, fmt.Errorf("container stats %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return runtime.Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	return computeStats(raw), nil
}

// computeStats derives percentages from a raw engine stats sample the same
// way the docker CLI does: CPU from the delta against the previous sample,
// memory from usage over limit.
func computeStats(raw container.StatsResponse) runtime.Stats {
	var cpuPercent float64
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if systemDelta > 0 && cpuDelta >= 0 {
		onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = 1
		}
		cpuPercent = cpuDelta / systemDelta * onlineCPUs * 100.0
	}

	usage := float64(raw.MemoryStats.Usage)
	limit := float64(raw.MemoryStats.Limit)
	var memPercent float64
	if limit > 0 {
		memPercent = usage / limit * 100.0
	}

	return runtime.Stats{
		CPUPercent:    round2(cpuPercent),
		MemoryUsageMB: round1(usage / 1024 / 1024),
		MemoryLimitMB: round1(limit / 1024 / 1024),
		MemoryPercent: round2(memPercent),
	}
}

func round1(v float64) float64 { return float64(int64(v*10+0.5)) / 10 }
func round2(v float64) float64 { return float64(int64(v*100+0.5)) / 100 }

var _ runtime.Runtime = (*Adapter)(nil)
