// Package runtime defines the container runtime abstraction used by the
// lifecycle supervisor and the HTTP relay.
package runtime

// ContainerSpec describes how a session container should be created.
type ContainerSpec struct {
	// Name is the container name. It doubles as the DNS hostname under which
	// the agent service is reachable on the agent network.
	Name string
	// UserID is the owning user; it determines the workspace volume name.
	UserID string
	// Image is the agent image to run.
	Image string
	// Env holds environment variables to inject into the container.
	Env map[string]string
	// NetworkName is the network to join (DefaultNetwork if empty).
	NetworkName string
	// Labels are extra labels to attach beyond the ownership labels.
	Labels map[string]string
}

// Handle identifies a managed container.
type Handle struct {
	// ID is the runtime-assigned container ID.
	ID string
	// Name is the container name / agent hostname.
	Name string
}

// Stats is a point-in-time resource usage snapshot.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	MemoryLimitMB float64 `json:"memory_limit_mb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// DefaultNetwork is the isolated bridge network session containers join.
// It reaches this service and nothing else; containers get no route to the
// session store or any other internal service.
const DefaultNetwork = "agent-net"

// AgentPort is the fixed port the in-container agent service listens on.
const AgentPort = 9100

// WorkspacePath is where the per-user volume is mounted inside containers.
const WorkspacePath = "/workspace"

// VolumeNameFor returns the workspace volume name for a user.
func VolumeNameFor(userID string) string {
	return "workspace-" + userID
}
