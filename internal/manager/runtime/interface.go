package runtime

import "context"

// Runtime abstracts the container engine. The production implementation
// lives in the docker subpackage; tests substitute in-memory fakes.
//
// Destructive operations (Stop, Remove) treat a missing target as success:
// the container being already gone is the outcome the caller wanted. All
// other engine errors propagate unchanged.
type Runtime interface {
	// Create creates and starts a session container. Returns the container ID.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Stop gracefully stops the container (SIGTERM, SIGKILL after the grace
	// period).
	Stop(ctx context.Context, containerID string) error

	// Restart stops and starts the container.
	Restart(ctx context.Context, containerID string) error

	// Remove force-removes the container, with a best-effort stop first.
	// withVolume also removes its attached volumes.
	Remove(ctx context.Context, containerID string, withVolume bool) error

	// Pause freezes all processes in the container (cgroup freezer), so a
	// later Unpause resumes in well under a second.
	Pause(ctx context.Context, containerID string) error

	// Unpause resumes a paused container.
	Unpause(ctx context.Context, containerID string) error

	// ContainerName resolves a container ID to its name, which is the DNS
	// hostname of the agent service on the agent network.
	ContainerName(ctx context.Context, containerID string) (string, error)

	// List returns handles for every container this service manages,
	// running or not.
	List(ctx context.Context) ([]Handle, error)

	// Exec runs a shell command inside the container and calls onLine for
	// each line of combined stdout/stderr output as it arrives.
	Exec(ctx context.Context, containerID, command string, onLine func(line string)) error

	// Stats returns a point-in-time resource usage snapshot.
	Stats(ctx context.Context, containerID string) (Stats, error)
}
