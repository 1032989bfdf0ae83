package sandbox

import (
	"context"
	"io"
)

// ContainerSpec describes one container to provision.
type ContainerSpec struct {
	ID      string
	Image   string
	WorkDir string // host directory bind-mounted read-only at the workspace path
	Limits  ResourceLimits
	Network NetworkMode
	Env     []string
}

// Container is one provisioned environment. Run executes a process inside
// it and blocks until the process exits or ctx is done; on ctx expiry the
// process is killed and ctx's error is returned.
type Container interface {
	ID() string
	Run(ctx context.Context, args []string, stdout, stderr io.Writer) (exitCode int, err error)
	Destroy(ctx context.Context) error
}

// ContainerRuntime is the boundary to the container engine. The Manager is
// written against this interface so tests can substitute a fake.
type ContainerRuntime interface {
	Create(ctx context.Context, spec ContainerSpec) (Container, error)

	// CleanupOrphans removes containers whose id carries the given prefix
	// but which no live Manager tracks, e.g. leftovers from a crash.
	CleanupOrphans(ctx context.Context, prefix string) (int, error)

	Healthy(ctx context.Context) bool
	Close() error
}
