package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"agent-exec-sandbox/internal/lang"
)

// Client wraps the containerd client with connection management.
type Client struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

// NewClient connects to containerd and verifies the connection.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", ErrRuntimeDown, socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("%w: health check failed: %v", ErrRuntimeDown, err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

func (c *Client) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks if the containerd connection is alive.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// pullImage pulls an image unless it is already available locally.
func (c *Client) pullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.withNamespace(ctx)

	image, err := c.inner.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err = c.inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return image, nil
}

// ContainerdRuntime implements ContainerRuntime on containerd. Each sandbox
// is one container whose init process idles; executions run as exec tasks
// against it, which is what lets a persistent sandbox serve several
// sequential executions.
type ContainerdRuntime struct {
	client *Client
}

func NewContainerdRuntime(ctx context.Context, socket, namespace string) (*ContainerdRuntime, error) {
	client, err := NewClient(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}
	return &ContainerdRuntime{client: client}, nil
}

func (r *ContainerdRuntime) Healthy(ctx context.Context) bool { return r.client.Healthy(ctx) }

func (r *ContainerdRuntime) Close() error { return r.client.Close() }

func (r *ContainerdRuntime) Create(ctx context.Context, cspec ContainerSpec) (Container, error) {
	nsCtx := r.client.withNamespace(ctx)

	image, err := r.client.pullImage(ctx, cspec.Image)
	if err != nil {
		return nil, err
	}

	profile := ProfileFor(cspec.Network)

	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/tmp",
		"LANG=C.UTF-8",
		"SANDBOX=true",
	}
	env = append(env, cspec.Env...)

	container, err := r.client.inner.NewContainer(nsCtx, cspec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(cspec.ID+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			// The init process idles; work arrives as exec tasks.
			oci.WithProcessArgs("sleep", "infinity"),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				profile.Apply(s)
				cspec.Limits.Apply(s)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: lang.WorkspaceDir,
					Type:        "bind",
					Source:      cspec.WorkDir,
					Options:     []string{"rbind", "ro"},
				})

				s.Process.Env = env
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	task, err := container.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("creating init task: %w", err)
	}
	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("starting init task: %w", err)
	}

	return &containerdContainer{
		client:    r.client,
		container: container,
		task:      task,
	}, nil
}

// CleanupOrphans removes containers left over from previous runs.
func (r *ContainerdRuntime) CleanupOrphans(ctx context.Context, prefix string) (int, error) {
	nsCtx := r.client.withNamespace(ctx)

	containerList, err := r.client.inner.Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range containerList {
		if !strings.HasPrefix(c.ID(), prefix) {
			continue
		}
		logger := log.With().Str("container_id", c.ID()).Logger()
		logger.Info().Msg("cleaning up orphaned sandbox container")

		if err := teardownContainer(nsCtx, c); err != nil {
			logger.Error().Err(err).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

type containerdContainer struct {
	client    *Client
	container containerd.Container
	task      containerd.Task
}

func (c *containerdContainer) ID() string { return c.container.ID() }

func (c *containerdContainer) Run(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
	nsCtx := c.client.withNamespace(ctx)

	spec, err := c.container.Spec(nsCtx)
	if err != nil {
		return -1, fmt.Errorf("reading container spec: %w", err)
	}
	proc := *spec.Process
	proc.Args = args

	execID := "exec-" + uuid.New().String()[:8]
	process, err := c.task.Exec(nsCtx, execID, &proc,
		cio.NewCreator(cio.WithStreams(nil, stdout, stderr)),
	)
	if err != nil {
		return -1, fmt.Errorf("creating exec process: %w", err)
	}
	defer func() {
		cleanupCtx := c.client.withNamespace(context.Background())
		if _, err := process.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container_id", c.ID()).Msg("exec process delete failed")
		}
	}()

	exitCh, err := process.Wait(nsCtx)
	if err != nil {
		return -1, fmt.Errorf("waiting on exec process: %w", err)
	}
	if err := process.Start(nsCtx); err != nil {
		return -1, fmt.Errorf("starting exec process: %w", err)
	}

	select {
	case status := <-exitCh:
		if err := status.Error(); err != nil {
			return int(status.ExitCode()), fmt.Errorf("exec process: %w", err)
		}
		return int(status.ExitCode()), nil

	case <-ctx.Done():
		killCtx := c.client.withNamespace(context.Background())
		if err := process.Kill(killCtx, 9); err != nil && !errdefs.IsNotFound(err) {
			log.Error().Err(err).Str("container_id", c.ID()).Msg("failed to kill exec process")
		}
		<-exitCh
		return -1, ctx.Err()
	}
}

func (c *containerdContainer) Destroy(ctx context.Context) error {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return teardownContainer(c.client.withNamespace(cleanupCtx), c.container)
}

func teardownContainer(nsCtx context.Context, container containerd.Container) error {
	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	if task, err := container.Task(nsCtx, nil); err == nil {
		if status, err := task.Status(nsCtx); err == nil && status.Status != containerd.Stopped {
			_ = task.Kill(nsCtx, 9)

			waitCtx, waitCancel := context.WithTimeout(nsCtx, 5*time.Second)
			exitCh, _ := task.Wait(waitCtx)
			if exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
			waitCancel()
		}

		if _, err := task.Delete(nsCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(nsCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}
