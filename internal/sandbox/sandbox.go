// Package sandbox manages the Docker container the student and mentor
// agents run in. The container gets the tutorial mounted read-only, a
// scratch workspace, and the host callback URL so the wrapper can report
// results back to the control-plane API.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/smile-run/smile/internal/errs"
	"github.com/smile-run/smile/internal/shared"
)

const (
	tutorialMount  = "/tutorial/tutorial.md"
	workspaceMount = "/workspace"

	defaultMemoryMB int64 = 2048
)

// Options configures a sandbox run.
type Options struct {
	// Image is the Docker image the agent wrapper runs in.
	Image string
	// Tutorial is the host path of the tutorial file, mounted read-only.
	Tutorial string
	// Workspace is the host directory mounted read-write at /workspace.
	Workspace string
	// CallbackURL is where the wrapper posts student/mentor results.
	CallbackURL string
	// Provider selects the agent backend inside the container.
	Provider string
	// KeepOnFailure leaves the container in place after a failed run.
	KeepOnFailure bool
	// KeepOnSuccess leaves the container in place after a successful run.
	KeepOnSuccess bool
	// MemoryMB caps container memory. Zero means the default.
	MemoryMB int64
	// ExtraEnv is passed into the container verbatim, typically the
	// provider credential the agent CLI needs.
	ExtraEnv map[string]string
}

// Manager wraps a Docker client with the lifecycle operations the loop
// needs. One Manager drives at most one container at a time.
type Manager struct {
	client      *client.Client
	logger      *slog.Logger
	containerID string
}

// New connects to the Docker daemon. The connection itself is lazy; call
// Ping to verify the daemon is actually reachable.
func New(logger *slog.Logger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errs.Wrap(errs.KindDockerUnavailable,
			"failed to create docker client",
			"Check that Docker is installed and DOCKER_HOST is set correctly", err)
	}
	return &Manager{client: cli, logger: logger}, nil
}

// Ping verifies the Docker daemon is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := m.client.Ping(ctx); err != nil {
		return errs.Wrap(errs.KindDockerUnavailable,
			"docker daemon is not reachable",
			"Start the Docker daemon and try again", err)
	}
	return nil
}

// EnsureImage checks that the configured image exists locally. Missing
// images are an error rather than an implicit pull; the base image is
// built out of band.
func (m *Manager) EnsureImage(ctx context.Context, ref string) error {
	images, err := m.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return errs.Wrap(errs.KindDockerUnavailable,
			"failed to list docker images", "", err)
	}
	if len(images) == 0 {
		return errs.New(errs.KindImageNotFound,
			fmt.Sprintf("container image %q not found locally", ref),
			fmt.Sprintf("Build it first: docker build -t %s .", ref))
	}
	return nil
}

// Start creates and starts the agent container. The returned ID is also
// remembered for Stop.
func (m *Manager) Start(ctx context.Context, opts Options) (string, error) {
	if err := m.EnsureImage(ctx, opts.Image); err != nil {
		return "", err
	}

	memory := opts.MemoryMB
	if memory <= 0 {
		memory = defaultMemoryMB
	}

	tutorialAbs, err := filepath.Abs(opts.Tutorial)
	if err != nil {
		return "", errs.Wrap(errs.KindIO, "failed to resolve tutorial path", "", err)
	}
	workspaceAbs, err := filepath.Abs(opts.Workspace)
	if err != nil {
		return "", errs.Wrap(errs.KindIO, "failed to resolve workspace path", "", err)
	}

	env := []string{
		"SMILE_CALLBACK_URL=" + opts.CallbackURL,
		"SMILE_TUTORIAL=" + tutorialMount,
		"SMILE_PROVIDER=" + opts.Provider,
	}
	for k, v := range opts.ExtraEnv {
		env = append(env, k+"="+v)
	}
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m.logger.Debug("container env", "key", k, "value", shared.RedactEnvValue(k, v))
		}
	}

	resp, err := m.client.ContainerCreate(ctx, &container.Config{
		Image:      opts.Image,
		WorkingDir: workspaceMount,
		Env:        env,
		Labels:     map[string]string{"run.smile.role": "agent"},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: memory * 1024 * 1024,
		},
		Binds: []string{
			fmt.Sprintf("%s:%s:ro", tutorialAbs, tutorialMount),
			fmt.Sprintf("%s:%s", workspaceAbs, workspaceMount),
		},
		// The wrapper reaches the control-plane API on the host.
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}, nil, nil, "")
	if err != nil {
		return "", errs.Wrap(errs.KindDockerUnavailable,
			"failed to create agent container", "", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", errs.Wrap(errs.KindDockerUnavailable,
			"failed to start agent container", "", err)
	}

	m.containerID = resp.ID
	m.logger.Info("agent container started",
		"container_id", resp.ID[:12], "image", opts.Image)
	return resp.ID, nil
}

// Stop stops the running container and removes it unless the retention
// flags say otherwise. succeeded selects between KeepOnSuccess and
// KeepOnFailure. Safe to call when no container was started.
func (m *Manager) Stop(ctx context.Context, opts Options, succeeded bool) error {
	if m.containerID == "" {
		return nil
	}
	id := m.containerID
	m.containerID = ""

	timeout := 10
	if err := m.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		m.logger.Warn("failed to stop agent container", "container_id", id[:12], "error", err)
	}

	keep := opts.KeepOnFailure
	if succeeded {
		keep = opts.KeepOnSuccess
	}
	if keep {
		m.logger.Info("keeping agent container for inspection", "container_id", id[:12])
		return nil
	}

	if err := m.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return errs.Wrap(errs.KindDockerUnavailable,
			"failed to remove agent container", "", err)
	}
	m.logger.Info("agent container removed", "container_id", id[:12])
	return nil
}

// Close releases the underlying Docker client.
func (m *Manager) Close() error {
	return m.client.Close()
}
