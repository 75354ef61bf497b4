package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/bdobrica/michi/common/retry"
)

// LabelProject is the container label that ties a container to a project.
const LabelProject = "michi.project"

// DockerStepTypes are the step types Docker knows how to run.
var DockerStepTypes = []string{"restart", "stop", "start", "health_check"}

// stopTimeout is how long to wait for graceful container stop before SIGKILL.
const stopTimeout = 10 * time.Second

// ErrNoContainers is returned when a project has no labelled containers.
var ErrNoContainers = errors.New("executor: no containers for project")

// containerAPI is the slice of the Docker client used here.
type containerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// Docker runs container lifecycle steps against every container labelled
// michi.project=<project>.
type Docker struct {
	api    containerAPI
	retry  retry.Config
	logger *slog.Logger
}

// NewDocker connects to the Docker Engine named by DOCKER_HOST, or the
// default socket.
func NewDocker(logger *slog.Logger) (*Docker, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDocker(cli, logger), nil
}

func newDocker(api containerAPI, logger *slog.Logger) *Docker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := retry.DefaultConfig
	cfg.ShouldRetry = transient
	return &Docker{api: api, retry: cfg, logger: logger}
}

// Execute implements Executor.
func (d *Docker) Execute(ctx context.Context, step Step, req Request) (Outcome, error) {
	if req.Project == "" {
		return Outcome{}, fmt.Errorf("%s: no project given", step.Type)
	}
	ids, err := d.containers(ctx, req.Project)
	if err != nil {
		return Outcome{}, err
	}

	var op func(ctx context.Context, id string) error
	timeout := int(stopTimeout.Seconds())
	switch step.Type {
	case "restart":
		op = func(ctx context.Context, id string) error {
			return d.api.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout})
		}
	case "stop":
		op = func(ctx context.Context, id string) error {
			return d.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
		}
	case "start":
		op = func(ctx context.Context, id string) error {
			return d.api.ContainerStart(ctx, id, container.StartOptions{})
		}
	case "health_check":
		return d.health(ctx, ids)
	default:
		return Outcome{}, fmt.Errorf("docker executor cannot run step %q", step.Type)
	}

	for _, id := range ids {
		err := retry.Do(ctx, d.retry, func(ctx context.Context) error { return op(ctx, id) })
		if err != nil {
			return Outcome{}, fmt.Errorf("%s container %s: %w", step.Type, shortID(id), err)
		}
		d.logger.InfoContext(ctx, "container step done",
			"step", step.Type, "container", shortID(id), "project", req.Project, "action_id", req.ActionID)
	}
	return Outcome{Output: fmt.Sprintf("%s: %d container(s)", step.Type, len(ids))}, nil
}

func (d *Docker) containers(ctx context.Context, project string) ([]string, error) {
	var list []types.Container
	err := retry.Do(ctx, d.retry, func(ctx context.Context) error {
		var err error
		list, err = d.api.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("label", LabelProject+"="+project)),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w %s", ErrNoContainers, project)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Docker) health(ctx context.Context, ids []string) (Outcome, error) {
	var unhealthy []string
	for _, id := range ids {
		var inspect types.ContainerJSON
		err := retry.Do(ctx, d.retry, func(ctx context.Context) error {
			var err error
			inspect, err = d.api.ContainerInspect(ctx, id)
			return err
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("inspect container %s: %w", shortID(id), err)
		}
		if !healthy(inspect) {
			unhealthy = append(unhealthy, shortID(id))
		}
	}
	if len(unhealthy) > 0 {
		return Outcome{}, fmt.Errorf("unhealthy containers: %s", strings.Join(unhealthy, ", "))
	}
	return Outcome{Output: fmt.Sprintf("%d container(s) healthy", len(ids))}, nil
}

func healthy(inspect types.ContainerJSON) bool {
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return false
	}
	if !inspect.State.Running {
		return false
	}
	if h := inspect.State.Health; h != nil && h.Status != "" {
		return h.Status == "healthy"
	}
	return true
}

// transient reports whether a Docker error is worth retrying.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !dockerclient.IsErrNotFound(err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
