// Package docker implements the worker.Executor interface using the Docker
// API. Jobs act on containers running on the host Docker daemon.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"containerops/internal/apperrors"
	"containerops/internal/job"
	"containerops/internal/worker"
)

const managedByLabel = "containerops"

// Config holds configuration for the Docker runtime.
type Config struct {
	ImagePrefix string // registry prefix for target images (default "containerops")
	StopTimeout int    // seconds to wait before SIGKILL on stop (default 10)
}

// Runtime executes jobs against the host Docker daemon. Each target owns
// one container, named after the target, carrying labels that tie it back
// to this service.
type Runtime struct {
	client      *client.Client
	imagePrefix string
	stopTimeout int
	logger      *slog.Logger
}

// NewRuntime creates a Docker runtime from the environment.
func NewRuntime(cfg Config) (*Runtime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.ImagePrefix == "" {
		cfg.ImagePrefix = "containerops"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10
	}

	return &Runtime{
		client:      dockerClient,
		imagePrefix: cfg.ImagePrefix,
		stopTimeout: cfg.StopTimeout,
		logger:      slog.With("component", "docker-runtime"),
	}, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (r *Runtime) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close releases the client connection.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Execute dispatches one job to the operation matching its type.
func (r *Runtime) Execute(ctx context.Context, j *job.Job, report worker.ProgressFunc) (json.RawMessage, error) {
	logger := r.logger.With("jobId", j.ID, "type", j.Type, "target", j.Target)
	logger.Info("Executing job")

	switch j.Type {
	case job.TypeInstall:
		return r.install(ctx, j.Target, report)
	case job.TypeStart:
		return r.start(ctx, j.Target, report)
	case job.TypeStop:
		return r.stop(ctx, j.Target, report)
	case job.TypeTest:
		return r.test(ctx, j.Target, report)
	case job.TypeEnable:
		return r.enable(ctx, j.Target, report)
	case job.TypeDisable:
		return r.disable(ctx, j.Target, report)
	case job.TypeDelete:
		return r.delete(ctx, j.Target, report)
	default:
		return nil, fmt.Errorf("unsupported job type %q", j.Type)
	}
}

// install pulls the target's image and creates its container.
func (r *Runtime) install(ctx context.Context, target job.Target, report worker.ProgressFunc) (json.RawMessage, error) {
	ref := r.imageRef(target)

	report(10, "pulling image")
	// Detached context so an HTTP-side cancellation does not abort a pull
	// halfway through a layer.
	pullCtx := context.WithoutCancel(ctx)
	if err := r.pullImage(pullCtx, ref, report); err != nil {
		return nil, apperrors.Internal("docker.pullImage", err)
	}

	report(70, "creating container")
	containerConfig := &container.Config{
		Image: ref,
		Labels: map[string]string{
			"target.type": string(target.Type),
			"target.id":   target.ID,
			"managed-by":  managedByLabel,
		},
	}
	resp, err := r.client.ContainerCreate(ctx, containerConfig, &container.HostConfig{}, nil, nil, containerName(target))
	if err != nil {
		return nil, apperrors.Internal("docker.createContainer", err)
	}

	return marshalResult(installResult{ContainerID: resp.ID, Image: ref})
}

func (r *Runtime) start(ctx context.Context, target job.Target, report worker.ProgressFunc) (json.RawMessage, error) {
	id, err := r.findContainer(ctx, target)
	if err != nil {
		return nil, err
	}

	report(50, "starting container")
	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, apperrors.Internal("docker.startContainer", err)
	}

	return marshalResult(stateResult{ContainerID: id, State: "running"})
}

func (r *Runtime) stop(ctx context.Context, target job.Target, report worker.ProgressFunc) (json.RawMessage, error) {
	id, err := r.findContainer(ctx, target)
	if err != nil {
		return nil, err
	}

	report(50, "stopping container")
	timeout := r.stopTimeout
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return nil, apperrors.Internal("docker.stopContainer", err)
	}

	return marshalResult(stateResult{ContainerID: id, State: "stopped"})
}

// test probes the target's container and reports its observed state.
func (r *Runtime) test(ctx context.Context, target job.Target, report worker.ProgressFunc) (json.RawMessage, error) {
	id, err := r.findContainer(ctx, target)
	if err != nil {
		return nil, err
	}

	report(50, "inspecting container")
	inspect, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("docker.inspectContainer", err)
	}

	result := testResult{
		ContainerID: id,
		Running:     inspect.State.Running,
		ExitCode:    inspect.State.ExitCode,
	}
	if inspect.State.Health != nil {
		result.Health = inspect.State.Health.Status
	}
	return marshalResult(result)
}

// enable starts the container and pins an always-restart policy so the
// daemon brings it back after reboots.
func (r *Runtime) enable(ctx context.Context, target job.Target, report worker.ProgressFunc) (json.RawMessage, error) {
	id, err := r.findContainer(ctx, target)
	if err != nil {
		return nil, err
	}

	report(30, "updating restart policy")
	if _, err := r.client.ContainerUpdate(ctx, id, container.UpdateConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
	}); err != nil {
		return nil, apperrors.Internal("docker.updateContainer", err)
	}

	report(70, "starting container")
	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, apperrors.Internal("docker.startContainer", err)
	}

	return marshalResult(stateResult{ContainerID: id, State: "enabled"})
}

// disable stops the container and clears its restart policy.
func (r *Runtime) disable(ctx context.Context, target job.Target, report worker.ProgressFunc) (json.RawMessage, error) {
	id, err := r.findContainer(ctx, target)
	if err != nil {
		return nil, err
	}

	report(30, "updating restart policy")
	if _, err := r.client.ContainerUpdate(ctx, id, container.UpdateConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}); err != nil {
		return nil, apperrors.Internal("docker.updateContainer", err)
	}

	report(70, "stopping container")
	timeout := r.stopTimeout
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return nil, apperrors.Internal("docker.stopContainer", err)
	}

	return marshalResult(stateResult{ContainerID: id, State: "disabled"})
}

// delete stops and removes the target's container.
func (r *Runtime) delete(ctx context.Context, target job.Target, report worker.ProgressFunc) (json.RawMessage, error) {
	id, err := r.findContainer(ctx, target)
	if err != nil {
		return nil, err
	}

	report(30, "stopping container")
	timeout := r.stopTimeout
	_ = r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})

	report(70, "removing container")
	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return nil, apperrors.Internal("docker.removeContainer", err)
	}

	return marshalResult(stateResult{ContainerID: id, State: "removed"})
}

// findContainer locates the target's container by label.
func (r *Runtime) findContainer(ctx context.Context, target job.Target) (string, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "managed-by="+managedByLabel),
			filters.Arg("label", "target.type="+string(target.Type)),
			filters.Arg("label", "target.id="+target.ID),
		),
	})
	if err != nil {
		return "", apperrors.Internal("docker.listContainers", err)
	}
	if len(containers) == 0 {
		return "", apperrors.NotFound("container", containerName(target))
	}
	return containers[0].ID, nil
}

// pullImage pulls an image if it is not present, reporting coarse
// progress as layers come down.
func (r *Runtime) pullImage(ctx context.Context, ref string, report worker.ProgressFunc) error {
	if _, err := r.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// The pull stream is a sequence of JSON status messages. Advance
	// progress as they arrive; the exact count is unknowable up front.
	dec := json.NewDecoder(reader)
	current := 10
	lastReport := time.Now()
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return fmt.Errorf("pull %s: %s", ref, msg.Error)
		}
		if current < 60 && time.Since(lastReport) > time.Second {
			current += 10
			lastReport = time.Now()
			report(current, "pulling image")
		}
	}
}

func (r *Runtime) imageRef(target job.Target) string {
	return fmt.Sprintf("%s/%s-%s:latest", r.imagePrefix, target.Type, target.ID)
}

func containerName(target job.Target) string {
	return fmt.Sprintf("%s-%s-%s", managedByLabel, target.Type, target.ID)
}

type installResult struct {
	ContainerID string `json:"containerId"`
	Image       string `json:"image"`
}

type stateResult struct {
	ContainerID string `json:"containerId"`
	State       string `json:"state"`
}

type testResult struct {
	ContainerID string `json:"containerId"`
	Running     bool   `json:"running"`
	Health      string `json:"health,omitempty"`
	ExitCode    int    `json:"exitCode"`
}

func marshalResult(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Internal("docker.marshalResult", err)
	}
	return data, nil
}

// Verify Runtime implements worker.Executor
var _ worker.Executor = (*Runtime)(nil)
