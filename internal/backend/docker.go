package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/sessionforge/orchestrator/pkg/logger"
)

// DockerBackend is the local development backend: session pods and services
// become labeled containers, one-shot jobs become one-shot containers. It
// implements both PodBackend and JobBackend. Resource shaping beyond memory
// is not enforced here.
type DockerBackend struct {
	client *client.Client
}

// NewDockerBackend creates a backend against the local Docker daemon
func NewDockerBackend() (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerBackend{client: cli}, nil
}

// Close releases the underlying client
func (d *DockerBackend) Close() error {
	return d.client.Close()
}

// ---- PodBackend ----

func (d *DockerBackend) CreatePod(ctx context.Context, spec PodSpec) (*PodStatus, error) {
	name := containerName(spec.Namespace, spec.Name)

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		logger.Warn("Failed to pull image, using local copy if present", map[string]interface{}{
			"image": spec.Image,
			"error": err.Error(),
		})
	}

	command := spec.Command
	if len(command) == 0 {
		command = []string{"sleep", "infinity"}
	}

	labels := map[string]string{
		"sessionforge.role":      "pod",
		"sessionforge.namespace": spec.Namespace,
		"sessionforge.name":      spec.Name,
	}
	for key, value := range spec.Labels {
		labels[key] = value
	}

	hostConfig := &container.HostConfig{}
	if limit, err := parseMemoryBytes(spec.MemoryLimit); err == nil && limit > 0 {
		hostConfig.Memory = limit
	}

	resp, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image:  spec.Image,
			Cmd:    command,
			Env:    flattenEnv(spec.Env),
			Labels: labels,
		},
		hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	return &PodStatus{
		Namespace: spec.Namespace,
		Name:      spec.Name,
		Phase:     "running",
		Ready:     true,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (d *DockerBackend) GetPod(ctx context.Context, namespace, name string) (*PodStatus, error) {
	inspect, err := d.client.ContainerInspect(ctx, containerName(namespace, name))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	phase := "pending"
	ready := false
	if inspect.State != nil {
		switch {
		case inspect.State.Running:
			phase = "running"
			ready = true
		case inspect.State.ExitCode == 0 && inspect.State.Status == "exited":
			phase = "succeeded"
		case inspect.State.Status == "exited":
			phase = "failed"
		}
	}

	var createdAt time.Time
	if ts, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		createdAt = ts.UTC()
	}

	return &PodStatus{
		Namespace: namespace,
		Name:      name,
		Phase:     phase,
		Ready:     ready,
		CreatedAt: createdAt,
	}, nil
}

func (d *DockerBackend) FindPod(ctx context.Context, labelKey, labelValue string) (*PodStatus, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelKey+"="+labelValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find container by label: %w", err)
	}
	if len(containers) == 0 {
		return nil, nil
	}
	labels := containers[0].Labels
	return d.GetPod(ctx, labels["sessionforge.namespace"], labels["sessionforge.name"])
}

func (d *DockerBackend) DeletePod(ctx context.Context, namespace, name string) (bool, error) {
	err := d.client.ContainerRemove(ctx, containerName(namespace, name), container.RemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remove container: %w", err)
	}
	return true, nil
}

func (d *DockerBackend) ExecPod(ctx context.Context, namespace, name string, command []string) (*ExecOutput, error) {
	target := containerName(namespace, name)

	execResp, err := d.client.ContainerExecCreate(ctx, target, container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- copyErr
	}()

	select {
	case <-ctx.Done():
		return &ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case copyErr := <-done:
		if copyErr != nil && copyErr != io.EOF {
			return nil, fmt.Errorf("failed to read exec output: %w", copyErr)
		}
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecOutput{
		ReturnCode: inspect.ExitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
	}, nil
}

func (d *DockerBackend) StreamPod(ctx context.Context, namespace, name string, command []string) (io.ReadWriteCloser, error) {
	target := containerName(namespace, name)

	execResp, err := d.client.ContainerExecCreate(ctx, target, container.ExecOptions{
		Cmd:          command,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}

	return &dockerStream{attach: attach}, nil
}

type dockerStream struct {
	attach types.HijackedResponse
}

func (s *dockerStream) Read(p []byte) (int, error)  { return s.attach.Reader.Read(p) }
func (s *dockerStream) Write(p []byte) (int, error) { return s.attach.Conn.Write(p) }
func (s *dockerStream) Close() error {
	s.attach.Close()
	return nil
}

// ---- JobBackend ----

func (d *DockerBackend) CreateService(ctx context.Context, spec ServiceSpec) (*ServiceStatus, error) {
	name := containerName(spec.Namespace, spec.Name)

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		logger.Warn("Failed to pull image, using local copy if present", map[string]interface{}{
			"image": spec.Image,
			"error": err.Error(),
		})
	}

	servicePort := nat.Port("8080/tcp")
	resp, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Cmd:   []string{"sleep", "infinity"},
			Env:   flattenEnv(spec.Env),
			Labels: mergeLabels(spec.Labels, map[string]string{
				"sessionforge.role":      "service",
				"sessionforge.namespace": spec.Namespace,
			}),
			ExposedPorts: nat.PortSet{servicePort: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				// Ephemeral host port; the daemon picks one
				servicePort: []nat.PortBinding{{HostIP: "127.0.0.1"}},
			},
		}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create service container %s: %w", name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start service container %s: %w", name, err)
	}

	return &ServiceStatus{
		Namespace: spec.Namespace,
		Name:      spec.Name,
		Phase:     "running",
		URL:       fmt.Sprintf("http://%s", name),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (d *DockerBackend) GetService(ctx context.Context, namespace, name string) (*ServiceStatus, error) {
	pod, err := d.GetPod(ctx, namespace, name)
	if err != nil || pod == nil {
		return nil, err
	}
	return &ServiceStatus{
		Namespace: namespace,
		Name:      name,
		Phase:     pod.Phase,
		URL:       fmt.Sprintf("http://%s", containerName(namespace, name)),
		CreatedAt: pod.CreatedAt,
	}, nil
}

func (d *DockerBackend) DeleteService(ctx context.Context, namespace, name string) (bool, error) {
	return d.DeletePod(ctx, namespace, name)
}

func (d *DockerBackend) SubmitJob(ctx context.Context, spec JobSpec) (string, error) {
	name := containerName(spec.Namespace, spec.Name)

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		logger.Warn("Failed to pull image, using local copy if present", map[string]interface{}{
			"image": spec.Image,
			"error": err.Error(),
		})
	}

	labels := mergeLabels(spec.Labels, map[string]string{
		"sessionforge.role":      "job",
		"sessionforge.namespace": spec.Namespace,
	})

	resp, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image:  spec.Image,
			Cmd:    spec.Command,
			Env:    flattenEnv(spec.Env),
			Labels: labels,
		},
		nil, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create job container %s: %w", name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start job container %s: %w", name, err)
	}
	return spec.Name, nil
}

func (d *DockerBackend) GetJob(ctx context.Context, namespace, name string) (*JobState, error) {
	target := containerName(namespace, name)

	inspect, err := d.client.ContainerInspect(ctx, target)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("job %s not found", target)
		}
		return nil, fmt.Errorf("failed to inspect job container: %w", err)
	}

	state := &JobState{Phase: JobPending}
	if inspect.State != nil {
		switch {
		case inspect.State.Running:
			state.Phase = JobRunning
		case inspect.State.Status == "exited" && inspect.State.ExitCode == 0:
			state.Phase = JobSucceeded
		case inspect.State.Status == "exited":
			state.Phase = JobFailed
			state.ReturnCode = inspect.State.ExitCode
		}
	}

	if state.Phase.Terminal() {
		logs, err := d.client.ContainerLogs(ctx, target, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
		})
		if err == nil {
			defer logs.Close()
			var stdout, stderr bytes.Buffer
			_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)
			state.Stdout = stdout.String()
			state.Stderr = stderr.String()
		}
	}
	return state, nil
}

// ---- helpers ----

func (d *DockerBackend) ensureImage(ctx context.Context, imageName string) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", imageName)),
	})
	if err == nil && len(images) > 0 {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func containerName(namespace, name string) string {
	return fmt.Sprintf("%s.%s", namespace, name)
}

func flattenEnv(env map[string]string) []string {
	flat := make([]string, 0, len(env))
	for key, value := range env {
		flat = append(flat, fmt.Sprintf("%s=%s", key, value))
	}
	return flat
}

func mergeLabels(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}

func parseMemoryBytes(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	value = strings.TrimSpace(value)
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(value, "Gi"):
		multiplier = 1 << 30
		value = strings.TrimSuffix(value, "Gi")
	case strings.HasSuffix(value, "Mi"):
		multiplier = 1 << 20
		value = strings.TrimSuffix(value, "Mi")
	case strings.HasSuffix(value, "G"):
		multiplier = 1_000_000_000
		value = strings.TrimSuffix(value, "G")
	case strings.HasSuffix(value, "M"):
		multiplier = 1_000_000
		value = strings.TrimSuffix(value, "M")
	}
	var amount int64
	if _, err := fmt.Sscanf(value, "%d", &amount); err != nil {
		return 0, err
	}
	return amount * multiplier, nil
}
