package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionforge/orchestrator/internal/backend"
	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/pkg/config"
	"github.com/sessionforge/orchestrator/pkg/logger"
)

// PodsProvider realizes sessions as dedicated long-lived pods in per-tenant
// namespaces. Commands run inside the live pod, so exec latency is low and
// interactive shells attach directly to the pod's exec channel.
type PodsProvider struct {
	backend backend.PodBackend
	cfg     *config.Config

	mu       sync.RWMutex
	sessions map[string]*podSession
}

type podSession struct {
	info      *SessionInfo
	namespace string
	podName   string
}

func NewPodsProvider(b backend.PodBackend, cfg *config.Config) *PodsProvider {
	return &PodsProvider{
		backend:  b,
		cfg:      cfg,
		sessions: make(map[string]*podSession),
	}
}

func (p *PodsProvider) Name() string { return models.ProviderPods }

// podName and tenantNamespace are deterministic so sessions can be resolved
// again after a process restart without a registry hit.
func podName(sessionID string) string { return "sess-" + sessionID }

func (p *PodsProvider) tenantNamespace(namespace string) string {
	return p.cfg.NamespacePrefix + "-" + namespace
}

func (p *PodsProvider) Create(ctx context.Context, req *SessionRequest) (*SessionInfo, error) {
	ns := p.tenantNamespace(req.Namespace)
	name := podName(req.SessionID)

	spec := backend.PodSpec{
		Namespace: ns,
		Name:      name,
		Image:     resolveImage(req, p.cfg),
		Env:       sessionEnv(req),
		Labels: map[string]string{
			SessionLabel: req.SessionID,
		},
	}
	applyResources(&spec, req)

	if req.RequestPersistentStorage {
		size := req.PersistentStorageSizeGB
		if size <= 0 {
			size = p.cfg.PersistentStorageSizeGB
		}
		spec.VolumeSizeGB = size
		spec.VolumeMountPath = "/workspace"
	}

	status, err := p.backend.CreatePod(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("pods provider create failed: %w", err)
	}

	info := &SessionInfo{
		ID:          req.SessionID,
		Provider:    models.ProviderPods,
		WorkspaceID: req.WorkspaceID,
		User:        req.User,
		Namespace:   req.Namespace,
		Status:      podPhaseToStatus(status),
		URL:         status.URL,
		WebSocket:   "/sessions/" + req.SessionID + "/shell",
		Details: map[string]string{
			"k8s_ns":   ns,
			"pod_name": name,
		},
		CreatedAt: time.Now().UTC(),
	}

	p.mu.Lock()
	p.sessions[req.SessionID] = &podSession{info: info, namespace: ns, podName: name}
	p.mu.Unlock()

	p.runPreInstall(ctx, req.SessionID, req.PreInstall)

	logger.Info("Pod session created", map[string]interface{}{
		"session_id": req.SessionID,
		"namespace":  ns,
		"pod":        name,
		"status":     info.Status,
	})
	return info, nil
}

// runPreInstall executes template setup commands best-effort. A failing
// setup command does not fail session creation.
func (p *PodsProvider) runPreInstall(ctx context.Context, sessionID string, commands []string) {
	for _, cmd := range commands {
		result, err := p.Execute(ctx, sessionID, cmd, 5*time.Minute)
		if err != nil || !result.Success {
			logger.Warn("Pre-install command failed", map[string]interface{}{
				"session_id": sessionID,
				"command":    cmd,
			})
		}
	}
}

func (p *PodsProvider) Get(ctx context.Context, sessionID string) (*SessionInfo, error) {
	sess, status, err := p.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	if status == nil {
		status, err = p.backend.GetPod(ctx, sess.namespace, sess.podName)
		if err != nil {
			return nil, err
		}
	}
	if status == nil {
		return nil, nil
	}

	info := *sess.info
	info.Status = podPhaseToStatus(status)
	info.URL = status.URL

	p.mu.Lock()
	sess.info.Status = info.Status
	p.mu.Unlock()
	return &info, nil
}

func (p *PodsProvider) Delete(ctx context.Context, sessionID string) (bool, error) {
	sess, _, err := p.resolve(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}

	deleted, err := p.backend.DeletePod(ctx, sess.namespace, sess.podName)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()

	logger.Info("Pod session deleted", map[string]interface{}{
		"session_id": sessionID,
		"pod":        sess.podName,
		"existed":    deleted,
	})
	return deleted, nil
}

func (p *PodsProvider) Execute(ctx context.Context, sessionID, command string, timeout time.Duration) (*ExecResult, error) {
	sess, _, err := p.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, models.ErrNotFound
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := p.backend.ExecPod(execCtx, sess.namespace, sess.podName, []string{"/bin/sh", "-c", command})
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return &ExecResult{
				Success:    false,
				ReturnCode: ReturnCodeTimeout,
				Stderr:     fmt.Sprintf("command timed out after %s", timeout),
			}, nil
		}
		return &ExecResult{Success: false, ReturnCode: 1, Stderr: err.Error()}, nil
	}
	return &ExecResult{
		Success:    out.ReturnCode == 0,
		ReturnCode: out.ReturnCode,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
	}, nil
}

// ExecuteAsync launches the command as a detached background process inside
// the pod. Exit status and output land in per-job files under /tmp/sf that
// JobStatus inspects later.
func (p *PodsProvider) ExecuteAsync(ctx context.Context, sessionID, command string) (*JobHandle, error) {
	sess, _, err := p.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, models.ErrNotFound
	}

	jobID := uuid.NewString()[:8]
	inner := shellQuote(command + fmt.Sprintf("; echo $? > /tmp/sf/%s.rc", jobID))
	script := fmt.Sprintf(
		"mkdir -p /tmp/sf && nohup /bin/sh -c %s > /tmp/sf/%s.out 2> /tmp/sf/%s.err & echo started",
		inner, jobID, jobID,
	)

	out, err := p.backend.ExecPod(ctx, sess.namespace, sess.podName, []string{"/bin/sh", "-c", script})
	if err != nil {
		return nil, fmt.Errorf("failed to launch background command: %w", err)
	}
	if out.ReturnCode != 0 {
		return nil, fmt.Errorf("failed to launch background command: %s", out.Stderr)
	}

	return &JobHandle{
		Status:    "submitted",
		JobID:     jobID,
		JobName:   podName(sessionID) + "-" + jobID,
		SessionID: sessionID,
		Provider:  models.ProviderPods,
	}, nil
}

func (p *PodsProvider) JobStatus(ctx context.Context, handle *JobHandle) (*ExecResult, error) {
	sess, _, err := p.resolve(ctx, handle.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, models.ErrNotFound
	}

	probe := fmt.Sprintf("cat /tmp/sf/%s.rc 2>/dev/null", handle.JobID)
	out, err := p.backend.ExecPod(ctx, sess.namespace, sess.podName, []string{"/bin/sh", "-c", probe})
	if err != nil {
		return nil, err
	}

	rcText := strings.TrimSpace(out.Stdout)
	if rcText == "" {
		return &ExecResult{Success: false, ReturnCode: -1, Stderr: "job still running"}, nil
	}

	rc := 0
	fmt.Sscanf(rcText, "%d", &rc)

	collect := fmt.Sprintf("cat /tmp/sf/%s.out 2>/dev/null; echo '%s'; cat /tmp/sf/%s.err 2>/dev/null",
		handle.JobID, outputSeparator, handle.JobID)
	streams, err := p.backend.ExecPod(ctx, sess.namespace, sess.podName, []string{"/bin/sh", "-c", collect})
	if err != nil {
		return nil, err
	}
	stdout, stderr := splitOutput(streams.Stdout)

	return &ExecResult{
		Success:    rc == 0,
		ReturnCode: rc,
		Stdout:     stdout,
		Stderr:     stderr,
	}, nil
}

func (p *PodsProvider) OpenShell(ctx context.Context, sessionID string) (ShellStream, error) {
	sess, _, err := p.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, models.ErrNotFound
	}
	return p.backend.StreamPod(ctx, sess.namespace, sess.podName, []string{"/bin/sh"})
}

// resolve looks the session up in the registry first, then falls back to a
// label search against the backend so sessions survive process restarts.
// Absent sessions return (nil, nil, nil).
func (p *PodsProvider) resolve(ctx context.Context, sessionID string) (*podSession, *backend.PodStatus, error) {
	p.mu.RLock()
	sess, ok := p.sessions[sessionID]
	p.mu.RUnlock()
	if ok {
		return sess, nil, nil
	}

	status, err := p.backend.FindPod(ctx, SessionLabel, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if status == nil {
		return nil, nil, nil
	}

	// the backend's creation timestamp keeps age-based policy checks
	// honest across process restarts
	createdAt := status.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	sess = &podSession{
		info: &SessionInfo{
			ID:        sessionID,
			Provider:  models.ProviderPods,
			Status:    podPhaseToStatus(status),
			WebSocket: "/sessions/" + sessionID + "/shell",
			Details: map[string]string{
				"k8s_ns":   status.Namespace,
				"pod_name": status.Name,
			},
			CreatedAt: createdAt,
		},
		namespace: status.Namespace,
		podName:   status.Name,
	}
	p.mu.Lock()
	p.sessions[sessionID] = sess
	p.mu.Unlock()

	logger.Info("Restored pod session from backend", map[string]interface{}{
		"session_id": sessionID,
		"namespace":  status.Namespace,
	})
	return sess, status, nil
}

func podPhaseToStatus(status *backend.PodStatus) string {
	switch status.Phase {
	case "running":
		if status.Ready {
			return string(models.StatusRunning)
		}
		return string(models.StatusCreating)
	case "pending":
		return string(models.StatusCreating)
	case "succeeded":
		return string(models.StatusTerminated)
	case "failed":
		return string(models.StatusFailed)
	default:
		return string(models.StatusCreating)
	}
}

func applyResources(spec *backend.PodSpec, req *SessionRequest) {
	if req.Resources != nil {
		spec.CPURequest = req.Resources.CPURequest
		spec.CPULimit = req.Resources.CPULimit
		spec.MemoryRequest = req.Resources.MemoryRequest
		spec.MemoryLimit = req.Resources.MemoryLimit
		spec.GPUType = req.Resources.GPUType
		spec.GPUCount = req.Resources.GPUCount
		return
	}

	switch req.ResourcePackage {
	case "medium":
		spec.CPURequest, spec.CPULimit = "1", "2"
		spec.MemoryRequest, spec.MemoryLimit = "2Gi", "4Gi"
	case "large":
		spec.CPURequest, spec.CPULimit = "2", "4"
		spec.MemoryRequest, spec.MemoryLimit = "4Gi", "8Gi"
	case "gpu":
		spec.CPURequest, spec.CPULimit = "4", "8"
		spec.MemoryRequest, spec.MemoryLimit = "8Gi", "16Gi"
		spec.GPUCount = 1
	default:
		spec.CPURequest, spec.CPULimit = "500m", "1"
		spec.MemoryRequest, spec.MemoryLimit = "1Gi", "2Gi"
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

const outputSeparator = "---SF-STREAM-BOUNDARY---"

func splitOutput(combined string) (stdout, stderr string) {
	idx := strings.Index(combined, outputSeparator)
	if idx < 0 {
		return combined, ""
	}
	stdout = combined[:idx]
	stderr = strings.TrimPrefix(combined[idx+len(outputSeparator):], "\n")
	return stdout, stderr
}
