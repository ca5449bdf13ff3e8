// Package backend holds the thin adapters that perform concrete backend
// calls (pod apply, job submit, exec) on behalf of the providers. The
// providers own session semantics; backends only translate narrow requests
// into SDK calls.
package backend

import (
	"context"
	"io"
	"time"
)

// ExecOutput is the raw result of one command run on a backend
type ExecOutput struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// PodSpec describes a long-lived session pod
type PodSpec struct {
	Namespace string
	Name      string
	Image     string
	Command   []string
	Env       map[string]string
	Labels    map[string]string

	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
	GPUType       string
	GPUCount      int

	// VolumeSizeGB > 0 provisions a persistent volume mounted at VolumeMountPath
	VolumeSizeGB    int
	VolumeMountPath string
}

// PodStatus is the observed state of a session pod
type PodStatus struct {
	Namespace string
	Name      string
	Phase     string // pending, running, succeeded, failed, unknown
	Ready     bool
	URL       string
	// CreatedAt is the backend's creation timestamp; zero when unknown
	CreatedAt time.Time
}

// ServiceSpec describes a per-session serverless service endpoint
type ServiceSpec struct {
	Namespace      string
	Name           string
	Image          string
	Env            map[string]string
	Labels         map[string]string
	IdleTTLMinutes int
}

// ServiceStatus is the observed state of a serverless service
type ServiceStatus struct {
	Namespace string
	Name      string
	Phase     string
	URL       string
	// CreatedAt is the backend's creation timestamp; zero when unknown
	CreatedAt time.Time
}

// JobSpec describes a one-shot command job
type JobSpec struct {
	Namespace string
	Name      string
	Image     string
	Command   []string
	Env       map[string]string
	Labels    map[string]string
}

// JobPhase is the coarse state of a submitted job
type JobPhase string

const (
	JobPending   JobPhase = "pending"
	JobRunning   JobPhase = "running"
	JobSucceeded JobPhase = "succeeded"
	JobFailed    JobPhase = "failed"
)

// Terminal reports whether the phase is final
func (p JobPhase) Terminal() bool {
	return p == JobSucceeded || p == JobFailed
}

// JobState is the observed state of a job, with output once terminal
type JobState struct {
	Phase      JobPhase
	ReturnCode int
	Stdout     string
	Stderr     string
}

// PodBackend is the narrow contract the pods provider drives
type PodBackend interface {
	CreatePod(ctx context.Context, spec PodSpec) (*PodStatus, error)
	GetPod(ctx context.Context, namespace, name string) (*PodStatus, error)
	// FindPod locates a pod by label across namespaces; absent returns (nil, nil)
	FindPod(ctx context.Context, labelKey, labelValue string) (*PodStatus, error)
	// DeletePod is idempotent; deleting an absent pod returns (false, nil)
	DeletePod(ctx context.Context, namespace, name string) (bool, error)
	// ExecPod runs a command in the live pod, honoring ctx cancellation
	ExecPod(ctx context.Context, namespace, name string, command []string) (*ExecOutput, error)
	// StreamPod opens a bidirectional byte stream to a shell in the pod
	StreamPod(ctx context.Context, namespace, name string, command []string) (io.ReadWriteCloser, error)
}

// JobBackend is the narrow contract the jobs provider drives
type JobBackend interface {
	CreateService(ctx context.Context, spec ServiceSpec) (*ServiceStatus, error)
	GetService(ctx context.Context, namespace, name string) (*ServiceStatus, error)
	// DeleteService is idempotent; deleting an absent service returns (false, nil)
	DeleteService(ctx context.Context, namespace, name string) (bool, error)
	// SubmitJob submits a one-shot job and returns immediately
	SubmitJob(ctx context.Context, spec JobSpec) (string, error)
	GetJob(ctx context.Context, namespace, name string) (*JobState, error)
}
