// Package provider implements the uniform session contract over the jobs
// (serverless one-shot exec) and pods (long-lived exec) backends.
package provider

import (
	"context"
	"io"
	"time"
)

// ResourceSpec is an explicit resource ask attached to a session request
type ResourceSpec struct {
	CPURequest    string `json:"cpu_request,omitempty"`
	CPULimit      string `json:"cpu_limit,omitempty"`
	MemoryRequest string `json:"memory_request,omitempty"`
	MemoryLimit   string `json:"memory_limit,omitempty"`
	GPUType       string `json:"gpu_type,omitempty"`
	GPUCount      int    `json:"gpu_count,omitempty"`
}

// ImageSpec selects the container image for a session
type ImageSpec struct {
	ImageType string `json:"image_type,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	ImageTag  string `json:"image_tag,omitempty"`
}

// SessionRequest is the recognized session creation request
type SessionRequest struct {
	SessionID  string `json:"session_id"`
	Provider   string `json:"provider"` // auto|jobs|pods
	TemplateID string `json:"template_id,omitempty"`

	WorkspaceID string `json:"workspace_id"`
	Namespace   string `json:"namespace"`
	User        string `json:"user"`

	TTLMinutes int `json:"ttl_minutes"`

	ResourcePackage string        `json:"resource_package,omitempty"`
	Resources       *ResourceSpec `json:"resource_spec,omitempty"`
	Image           ImageSpec     `json:"image_spec,omitempty"`

	RequestPersistentStorage bool `json:"request_persistent_storage"`
	PersistentStorageSizeGB  int  `json:"persistent_storage_size_gb"`
	RequestBucket            bool `json:"request_bucket"`
	BucketSizeGB             int  `json:"bucket_size_gb,omitempty"`

	Env map[string]string `json:"env,omitempty"`

	// Hints for provider selection
	NeedsShell              bool `json:"needs_shell"`
	LongLived               bool `json:"long_lived"`
	ExpectedDurationMinutes int  `json:"expected_duration_minutes"`

	// PreInstall commands overlaid from a template, run after creation
	PreInstall []string `json:"-"`
}

// SessionInfo is the uniform session view returned by every provider
type SessionInfo struct {
	ID          string            `json:"id"`
	Provider    string            `json:"provider"`
	WorkspaceID string            `json:"workspace_id"`
	User        string            `json:"user"`
	Namespace   string            `json:"namespace"`
	Status      string            `json:"status"`
	URL         string            `json:"url,omitempty"`
	WebSocket   string            `json:"websocket,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ExecResult is the outcome of one command execution
type ExecResult struct {
	Success    bool   `json:"success"`
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// JobHandle references an asynchronously submitted command
type JobHandle struct {
	Status    string `json:"status"` // always "submitted"
	JobID     string `json:"job_id"`
	JobName   string `json:"job_name"`
	SessionID string `json:"session_id"`
	Provider  string `json:"provider"`
}

// ShellStream is the bidirectional byte stream backing an interactive shell
type ShellStream io.ReadWriteCloser

// ReturnCodeTimeout is the exit code reported when an execute exceeds its
// caller-supplied deadline. The backend is not guaranteed to have cancelled.
const ReturnCodeTimeout = 124

// Driver is the capability set every provider implements
type Driver interface {
	Name() string
	Create(ctx context.Context, req *SessionRequest) (*SessionInfo, error)
	// Get may refresh status from the backend; absent sessions return (nil, nil)
	Get(ctx context.Context, sessionID string) (*SessionInfo, error)
	// Delete is idempotent; absent resources are not an error
	Delete(ctx context.Context, sessionID string) (bool, error)
	Execute(ctx context.Context, sessionID, command string, timeout time.Duration) (*ExecResult, error)
	ExecuteAsync(ctx context.Context, sessionID, command string) (*JobHandle, error)
	JobStatus(ctx context.Context, handle *JobHandle) (*ExecResult, error)
	OpenShell(ctx context.Context, sessionID string) (ShellStream, error)
}

// SessionLabel is attached to every backend resource for reverse lookup
const SessionLabel = "sessionforge.io/session-id"
