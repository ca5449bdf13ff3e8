package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionforge/orchestrator/internal/backend"
	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/pkg/config"
	"github.com/sessionforge/orchestrator/pkg/logger"
)

// jobPollInterval is how often a synchronous execute re-checks a submitted job
const jobPollInterval = 2 * time.Second

// JobsProvider realizes sessions as serverless service endpoints. Commands
// are not run in-band with the service: each execute submits a one-shot job
// in an environment equivalent to the service container. The service may
// scale to zero while idle; job submission cold-starts nothing because jobs
// carry their own containers.
type JobsProvider struct {
	backend backend.JobBackend
	cfg     *config.Config

	mu       sync.RWMutex
	sessions map[string]*jobsSession
}

type jobsSession struct {
	info   *SessionInfo
	image  string
	env    map[string]string
	bucket string
}

func NewJobsProvider(b backend.JobBackend, cfg *config.Config) *JobsProvider {
	return &JobsProvider{
		backend:  b,
		cfg:      cfg,
		sessions: make(map[string]*jobsSession),
	}
}

func (p *JobsProvider) Name() string { return models.ProviderJobs }

func serviceName(sessionID string) string { return "sess-" + sessionID }

func (p *JobsProvider) Create(ctx context.Context, req *SessionRequest) (*SessionInfo, error) {
	name := serviceName(req.SessionID)
	image := resolveImage(req, p.cfg)
	env := sessionEnv(req)

	ttl := req.TTLMinutes
	if ttl <= 0 {
		ttl = p.cfg.DefaultTTLMinutes
	}

	status, err := p.backend.CreateService(ctx, backend.ServiceSpec{
		Namespace: p.cfg.JobsNamespace,
		Name:      name,
		Image:     image,
		Env:       env,
		Labels: map[string]string{
			SessionLabel: req.SessionID,
		},
		IdleTTLMinutes: ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("jobs provider create failed: %w", err)
	}

	info := &SessionInfo{
		ID:          req.SessionID,
		Provider:    models.ProviderJobs,
		WorkspaceID: req.WorkspaceID,
		User:        req.User,
		Namespace:   req.Namespace,
		Status:      string(models.StatusRunning),
		URL:         status.URL,
		WebSocket:   "/sessions/" + req.SessionID + "/shell",
		Details: map[string]string{
			"service_url":    status.URL,
			"jobs_namespace": p.cfg.JobsNamespace,
			"service_name":   name,
		},
		CreatedAt: time.Now().UTC(),
	}

	sess := &jobsSession{info: info, image: image, env: env}
	if req.RequestBucket {
		sess.bucket = bucketName(req.SessionID)
	}

	p.mu.Lock()
	p.sessions[req.SessionID] = sess
	p.mu.Unlock()

	logger.Info("Jobs session created", map[string]interface{}{
		"session_id": req.SessionID,
		"service":    name,
		"url":        status.URL,
	})
	return info, nil
}

func (p *JobsProvider) Get(ctx context.Context, sessionID string) (*SessionInfo, error) {
	status, err := p.backend.GetService(ctx, p.cfg.JobsNamespace, serviceName(sessionID))
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, nil
	}

	p.mu.RLock()
	sess, ok := p.sessions[sessionID]
	p.mu.RUnlock()

	if !ok {
		// the backend's creation timestamp keeps age-based policy checks
		// honest across process restarts
		createdAt := status.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		sess = &jobsSession{
			info: &SessionInfo{
				ID:        sessionID,
				Provider:  models.ProviderJobs,
				Status:    string(models.StatusRunning),
				WebSocket: "/sessions/" + sessionID + "/shell",
				Details: map[string]string{
					"service_url":    status.URL,
					"jobs_namespace": p.cfg.JobsNamespace,
					"service_name":   status.Name,
				},
				CreatedAt: createdAt,
			},
			image: p.cfg.DefaultImage,
			env:   map[string]string{"SESSION_ID": sessionID},
		}
		p.mu.Lock()
		p.sessions[sessionID] = sess
		p.mu.Unlock()
		logger.Info("Restored jobs session from backend", map[string]interface{}{
			"session_id": sessionID,
		})
	}

	info := *sess.info
	info.URL = status.URL
	return &info, nil
}

func (p *JobsProvider) Delete(ctx context.Context, sessionID string) (bool, error) {
	deleted, err := p.backend.DeleteService(ctx, p.cfg.JobsNamespace, serviceName(sessionID))
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	sess := p.sessions[sessionID]
	delete(p.sessions, sessionID)
	p.mu.Unlock()

	if sess != nil && sess.bucket != "" {
		// Bucket scaffolding is provisioned out-of-band; dropping the
		// reference here is what makes delete idempotent for it.
		logger.Info("Released session bucket", map[string]interface{}{
			"session_id": sessionID,
			"bucket":     sess.bucket,
		})
	}

	logger.Info("Jobs session deleted", map[string]interface{}{
		"session_id": sessionID,
		"existed":    deleted,
	})
	return deleted, nil
}

// execEnv returns the image and env an exec job should run with. Sessions
// unknown to the registry (after a restart) fall back to defaults.
func (p *JobsProvider) execEnv(sessionID string) (string, map[string]string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if sess, ok := p.sessions[sessionID]; ok {
		return sess.image, sess.env
	}
	return p.cfg.DefaultImage, map[string]string{"SESSION_ID": sessionID}
}

func (p *JobsProvider) submit(ctx context.Context, sessionID, command string) (string, error) {
	image, env := p.execEnv(sessionID)
	jobName := fmt.Sprintf("sess-%.8s-%.8s", sessionID, uuid.NewString())

	_, err := p.backend.SubmitJob(ctx, backend.JobSpec{
		Namespace: p.cfg.JobsNamespace,
		Name:      jobName,
		Image:     image,
		Command:   []string{"/bin/sh", "-c", command},
		Env:       env,
		Labels: map[string]string{
			SessionLabel: sessionID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("job submit failed: %w", err)
	}
	return jobName, nil
}

// Execute submits a one-shot job and polls until it reaches a terminal
// state or the timeout elapses. On timeout the job keeps running; the
// caller gets returncode 124.
func (p *JobsProvider) Execute(ctx context.Context, sessionID, command string, timeout time.Duration) (*ExecResult, error) {
	jobName, err := p.submit(ctx, sessionID, command)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	for {
		state, err := p.backend.GetJob(ctx, p.cfg.JobsNamespace, jobName)
		if err != nil {
			return nil, err
		}
		if state != nil && state.Phase.Terminal() {
			return &ExecResult{
				Success:    state.Phase == backend.JobSucceeded,
				ReturnCode: state.ReturnCode,
				Stdout:     state.Stdout,
				Stderr:     state.Stderr,
			}, nil
		}

		if timeout > 0 && time.Now().After(deadline) {
			return &ExecResult{
				Success:    false,
				ReturnCode: ReturnCodeTimeout,
				Stderr:     fmt.Sprintf("job %s did not finish within %s", jobName, timeout),
			}, nil
		}

		select {
		case <-ctx.Done():
			return &ExecResult{
				Success:    false,
				ReturnCode: ReturnCodeTimeout,
				Stderr:     "execution cancelled",
			}, nil
		case <-ticker.C:
		}
	}
}

func (p *JobsProvider) ExecuteAsync(ctx context.Context, sessionID, command string) (*JobHandle, error) {
	jobName, err := p.submit(ctx, sessionID, command)
	if err != nil {
		return nil, err
	}
	return &JobHandle{
		Status:    "submitted",
		JobID:     jobName,
		JobName:   jobName,
		SessionID: sessionID,
		Provider:  models.ProviderJobs,
	}, nil
}

func (p *JobsProvider) JobStatus(ctx context.Context, handle *JobHandle) (*ExecResult, error) {
	state, err := p.backend.GetJob(ctx, p.cfg.JobsNamespace, handle.JobName)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, models.ErrNotFound
	}
	if !state.Phase.Terminal() {
		return &ExecResult{Success: false, ReturnCode: -1, Stderr: "job still running"}, nil
	}
	return &ExecResult{
		Success:    state.Phase == backend.JobSucceeded,
		ReturnCode: state.ReturnCode,
		Stdout:     state.Stdout,
		Stderr:     state.Stderr,
	}, nil
}

// OpenShell multiplexes line-buffered input over successive one-shot jobs.
// Each input line becomes a job; its stdout, stderr and exit marker stream
// back as output frames. Latency is dominated by job submission, which is
// the cost of the serverless model.
func (p *JobsProvider) OpenShell(ctx context.Context, sessionID string) (ShellStream, error) {
	info, err := p.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, models.ErrNotFound
	}

	pr, pw := io.Pipe()
	shell := &jobsShell{
		provider:  p,
		sessionID: sessionID,
		ctx:       ctx,
		out:       pr,
		outW:      pw,
		lines:     make(chan string, 16),
	}
	go shell.run()
	return shell, nil
}

type jobsShell struct {
	provider  *JobsProvider
	sessionID string
	ctx       context.Context

	out  *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	pending strings.Builder
	lines   chan string
	closed  bool
}

// Write accepts raw input bytes and cuts them into command lines
func (s *jobsShell) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}

	s.pending.Write(b)
	buffered := s.pending.String()
	for {
		idx := strings.IndexByte(buffered, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(buffered[:idx], "\r")
		buffered = buffered[idx+1:]
		if strings.TrimSpace(line) != "" {
			s.lines <- line
		}
	}
	s.pending.Reset()
	s.pending.WriteString(buffered)
	return len(b), nil
}

func (s *jobsShell) Read(b []byte) (int, error) {
	return s.out.Read(b)
}

func (s *jobsShell) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.lines)
	s.mu.Unlock()
	return s.outW.Close()
}

// run executes queued command lines serially and streams results back
func (s *jobsShell) run() {
	w := bufio.NewWriter(s.outW)
	for line := range s.lines {
		result, err := s.provider.Execute(s.ctx, s.sessionID, line, 5*time.Minute)
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			w.Flush()
			continue
		}
		if result.Stdout != "" {
			w.WriteString(result.Stdout)
			if !strings.HasSuffix(result.Stdout, "\n") {
				w.WriteByte('\n')
			}
		}
		if result.Stderr != "" {
			w.WriteString(result.Stderr)
			if !strings.HasSuffix(result.Stderr, "\n") {
				w.WriteByte('\n')
			}
		}
		if !result.Success {
			fmt.Fprintf(w, "[exit %d]\n", result.ReturnCode)
		}
		w.Flush()
	}
}
