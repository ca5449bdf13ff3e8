package provider

import (
	"strings"

	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/pkg/config"
)

// Select picks the provider for a request. Callers asking for "auto" get
// jobs unless a hint demands the long-lived backend. An unrecognized
// provider name falls back to pods, the more capable backend; the returned
// flag tells the caller to log the fallback.
func Select(req *SessionRequest) (name string, fallback bool) {
	switch strings.ToLower(strings.TrimSpace(req.Provider)) {
	case models.ProviderJobs:
		return models.ProviderJobs, false
	case models.ProviderPods:
		return models.ProviderPods, false
	case models.ProviderAuto, "":
		// fall through to hints
	default:
		return models.ProviderPods, true
	}

	if req.NeedsShell {
		return models.ProviderPods, false
	}
	if req.LongLived {
		return models.ProviderPods, false
	}
	if req.ExpectedDurationMinutes > 60 {
		return models.ProviderPods, false
	}
	return models.ProviderJobs, false
}

// resolveImage picks the container image for a request. An explicit image
// URL wins, then the symbolic image type, then the configured default.
func resolveImage(req *SessionRequest, cfg *config.Config) string {
	if req.Image.ImageURL != "" {
		if req.Image.ImageTag != "" && !strings.Contains(req.Image.ImageURL, ":") {
			return req.Image.ImageURL + ":" + req.Image.ImageTag
		}
		return req.Image.ImageURL
	}
	switch req.Image.ImageType {
	case "python":
		return "python:3.12-slim"
	case "node":
		return "node:22-slim"
	case "golang":
		return "golang:1.24"
	case "":
		return cfg.DefaultImage
	default:
		return cfg.DefaultImage
	}
}

// sessionEnv builds the environment every session container receives.
// Caller-supplied env wins over the injected identity variables.
func sessionEnv(req *SessionRequest) map[string]string {
	env := map[string]string{
		"SESSION_ID":   req.SessionID,
		"WORKSPACE_ID": req.WorkspaceID,
		"NAMESPACE":    req.Namespace,
		"USER":         req.User,
	}
	if req.RequestBucket {
		env["BUCKET_NAME"] = bucketName(req.SessionID)
	}
	for k, v := range req.Env {
		env[k] = v
	}
	return env
}

// bucketName is the deterministic per-session bucket name
func bucketName(sessionID string) string {
	return "sess-" + sessionID + "-bucket"
}
