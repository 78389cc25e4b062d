package api

import (
	"time"

	"protoeval/internal/jobstore"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmitResponse is returned from POST /protocols.
type SubmitResponse struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	VersionToken string `json:"version_token"`
}

// StatusResponse is returned from GET /protocols/{jobID}/status.
type StatusResponse struct {
	JobID        string             `json:"job_id"`
	Status       string             `json:"status"`
	VersionToken string             `json:"version_token"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	Error        *jobstore.JobError `json:"error,omitempty"`
}

// VersionsResponse is returned from GET /versions.
type VersionsResponse struct {
	Versions      []string          `json:"versions"`
	APIVersionMap map[string]string `json:"api_version_map"`
}

// HealthzResponse is returned from GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}
