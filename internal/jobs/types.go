// Package jobs describes asynchronous ingestion runs requested over the API.
package jobs

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/txsync/internal/pipeline"
)

// ErrJobNotFound is returned by JobStore lookups of an unknown id.
var ErrJobNotFound = errors.New("job not found")

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed. Failed runs are not retried;
	// the caller submits a new one.
	JobStatusFailed JobStatus = "failed"
)

// IngestRunJob is one requested ingestion of a date window.
type IngestRunJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	StartDate civil.Date `json:"start_date"`
	EndDate   civil.Date `json:"end_date"`

	// Export also writes the configured workbook after a successful run.
	Export bool `json:"export"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the job started processing.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the job completed (success or failure).
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Summary is set once the pipeline has finished.
	Summary *pipeline.Summary `json:"summary,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// PublishIngestRun enqueues an ingestion run.
	PublishIngestRun(ctx context.Context, job *IngestRunJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes one job. It may fill in job.Summary; a returned
// error marks the job failed.
type JobHandler func(ctx context.Context, job *IngestRunJob) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *IngestRunJob) error

	// GetJob retrieves a job by ID, or ErrJobNotFound.
	GetJob(ctx context.Context, jobID string) (*IngestRunJob, error)

	// ListJobs retrieves jobs, newest first, with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*IngestRunJob, error)
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
