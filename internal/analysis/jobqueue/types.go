// Package jobqueue provides a bounded job queue drained by a fixed worker
// pool, with per-job retries under the shared backoff policy.
package jobqueue

import (
	"errors"
	"time"

	"github.com/tphakala/birdcam-go/internal/retry"
)

// Common errors that can be returned by job queue operations
var (
	ErrQueueStopped    = errors.New("job queue has been stopped")
	ErrQueueNotStarted = errors.New("job queue has not been started")
	ErrQueueFull       = errors.New("job queue is full")
	ErrShutdownTimeout = errors.New("timed out waiting for jobs to complete")
)

// Config sizes the queue and its worker pool
type Config struct {
	Workers    int           // fixed pool size
	QueueSize  int           // buffered slots before Enqueue blocks
	Retry      retry.Config  // per-job attempts and backoff
	JobTimeout time.Duration // deadline for a single attempt, 0 disables
}

// JobStatus represents the current status of a job in the queue
type JobStatus int

const (
	// JobStatusPending indicates the job is waiting for a worker
	JobStatusPending JobStatus = iota
	// JobStatusRunning indicates the job is currently being executed
	JobStatusRunning
	// JobStatusRetrying indicates the job failed and waits for another attempt
	JobStatusRetrying
	// JobStatusCompleted indicates the job has completed successfully
	JobStatusCompleted
	// JobStatusFailed indicates the job has failed and will not be retried
	JobStatusFailed
	// JobStatusCancelled indicates the job was abandoned during shutdown
	JobStatusCancelled
)

// String returns a string representation of the job status
func (s JobStatus) String() string {
	switch s {
	case JobStatusPending:
		return "Pending"
	case JobStatusRunning:
		return "Running"
	case JobStatusRetrying:
		return "Retrying"
	case JobStatusCompleted:
		return "Completed"
	case JobStatusFailed:
		return "Failed"
	case JobStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// StatsSnapshot provides a point-in-time snapshot of queue statistics
type StatsSnapshot struct {
	TotalJobs      int     `json:"total_jobs"`
	SuccessfulJobs int     `json:"successful_jobs"`
	FailedJobs     int     `json:"failed_jobs"`
	CancelledJobs  int     `json:"cancelled_jobs"`
	RetryAttempts  int     `json:"retry_attempts"`
	Running        int     `json:"running"`
	Pending        int     `json:"pending"`
	MaxQueueSize   int     `json:"max_queue_size"`
	Utilization    float64 `json:"queue_utilization"` // pending / capacity in percent
	Workers        int     `json:"workers"`
}
