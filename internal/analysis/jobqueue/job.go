package jobqueue

import (
	"sync"
	"time"
)

// Job represents a unit of work in the job queue
type Job[T any] struct {
	ID          string    // Unique ID for this job
	Item        T         // Data handed to the handler
	MaxAttempts int       // Maximum number of attempts allowed
	CreatedAt   time.Time // When the job was created

	mu        sync.Mutex
	attempts  int
	status    JobStatus
	lastError error
	done      chan struct{}
}

func newJob[T any](id string, item T, maxAttempts int) *Job[T] {
	return &Job[T]{
		ID:          id,
		Item:        item,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
		status:      JobStatusPending,
		done:        make(chan struct{}),
	}
}

// Status returns the current status
func (j *Job[T]) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Attempts returns the number of attempts made so far
func (j *Job[T]) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// LastError returns the error of the most recent failed attempt
func (j *Job[T]) LastError() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastError
}

// Done is closed once the job reaches a terminal status
func (j *Job[T]) Done() <-chan struct{} {
	return j.done
}

func (j *Job[T]) setStatus(s JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = s
}

func (j *Job[T]) startAttempt() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts++
	j.status = JobStatusRunning
	return j.attempts
}

func (j *Job[T]) recordFailure(err error, terminal bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastError = err
	if !terminal {
		j.status = JobStatusRetrying
	}
}

// finish moves the job to a terminal status exactly once
func (j *Job[T]) finish(s JobStatus, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	select {
	case <-j.done:
		return
	default:
	}
	j.status = s
	if err != nil {
		j.lastError = err
	}
	close(j.done)
}
