package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/logger"
	"github.com/tphakala/birdcam-go/internal/retry"
)

// Handler processes one queued item. Returning retry.Permanent(err) skips
// the remaining attempts.
type Handler[T any] func(ctx context.Context, item T) error

// CompletionFunc is called once per job after it reaches a terminal status,
// which job.Status reports. err is nil for completed jobs.
type CompletionFunc[T any] func(job *Job[T], err error)

// Option configures a Queue
type Option[T any] func(*Queue[T])

// WithOnComplete registers a completion callback
func WithOnComplete[T any](fn CompletionFunc[T]) Option[T] {
	return func(q *Queue[T]) { q.onComplete = fn }
}

// Queue is a bounded FIFO of jobs drained by a fixed pool of workers. When
// the buffer is full Enqueue blocks, which pushes back on the producer.
type Queue[T any] struct {
	cfg        Config
	handler    Handler[T]
	onComplete CompletionFunc[T]

	jobs     chan *Job[T]
	stopping chan struct{} // closed when intake stops
	drain    chan struct{} // closed once no sender can still be in flight
	intake   sync.RWMutex  // held shared by senders, exclusively by Stop

	mu         sync.Mutex
	started    bool
	stopped    bool
	jobCounter int
	stats      StatsSnapshot

	running atomic.Int32
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// New creates a queue. It does not process anything until Start is called.
func New[T any](cfg Config, handler Handler[T], opts ...Option[T]) (*Queue[T], error) {
	if handler == nil {
		return nil, errors.Newf("job queue handler cannot be nil").
			Category(errors.CategoryValidation).
			Component("analysis.jobqueue").
			Build()
	}
	if cfg.Workers < 1 || cfg.QueueSize < 1 {
		return nil, errors.Newf("job queue needs at least one worker and one slot, got workers=%d queue_size=%d", cfg.Workers, cfg.QueueSize).
			Category(errors.CategoryValidation).
			Component("analysis.jobqueue").
			Build()
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}

	q := &Queue[T]{
		cfg:      cfg,
		handler:  handler,
		jobs:     make(chan *Job[T], cfg.QueueSize),
		stopping: make(chan struct{}),
		drain:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Start launches the worker pool. The workers keep running until Stop is
// called; cancelling ctx does not abort in-flight jobs.
func (q *Queue[T]) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrQueueStopped
	}
	if q.started {
		return nil
	}
	q.started = true

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.group, workCtx = errgroup.WithContext(workCtx)

	for range q.cfg.Workers {
		q.group.Go(func() error {
			return q.worker(workCtx)
		})
	}

	GetLogger().Debug("job queue started",
		logger.Int("workers", q.cfg.Workers),
		logger.Int("queue_size", q.cfg.QueueSize))
	return nil
}

// Enqueue adds item to the queue, blocking while the queue is full until a
// slot frees, ctx is done or the queue stops.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) (*Job[T], error) {
	q.intake.RLock()
	defer q.intake.RUnlock()

	job, err := q.newJob(item)
	if err != nil {
		return nil, err
	}

	select {
	case q.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.stopping:
		return nil, ErrQueueStopped
	}

	q.accepted()
	LogJobEnqueued(ctx, job.ID, len(q.jobs))
	return job, nil
}

// TryEnqueue adds item without blocking and returns ErrQueueFull when no
// slot is free.
func (q *Queue[T]) TryEnqueue(item T) (*Job[T], error) {
	q.intake.RLock()
	defer q.intake.RUnlock()

	job, err := q.newJob(item)
	if err != nil {
		return nil, err
	}

	select {
	case q.jobs <- job:
	default:
		return nil, fmt.Errorf("%w: maximum queue size (%d) reached", ErrQueueFull, q.cfg.QueueSize)
	}

	q.accepted()
	return job, nil
}

func (q *Queue[T]) newJob(item T) (*Job[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return nil, ErrQueueStopped
	}
	if !q.started {
		return nil, ErrQueueNotStarted
	}

	q.jobCounter++
	return newJob(fmt.Sprintf("job-%d", q.jobCounter), item, q.cfg.Retry.MaxAttempts), nil
}

func (q *Queue[T]) accepted() {
	q.mu.Lock()
	q.stats.TotalJobs++
	q.mu.Unlock()
}

// Stop stops intake and waits up to timeout for queued and in-flight jobs.
// When the timeout passes, the context handed to running handlers is
// cancelled and jobs still in the buffer are marked cancelled.
func (q *Queue[T]) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.stopped = true
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.stopping)
	q.mu.Unlock()

	// Wait out senders that were already past the stopped check
	q.intake.Lock()
	close(q.drain)
	q.intake.Unlock()

	done := make(chan struct{})
	go func() {
		_ = q.group.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		q.cancel()
		<-done
		err = fmt.Errorf("%w after %v", ErrShutdownTimeout, timeout)
	}
	q.cancel()

	q.cancelLeftover()

	LogQueueStats(context.Background(), q.Stats())
	return err
}

// cancelLeftover marks jobs that never reached a worker as cancelled
func (q *Queue[T]) cancelLeftover() {
	for {
		select {
		case job := <-q.jobs:
			q.complete(job, JobStatusCancelled, ErrQueueStopped)
		default:
			return
		}
	}
}

func (q *Queue[T]) worker(ctx context.Context) error {
	for {
		select {
		case job := <-q.jobs:
			q.execute(ctx, job)
		case <-q.drain:
			for {
				select {
				case job := <-q.jobs:
					q.execute(ctx, job)
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// execute runs every attempt of a job and records the outcome
func (q *Queue[T]) execute(ctx context.Context, job *Job[T]) {
	q.running.Add(1)
	defer q.running.Add(-1)

	if ctx.Err() != nil {
		q.complete(job, JobStatusCancelled, ctx.Err())
		return
	}

	start := time.Now()
	err := retry.Do(ctx, q.cfg.Retry, func(ctx context.Context) error {
		attempt := job.startAttempt()
		if attempt > 1 {
			q.mu.Lock()
			q.stats.RetryAttempts++
			q.mu.Unlock()
		}
		LogJobStarted(ctx, job.ID, attempt)

		err := q.runAttempt(ctx, job)
		if err != nil {
			terminal := attempt >= job.MaxAttempts || retry.IsPermanent(err)
			job.recordFailure(err, terminal)
			maxAttempts := job.MaxAttempts
			if terminal {
				maxAttempts = attempt
			}
			LogJobFailed(ctx, job.ID, attempt, maxAttempts, err)
		}
		return err
	})

	switch {
	case err == nil:
		LogJobCompleted(ctx, job.ID, job.Attempts(), time.Since(start))
		q.complete(job, JobStatusCompleted, nil)
	case ctx.Err() != nil:
		q.complete(job, JobStatusCancelled, err)
	default:
		q.complete(job, JobStatusFailed, err)
	}
}

func (q *Queue[T]) complete(job *Job[T], status JobStatus, err error) {
	q.mu.Lock()
	switch status {
	case JobStatusCompleted:
		q.stats.SuccessfulJobs++
	case JobStatusFailed:
		q.stats.FailedJobs++
	case JobStatusCancelled:
		q.stats.CancelledJobs++
	}
	q.mu.Unlock()

	if q.onComplete != nil {
		job.setStatus(status)
		q.onComplete(job, err)
	}
	job.finish(status, err)
}

// runAttempt executes the handler once with panic recovery and the optional
// per-attempt deadline.
func (q *Queue[T]) runAttempt(ctx context.Context, job *Job[T]) error {
	execCtx := ctx
	if q.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, q.cfg.JobTimeout)
		defer cancel()
	}

	var err error
	done := make(chan struct{})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("job execution panicked: %v", r).
					Category(errors.CategoryJobQueue).
					Component("analysis.jobqueue").
					Context("job_id", job.ID).
					Build()
			}
			close(done)
		}()

		err = q.handler(execCtx, job.Item)
	}()

	select {
	case <-done:
		if err != nil && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return q.timeoutError(execCtx.Err())
		}
		return err
	case <-execCtx.Done():
		if ctx.Err() == nil {
			return q.timeoutError(execCtx.Err())
		}
		return retry.Permanent(fmt.Errorf("job execution was cancelled: %w", ctx.Err()))
	}
}

func (q *Queue[T]) timeoutError(cause error) error {
	return errors.New(fmt.Errorf("job execution timed out after %v: %w", q.cfg.JobTimeout, cause)).
		Category(errors.CategoryTimeout).
		Component("analysis.jobqueue").
		Build()
}

// Len returns the number of jobs waiting for a worker
func (q *Queue[T]) Len() int {
	return len(q.jobs)
}

// Running returns the number of jobs currently being executed
func (q *Queue[T]) Running() int {
	return int(q.running.Load())
}

// Stats returns a snapshot of the current job statistics
func (q *Queue[T]) Stats() StatsSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Pending = len(q.jobs)
	s.Running = int(q.running.Load())
	s.MaxQueueSize = q.cfg.QueueSize
	s.Workers = q.cfg.Workers
	if s.MaxQueueSize > 0 {
		s.Utilization = float64(s.Pending) / float64(s.MaxQueueSize) * 100
	}
	return s
}
