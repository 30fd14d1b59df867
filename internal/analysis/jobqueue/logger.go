package jobqueue

import (
	"context"
	"time"

	"github.com/tphakala/birdcam-go/internal/logger"
)

const serviceName = "analysis.jobqueue"

// GetLogger returns the jobqueue package logger
func GetLogger() logger.Logger {
	return logger.Global().Module(serviceName)
}

// LogJobEnqueued logs when a job is successfully enqueued
func LogJobEnqueued(ctx context.Context, jobID string, pending int) {
	GetLogger().WithContext(ctx).Debug("job enqueued",
		logger.String("job_id", jobID),
		logger.Int("pending", pending))
}

// LogJobStarted logs when a job starts processing
func LogJobStarted(ctx context.Context, jobID string, attempt int) {
	GetLogger().WithContext(ctx).Debug("job started",
		logger.String("job_id", jobID),
		logger.Int("attempt", attempt))
}

// LogJobCompleted logs when a job completes successfully
func LogJobCompleted(ctx context.Context, jobID string, attempts int, duration time.Duration) {
	log := GetLogger().WithContext(ctx)
	fields := []logger.Field{
		logger.String("job_id", jobID),
		logger.Int("attempts", attempts),
		logger.Duration("duration", duration),
	}
	if attempts > 1 {
		log.Info("job succeeded after retry", fields...)
		return
	}
	log.Debug("job completed", fields...)
}

// LogJobFailed logs when a job fails. Retryable failures log at WARN, the
// final failure at ERROR.
func LogJobFailed(ctx context.Context, jobID string, attempt, maxAttempts int, err error) {
	log := GetLogger().WithContext(ctx)
	fields := []logger.Field{
		logger.String("job_id", jobID),
		logger.Int("attempt", attempt),
		logger.Int("max_attempts", maxAttempts),
		logger.Error(err),
		logger.Bool("will_retry", attempt < maxAttempts),
	}
	if attempt >= maxAttempts {
		log.Error("job failed permanently", fields...)
		return
	}
	log.Warn("job failed", fields...)
}

// LogQueueStats logs queue statistics, typically at shutdown
func LogQueueStats(ctx context.Context, s StatsSnapshot) {
	GetLogger().WithContext(ctx).Info("queue statistics",
		logger.Int("total", s.TotalJobs),
		logger.Int("successful", s.SuccessfulJobs),
		logger.Int("failed", s.FailedJobs),
		logger.Int("cancelled", s.CancelledJobs),
		logger.Int("retry_attempts", s.RetryAttempts))
}
