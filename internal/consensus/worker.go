package consensus

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/forecastex/forecastex/internal/models"
)

// BackoffFn returns the delay before retry attempt n (0-based).
type BackoffFn func(attempt int) time.Duration

// ExponentialBackoff doubles from base: base, 2*base, 4*base, ...
func ExponentialBackoff(base time.Duration) BackoffFn {
	return func(attempt int) time.Duration {
		return base << uint(attempt)
	}
}

// Worker drains the job queue: it claims pending jobs and drives each one
// through submitting → submitted against the external log, with a bounded
// in-claim retry loop for transient submission errors. Workers run on a
// fixed interval and also drain immediately when a producer signals.
type Worker struct {
	ID       string
	queue    *Queue
	log      LogClient
	logger   *zap.Logger
	interval time.Duration
	backoff  BackoffFn
}

// NewWorker creates a worker polling the queue every interval.
func NewWorker(id string, queue *Queue, log LogClient, interval time.Duration, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		ID:       id,
		queue:    queue,
		log:      log,
		logger:   logger.With(zap.String("worker_id", id)),
		interval: interval,
		backoff:  ExponentialBackoff(time.Second),
	}
}

// SetBackoff overrides the submission retry backoff. Tests use a zero
// backoff to avoid sleeping.
func (w *Worker) SetBackoff(fn BackoffFn) { w.backoff = fn }

// Start runs the worker loop until the context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("consensus worker started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("consensus worker stopped")
			return
		case <-ticker.C:
		case <-w.queue.Wake():
		}
		if n := w.RunOnce(ctx); n > 0 {
			w.logger.Debug("drained jobs", zap.Int("count", n))
		}
	}
}

// RunOnce claims and processes jobs until the queue has nothing eligible.
// Returns the number of jobs processed.
func (w *Worker) RunOnce(ctx context.Context) int {
	processed := 0
	for {
		if ctx.Err() != nil {
			return processed
		}
		job, err := w.queue.ClaimNext(ctx, w.ID)
		if err != nil {
			w.logger.Error("claim failed", zap.Error(err))
			return processed
		}
		if job == nil {
			return processed
		}
		if err := w.process(ctx, job); err != nil {
			w.logger.Error("job processing failed",
				zap.String("job_id", job.ID.String()),
				zap.String("kind", job.Kind),
				zap.Error(err))
		}
		processed++
	}
}

// process drives one claimed job to submitted or failed.
func (w *Worker) process(ctx context.Context, job *models.ConsensusJob) error {
	// Idempotency: a job that already made it past submission is a no-op.
	if job.Status == models.JobStatusSubmitted || job.Terminal() {
		return nil
	}
	if err := w.queue.MarkSubmitting(ctx, job); err != nil {
		if errors.Is(err, ErrStaleClaim) {
			return nil
		}
		return err
	}

	txRef, err := w.submitWithRetry(ctx, job)
	if err != nil {
		return w.queue.MarkFailed(ctx, job, err.Error())
	}
	if err := w.queue.MarkSubmitted(ctx, job, txRef); err != nil {
		if errors.Is(err, ErrStaleClaim) {
			return nil
		}
		return err
	}
	w.logger.Info("job submitted to consensus log",
		zap.String("job_id", job.ID.String()),
		zap.String("kind", job.Kind),
		zap.String("transaction_ref", txRef))
	return nil
}

// submitWithRetry hands the payload to the external log, retrying transient
// errors up to the job's retry budget while the claim is held.
func (w *Worker) submitWithRetry(ctx context.Context, job *models.ConsensusJob) (string, error) {
	var lastErr error
	attempts := job.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(w.backoff(attempt - 1)):
			}
		}
		txRef, err := w.submit(ctx, job)
		if err == nil {
			return txRef, nil
		}
		lastErr = err
		w.logger.Warn("submission attempt failed",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return "", lastErr
}

func (w *Worker) submit(ctx context.Context, job *models.ConsensusJob) (string, error) {
	if job.Kind == models.JobKindCreateTopic {
		payload, err := DecodePayload(job)
		if err != nil {
			return "", err
		}
		return w.log.CreateTopic(ctx, payload.(TopicPayload).Memo)
	}
	return w.log.SubmitMessage(ctx, job.Topic, job.Payload)
}
