package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forecastex/forecastex/internal/metrics"
	"github.com/forecastex/forecastex/internal/models"
)

// Confirmer polls the read replica for submitted jobs and finalizes them.
// Each check has its own short timeout, distinct from the overall retry
// budget: a job gets up to maxRetries mirror checks before it fails.
type Confirmer struct {
	queue        *Queue
	mirror       MirrorClient
	logger       *zap.Logger
	interval     time.Duration
	delay        time.Duration
	checkTimeout time.Duration
	maxRetries   int

	// OnConfirmed, when set, runs after a job reaches confirmed. Used to
	// propagate finality to domain records (orders, trades, batches).
	OnConfirmed func(ctx context.Context, job *models.ConsensusJob)
}

// NewConfirmer creates a mirror confirmer.
func NewConfirmer(queue *Queue, mirror MirrorClient, interval, delay, checkTimeout time.Duration, maxRetries int, logger *zap.Logger) *Confirmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkTimeout <= 0 {
		checkTimeout = 10 * time.Second
	}
	return &Confirmer{
		queue:        queue,
		mirror:       mirror,
		logger:       logger,
		interval:     interval,
		delay:        delay,
		checkTimeout: checkTimeout,
		maxRetries:   maxRetries,
	}
}

// Start polls until the context is cancelled.
func (c *Confirmer) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("mirror confirmer started", zap.Duration("interval", c.interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("mirror confirmer stopped")
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				c.logger.Error("mirror sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce checks every submitted job whose next check is due. Returns the
// number of jobs checked.
func (c *Confirmer) RunOnce(ctx context.Context) (int, error) {
	jobs, err := c.queue.SubmittedDue(ctx, c.delay, 100)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		if err := c.CheckJob(ctx, &jobs[i]); err != nil {
			c.logger.Error("mirror check failed",
				zap.String("job_id", jobs[i].ID.String()),
				zap.Error(err))
		}
	}
	return len(jobs), nil
}

// CheckJob performs one mirror check for a submitted job and applies the
// outcome: not-yet-visible keeps it submitted (bounded by the retry
// budget), an explicit ledger failure or an exhausted budget fails it, and
// success confirms it with the created resource id.
func (c *Confirmer) CheckJob(ctx context.Context, job *models.ConsensusJob) error {
	checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	res, err := c.mirror.GetTransaction(checkCtx, job.TransactionRef)
	cancel()

	switch {
	case err == nil && res != nil && !res.Failed():
		metrics.MirrorChecks.WithLabelValues("confirmed").Inc()
		if err := c.queue.MarkConfirmed(ctx, job, res.EntityID); err != nil {
			return err
		}
		c.logger.Info("job confirmed on mirror",
			zap.String("job_id", job.ID.String()),
			zap.String("entity_id", res.EntityID))
		if c.OnConfirmed != nil {
			c.OnConfirmed(ctx, job)
		}
		return nil

	case err == nil && res != nil:
		// The ledger itself reported the transaction failed. Terminal, no
		// retry.
		metrics.MirrorChecks.WithLabelValues("ledger_failed").Inc()
		return c.queue.MarkFailed(ctx, job,
			fmt.Sprintf("ledger reported transaction %s: %s", job.TransactionRef, res.Status))

	case errors.Is(err, ErrNotVisible):
		metrics.MirrorChecks.WithLabelValues("not_visible").Inc()

	default:
		// Network/replica errors count against the same budget as misses.
		metrics.MirrorChecks.WithLabelValues("error").Inc()
		c.logger.Warn("mirror query error",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
	}

	if job.MirrorRetryCount+1 >= c.maxRetries {
		return c.queue.MarkFailed(ctx, job,
			fmt.Sprintf("mirror confirmation not reached after %d checks", job.MirrorRetryCount+1))
	}
	return c.queue.RecordMirrorMiss(ctx, job)
}
