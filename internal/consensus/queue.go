package consensus

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/forecastex/forecastex/internal/metrics"
	"github.com/forecastex/forecastex/internal/models"
)

// ErrStaleClaim means the job's status changed underneath the caller,
// typically because the health monitor reclaimed it. The caller must
// drop the job.
var ErrStaleClaim = errors.New("job claim is stale")

// Queue is the persisted consensus job queue. All cross-worker mutation
// goes through conditional updates keyed on the current status, so exactly
// one claimant wins each transition.
type Queue struct {
	db     *gorm.DB
	logger *zap.Logger
	wake   chan struct{}
}

// NewQueue creates a queue over the given database.
func NewQueue(db *gorm.DB, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:     db,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue persists a job and signals waiting workers to drain immediately.
func (q *Queue) Enqueue(ctx context.Context, job *models.ConsensusJob) error {
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return err
	}
	metrics.JobTransitions.WithLabelValues(models.JobStatusPending).Inc()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Wake returns the channel producers signal after enqueueing.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// ClaimNext atomically claims the oldest eligible pending job for the
// worker. Returns (nil, nil) when nothing is claimable. The conditional
// update on status guarantees at most one concurrent claimant succeeds.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*models.ConsensusJob, error) {
	now := time.Now()
	// A lost race just means another worker got the job; try the next one.
	for attempt := 0; attempt < 5; attempt++ {
		var job models.ConsensusJob
		err := q.db.WithContext(ctx).
			Where("status = ? AND (not_before IS NULL OR not_before <= ?)", models.JobStatusPending, now).
			Order("created_at ASC").
			First(&job).Error
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res := q.db.WithContext(ctx).Model(&models.ConsensusJob{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusPending).
			Updates(map[string]interface{}{
				"status":     models.JobStatusClaimed,
				"worker_id":  workerID,
				"claimed_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			job.Status = models.JobStatusClaimed
			job.WorkerID = workerID
			job.ClaimedAt = &now
			metrics.JobTransitions.WithLabelValues(models.JobStatusClaimed).Inc()
			return &job, nil
		}
	}
	return nil, nil
}

// MarkSubmitting transitions a claimed job to submitting. The worker must
// still hold the claim.
func (q *Queue) MarkSubmitting(ctx context.Context, job *models.ConsensusJob) error {
	return q.transition(ctx, job, models.JobStatusClaimed, models.JobStatusSubmitting, map[string]interface{}{})
}

// MarkSubmitted records the transaction reference handed back by the log.
func (q *Queue) MarkSubmitted(ctx context.Context, job *models.ConsensusJob, txRef string) error {
	if err := q.transition(ctx, job, models.JobStatusSubmitting, models.JobStatusSubmitted, map[string]interface{}{
		"transaction_ref": txRef,
	}); err != nil {
		return err
	}
	job.TransactionRef = txRef
	return nil
}

// MarkConfirmed finalizes a submitted job with the created resource id.
func (q *Queue) MarkConfirmed(ctx context.Context, job *models.ConsensusJob, entityID string) error {
	now := time.Now()
	if err := q.transition(ctx, job, models.JobStatusSubmitted, models.JobStatusConfirmed, map[string]interface{}{
		"entity_id":    entityID,
		"completed_at": now,
	}); err != nil {
		return err
	}
	job.EntityID = entityID
	job.CompletedAt = &now
	return nil
}

// MarkFailed moves the job to the terminal failed state with the recorded
// error, from whatever non-terminal status it currently holds.
func (q *Queue) MarkFailed(ctx context.Context, job *models.ConsensusJob, reason string) error {
	now := time.Now()
	res := q.db.WithContext(ctx).Model(&models.ConsensusJob{}).
		Where("id = ? AND status NOT IN ?", job.ID, []string{models.JobStatusConfirmed, models.JobStatusFailed}).
		Updates(map[string]interface{}{
			"status":       models.JobStatusFailed,
			"last_error":   reason,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		job.Status = models.JobStatusFailed
		job.LastError = reason
		metrics.JobTransitions.WithLabelValues(models.JobStatusFailed).Inc()
	}
	return nil
}

// RecordMirrorMiss notes one unsuccessful mirror check; the job stays
// submitted.
func (q *Queue) RecordMirrorMiss(ctx context.Context, job *models.ConsensusJob) error {
	now := time.Now()
	err := q.db.WithContext(ctx).Model(&models.ConsensusJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusSubmitted).
		Updates(map[string]interface{}{
			"mirror_retry_count": gorm.Expr("mirror_retry_count + 1"),
			"mirror_checked_at":  now,
			"updated_at":         now,
		}).Error
	if err != nil {
		return err
	}
	job.MirrorRetryCount++
	job.MirrorCheckedAt = &now
	return nil
}

func (q *Queue) transition(ctx context.Context, job *models.ConsensusJob, from, to string, extra map[string]interface{}) error {
	extra["status"] = to
	extra["updated_at"] = time.Now()
	res := q.db.WithContext(ctx).Model(&models.ConsensusJob{}).
		Where("id = ? AND status = ?", job.ID, from).
		Updates(extra)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleClaim
	}
	job.Status = to
	metrics.JobTransitions.WithLabelValues(to).Inc()
	return nil
}

// SubmittedDue returns submitted jobs whose next mirror check is due:
// either never checked, or last checked at least delay ago.
func (q *Queue) SubmittedDue(ctx context.Context, delay time.Duration, limit int) ([]models.ConsensusJob, error) {
	cutoff := time.Now().Add(-delay)
	var jobs []models.ConsensusJob
	err := q.db.WithContext(ctx).
		Where("status = ? AND transaction_ref <> '' AND (mirror_checked_at IS NULL OR mirror_checked_at <= ?)",
			models.JobStatusSubmitted, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// Get loads one job by id.
func (q *Queue) Get(ctx context.Context, id interface{}) (*models.ConsensusJob, error) {
	var job models.ConsensusJob
	if err := q.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ReapStale requeues jobs stuck in claimed/submitting since before
// staleBefore. Jobs with retry budget left go back to pending with an
// exponential backoff gate; exhausted jobs are abandoned as failed.
func (q *Queue) ReapStale(ctx context.Context, staleBefore time.Time) (requeued, abandoned int, err error) {
	var stuck []models.ConsensusJob
	err = q.db.WithContext(ctx).
		Where("status IN ? AND claimed_at IS NOT NULL AND claimed_at <= ?",
			[]string{models.JobStatusClaimed, models.JobStatusSubmitting}, staleBefore).
		Find(&stuck).Error
	if err != nil {
		return 0, 0, err
	}

	now := time.Now()
	for i := range stuck {
		job := &stuck[i]
		if job.RetryCount >= job.MaxRetries {
			if err := q.MarkFailed(ctx, job, "abandoned: stale claim and retry budget exhausted"); err != nil {
				return requeued, abandoned, err
			}
			abandoned++
			continue
		}
		backoff := time.Duration(1<<uint(job.RetryCount)) * time.Minute
		notBefore := now.Add(backoff)
		res := q.db.WithContext(ctx).Model(&models.ConsensusJob{}).
			Where("id = ? AND status = ?", job.ID, job.Status).
			Updates(map[string]interface{}{
				"status":      models.JobStatusPending,
				"worker_id":   "",
				"claimed_at":  nil,
				"retry_count": gorm.Expr("retry_count + 1"),
				"not_before":  notBefore,
				"updated_at":  now,
			})
		if res.Error != nil {
			return requeued, abandoned, res.Error
		}
		if res.RowsAffected == 1 {
			requeued++
			metrics.JobTransitions.WithLabelValues(models.JobStatusPending).Inc()
		}
	}
	return requeued, abandoned, nil
}

// PurgeFailed deletes failed jobs older than the retention cutoff.
func (q *Queue) PurgeFailed(ctx context.Context, olderThan time.Time) (int64, error) {
	res := q.db.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", models.JobStatusFailed, olderThan).
		Delete(&models.ConsensusJob{})
	return res.RowsAffected, res.Error
}

// Stats aggregates job counts by status over a rolling window.
type Stats struct {
	Pending   int64 `json:"pending"`
	Claimed   int64 `json:"claimed"`
	Submitted int64 `json:"submitted"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// Stats counts jobs touched within the window, plus the live pending
// backlog regardless of age.
func (q *Queue) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	cutoff := time.Now().Add(-window)
	var rows []struct {
		Status string
		N      int64
	}
	err := q.db.WithContext(ctx).Model(&models.ConsensusJob{}).
		Select("status, COUNT(*) AS n").
		Where("updated_at >= ?", cutoff).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	st := &Stats{}
	for _, r := range rows {
		switch r.Status {
		case models.JobStatusPending:
			st.Pending = r.N
		case models.JobStatusClaimed, models.JobStatusSubmitting:
			st.Claimed += r.N
		case models.JobStatusSubmitted:
			st.Submitted = r.N
		case models.JobStatusConfirmed:
			st.Confirmed = r.N
		case models.JobStatusFailed:
			st.Failed = r.N
		}
		st.Total += r.N
	}
	// Backlog includes pending jobs older than the window.
	var pending int64
	if err := q.db.WithContext(ctx).Model(&models.ConsensusJob{}).
		Where("status = ?", models.JobStatusPending).
		Count(&pending).Error; err != nil {
		return nil, err
	}
	st.Pending = pending
	metrics.JobsPending.Set(float64(pending))
	return st, nil
}
