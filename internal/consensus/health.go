package consensus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/forecastex/forecastex/internal/metrics"
)

// System health classifications.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// Thresholds for health classification over the rolling window.
const (
	degradedFailureRate = 0.20
	criticalFailureRate = 0.50
	backlogThreshold    = 20
)

// HealthReport is the operator-visible aggregate state of the pipeline.
type HealthReport struct {
	Status      string    `json:"status"`
	FailureRate float64   `json:"failureRate"`
	Stats       Stats     `json:"stats"`
	Requeued    int       `json:"requeued"`
	Abandoned   int       `json:"abandoned"`
	Purged      int64     `json:"purged"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// Monitor is the cleanup and health sweep over the job queue. It is an
// explicitly constructed instance owned by the worker pool's lifecycle, not
// process-global state. It never blocks processing: it only reclaims,
// purges and reports.
type Monitor struct {
	queue          *Queue
	logger         *zap.Logger
	interval       time.Duration
	staleThreshold time.Duration
	retention      time.Duration
	window         time.Duration

	lastReport *HealthReport
}

// NewMonitor creates a health monitor.
func NewMonitor(queue *Queue, interval, staleThreshold, retention time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		queue:          queue,
		logger:         logger,
		interval:       interval,
		staleThreshold: staleThreshold,
		retention:      retention,
		window:         time.Hour,
	}
}

// Start sweeps on the monitor's cadence until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Error("health sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce reclaims stale claims, purges old failures, and recomputes the
// health classification.
func (m *Monitor) RunOnce(ctx context.Context) (*HealthReport, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("health_monitor").Observe(time.Since(start).Seconds())
	}()

	requeued, abandoned, err := m.queue.ReapStale(ctx, start.Add(-m.staleThreshold))
	if err != nil {
		return nil, err
	}
	if requeued > 0 || abandoned > 0 {
		m.logger.Warn("reclaimed stuck jobs",
			zap.Int("requeued", requeued),
			zap.Int("abandoned", abandoned))
	}

	purged, err := m.queue.PurgeFailed(ctx, start.Add(-m.retention))
	if err != nil {
		return nil, err
	}

	stats, err := m.queue.Stats(ctx, m.window)
	if err != nil {
		return nil, err
	}

	report := &HealthReport{
		FailureRate: failureRate(stats),
		Stats:       *stats,
		Requeued:    requeued,
		Abandoned:   abandoned,
		Purged:      purged,
		CheckedAt:   start,
	}
	report.Status = classify(report.FailureRate, stats.Pending)
	m.lastReport = report

	if report.Status != HealthHealthy {
		m.logger.Warn("pipeline health",
			zap.String("status", report.Status),
			zap.Float64("failure_rate", report.FailureRate),
			zap.Int64("pending", stats.Pending))
	}
	return report, nil
}

// LastReport returns the most recent sweep's report, or nil before the
// first sweep.
func (m *Monitor) LastReport() *HealthReport { return m.lastReport }

func failureRate(st *Stats) float64 {
	if st.Total == 0 {
		return 0
	}
	return float64(st.Failed) / float64(st.Total)
}

func classify(rate float64, pending int64) string {
	switch {
	case rate > criticalFailureRate:
		return HealthCritical
	case rate >= degradedFailureRate || pending >= backlogThreshold:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
