// Package settlement groups confirmed trades into time-windowed batches
// with commitment roots and submits them to the external settlement
// contract.
package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/forecastex/forecastex/internal/consensus"
	"github.com/forecastex/forecastex/internal/metrics"
	"github.com/forecastex/forecastex/internal/models"
)

// SnapshotSource provides the current book commitment for a market.
// Nil-safe: without a source the batch commits over its trade set only.
type SnapshotSource interface {
	BookDigest(marketID string) (string, bool)
}

// Aggregator periodically collects confirmed, unbatched trades per market
// into settlement batches. A trade is claimed by exactly one batch through
// the same conditional-update pattern the job queue uses for claims.
type Aggregator struct {
	db        *gorm.DB
	queue     *consensus.Queue
	books     SnapshotSource
	logger    *zap.Logger
	interval  time.Duration
	maxTrades int
	window    time.Duration
	jobRetry  int
}

// NewAggregator creates a batch aggregator. queue may be nil in tests to
// skip consensus publication of batch commitments.
func NewAggregator(db *gorm.DB, queue *consensus.Queue, books SnapshotSource, interval, window time.Duration, maxTrades, jobRetry int, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		db:        db,
		queue:     queue,
		books:     books,
		logger:    logger,
		interval:  interval,
		maxTrades: maxTrades,
		window:    window,
		jobRetry:  jobRetry,
	}
}

// Start aggregates on the configured cadence until the context is
// cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("batch aggregator started", zap.Duration("interval", a.interval))
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("batch aggregator stopped")
			return
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Error("aggregation sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce builds at most one batch per market from trades that hit the
// size or age cutoff. Returns the created batches.
func (a *Aggregator) RunOnce(ctx context.Context) ([]*models.Batch, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("batch_aggregator").Observe(time.Since(start).Seconds())
	}()

	var marketIDs []string
	err := a.db.WithContext(ctx).Model(&models.Trade{}).
		Where("consensus_status = ? AND batch_id IS NULL", models.TradeConsensusConfirmed).
		Distinct("market_id").
		Pluck("market_id", &marketIDs).Error
	if err != nil {
		return nil, err
	}

	var batches []*models.Batch
	for _, marketID := range marketIDs {
		batch, err := a.aggregateMarket(ctx, marketID, start)
		if err != nil {
			a.logger.Error("market aggregation failed",
				zap.String("market_id", marketID), zap.Error(err))
			continue
		}
		if batch != nil {
			batches = append(batches, batch)
		}
	}
	return batches, nil
}

func (a *Aggregator) aggregateMarket(ctx context.Context, marketID string, now time.Time) (*models.Batch, error) {
	var trades []models.Trade
	err := a.db.WithContext(ctx).
		Where("market_id = ? AND consensus_status = ? AND batch_id IS NULL",
			marketID, models.TradeConsensusConfirmed).
		Order("executed_at ASC").
		Limit(a.maxTrades).
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}
	// Cutoff: batch when full, or when the oldest trade has aged past the
	// window. Otherwise wait for more fills.
	if len(trades) < a.maxTrades && now.Sub(trades[0].ExecutedAt) < a.window {
		return nil, nil
	}

	batch := &models.Batch{
		ID:               uuid.New(),
		MarketID:         marketID,
		WindowStart:      trades[0].ExecutedAt,
		WindowEnd:        trades[len(trades)-1].ExecutedAt,
		InputOrderRoot:   inputOrderRoot(trades),
		BookSnapshotRoot: a.bookRoot(marketID, trades),
		SettlementStatus: models.BatchStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	ids := make([]uuid.UUID, len(trades))
	for i, t := range trades {
		ids[i] = t.ID
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		// Claim-by-CAS: only trades still unbatched join this batch.
		res := tx.Model(&models.Trade{}).
			Where("id IN ? AND batch_id IS NULL", ids).
			Update("batch_id", batch.ID)
		if res.Error != nil {
			return res.Error
		}
		batch.TradeCount = int(res.RowsAffected)
		return tx.Model(batch).Update("trade_count", batch.TradeCount).Error
	})
	if err != nil {
		return nil, err
	}

	metrics.BatchesCreated.Inc()
	a.logger.Info("settlement batch created",
		zap.String("batch_id", batch.ID.String()),
		zap.String("market_id", marketID),
		zap.Int("trades", batch.TradeCount))

	if a.queue != nil {
		job, err := consensus.NewJob(models.JobKindPublishBatch, consensus.BatchPayload{
			BatchID:          batch.ID,
			MarketID:         marketID,
			InputOrderRoot:   batch.InputOrderRoot,
			BookSnapshotRoot: batch.BookSnapshotRoot,
		}, a.jobRetry)
		if err != nil {
			return batch, err
		}
		if err := a.queue.Enqueue(ctx, job); err != nil {
			return batch, err
		}
	}
	return batch, nil
}

// inputOrderRoot commits to the set of order ids that produced the batch's
// trades: sorted, deduplicated, hashed.
func inputOrderRoot(trades []models.Trade) string {
	seen := make(map[uuid.UUID]struct{}, len(trades)*2)
	var ids []uuid.UUID
	for _, t := range trades {
		for _, id := range [2]uuid.UUID{t.BuyOrderID, t.SellOrderID} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	h := sha256.New()
	for _, id := range ids {
		h.Write(id[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// bookRoot prefers a live book digest; without one it commits over the
// included trade ids.
func (a *Aggregator) bookRoot(marketID string, trades []models.Trade) string {
	if a.books != nil {
		if digest, ok := a.books.BookDigest(marketID); ok {
			return digest
		}
	}
	h := sha256.New()
	h.Write([]byte(marketID))
	for _, t := range trades {
		h.Write(t.ID[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
