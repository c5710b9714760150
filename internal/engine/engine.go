// Package engine owns the per-market order pipeline: signature
// verification, collateral reservation, matching, persistence, journaling,
// and handoff to the consensus publish queue. Each market's book has one
// logical owner: a per-market mutex serializes all access, so matching is
// never concurrent within a market while different markets match in
// parallel. The engine never blocks on the consensus log; publication
// happens asynchronously through the job queue.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	pkgerrors "github.com/forecastex/forecastex/pkg/errors"

	"github.com/forecastex/forecastex/internal/collateral"
	"github.com/forecastex/forecastex/internal/consensus"
	"github.com/forecastex/forecastex/internal/journal"
	"github.com/forecastex/forecastex/internal/marketdata"
	"github.com/forecastex/forecastex/internal/metrics"
	"github.com/forecastex/forecastex/internal/models"
	"github.com/forecastex/forecastex/internal/orderbook"
	"github.com/forecastex/forecastex/internal/signing"
)

// marketState is one market's book plus the mutex that makes the engine
// its sole owner.
type marketState struct {
	mu   sync.Mutex
	book *orderbook.Book
}

// Options configures optional engine collaborators.
type Options struct {
	Journal    *journal.Journal      // order event journal; nil disables
	MarketData *marketdata.Publisher // kafka stream; nil disables
	Cache      *redis.Client         // snapshot cache; nil disables
	CacheTTL   time.Duration
	JobRetries int // max retry budget stamped on enqueued jobs
}

// Engine is the order intake and matching pipeline.
type Engine struct {
	db       *gorm.DB
	verifier *signing.Verifier
	store    *collateral.Store
	guard    *collateral.Guard
	queue    *consensus.Queue
	opts     Options
	logger   *zap.Logger

	mu      sync.RWMutex
	markets map[string]*marketState
}

// New creates the engine.
func New(db *gorm.DB, verifier *signing.Verifier, store *collateral.Store, guard *collateral.Guard, queue *consensus.Queue, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.JobRetries < 1 {
		opts.JobRetries = 5
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 2 * time.Second
	}
	return &Engine{
		db:       db,
		verifier: verifier,
		store:    store,
		guard:    guard,
		queue:    queue,
		opts:     opts,
		logger:   logger,
		markets:  make(map[string]*marketState),
	}
}

// EnsureMarket creates the market row if missing and enqueues a consensus
// topic-creation job for it.
func (e *Engine) EnsureMarket(ctx context.Context, marketID, title string) (*models.Market, error) {
	var market models.Market
	err := e.db.WithContext(ctx).First(&market, "id = ?", marketID).Error
	if err == nil {
		return &market, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	market = models.Market{
		ID:        marketID,
		Title:     title,
		Status:    models.MarketStatusOpen,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(&market).Error; err != nil {
		return nil, err
	}

	job, err := consensus.NewJob(models.JobKindCreateTopic, consensus.TopicPayload{
		MarketID: marketID,
		Memo:     "market:" + marketID,
	}, e.opts.JobRetries)
	if err != nil {
		return nil, err
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	e.logger.Info("market created", zap.String("market_id", marketID))
	return &market, nil
}

// Market looks up one market.
func (e *Engine) Market(ctx context.Context, marketID string) (*models.Market, error) {
	var market models.Market
	if err := e.db.WithContext(ctx).First(&market, "id = ?", marketID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.Newf(pkgerrors.KindNotFound, "market %s not found", marketID)
		}
		return nil, err
	}
	return &market, nil
}

func (e *Engine) market(marketID string) *marketState {
	e.mu.RLock()
	ms, ok := e.markets[marketID]
	e.mu.RUnlock()
	if ok {
		return ms
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ms, ok = e.markets[marketID]; ok {
		return ms
	}
	ms = &marketState{book: orderbook.New(marketID, e.logger)}
	e.markets[marketID] = ms
	return ms
}

// SubmitResponse is the synchronous result of order intake.
type SubmitResponse struct {
	Success bool            `json:"success"`
	OrderID uuid.UUID       `json:"orderId"`
	Status  string          `json:"status"`
	Trades  []*models.Trade `json:"trades,omitempty"`
}

// SubmitOrder runs the full intake pipeline. Validation and collateral
// errors are returned synchronously; consensus publication errors surface
// later on the job record, never here.
func (e *Engine) SubmitOrder(ctx context.Context, order *models.Order) (*SubmitResponse, error) {
	now := time.Now()
	order.Status = models.OrderStatusPending
	order.CreatedAt = now
	order.UpdatedAt = now

	if err := e.verifier.Verify(order, now); err != nil {
		metrics.OrdersRejected.WithLabelValues(pkgerrors.KindOf(err)).Inc()
		return nil, err
	}

	check, err := e.guard.Reserve(ctx, order)
	if err != nil {
		return nil, err
	}
	if !check.HasBalance {
		metrics.OrdersRejected.WithLabelValues(pkgerrors.KindInsufficientBalance).Inc()
		return nil, pkgerrors.New(pkgerrors.KindInsufficientBalance, check.Message)
	}

	ms := e.market(order.MarketID)
	ms.mu.Lock()
	result, err := ms.book.Submit(order, now)
	if err != nil {
		ms.mu.Unlock()
		releaseErr := e.guard.Release(ctx, order)
		if releaseErr != nil {
			e.logger.Error("release after failed submit", zap.Error(releaseErr))
		}
		return nil, err
	}
	// Journal inside the critical section so the event stream carries
	// the book's arrival order and replay rebuilds the same book.
	if e.opts.Journal != nil && order.Status != models.OrderStatusRejected {
		if jerr := e.opts.Journal.Append(order.MarketID, &journal.Entry{
			Type:  journal.EventAdd,
			Order: order,
		}); jerr != nil {
			ms.mu.Unlock()
			e.logger.Error("journal append failed",
				zap.String("order_id", order.ID.String()), zap.Error(jerr))
			return nil, jerr
		}
	}
	snap := ms.book.Snapshot(10)
	ms.mu.Unlock()

	if err := e.persistSubmit(ctx, order, result); err != nil {
		// The book already mutated; persistence errors here are logged and
		// the order still stands in memory. Recovery comes from the journal.
		e.logger.Error("persist submit results failed",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		return nil, err
	}

	if result.Resting != nil || len(result.Trades) > 0 {
		metrics.OrdersAccepted.WithLabelValues(order.MarketID).Inc()
	}
	for _, t := range result.Trades {
		metrics.TradesExecuted.WithLabelValues(order.MarketID).Inc()
		e.opts.MarketData.PublishTrade(ctx, t)
	}
	if len(result.Trades) > 0 || result.Resting != nil {
		e.opts.MarketData.PublishBookUpdate(ctx, snap)
	}

	return &SubmitResponse{
		Success: order.Status != models.OrderStatusRejected,
		OrderID: order.ID,
		Status:  order.Status,
		Trades:  result.Trades,
	}, nil
}

// persistSubmit writes everything one Submit did: the order itself, maker
// updates, trades, collateral movements, positions, journal entries, and
// the consensus publish jobs.
func (e *Engine) persistSubmit(ctx context.Context, order *models.Order, result *orderbook.SubmitResult) error {
	if order.Status == models.OrderStatusRejected {
		// FOK that could not fill: nothing touched the book. Free the
		// reservation and record the rejected order for audit.
		if err := e.guard.Release(ctx, order); err != nil {
			return err
		}
		return e.db.WithContext(ctx).Create(order).Error
	}

	if err := e.db.WithContext(ctx).Create(order).Error; err != nil {
		return err
	}

	// Maker orders touched by this submit.
	for _, maker := range result.Touched {
		if err := e.updateOrderFill(ctx, maker); err != nil {
			return err
		}
	}
	for _, maker := range result.Filled {
		if err := e.updateOrderFill(ctx, maker); err != nil {
			return err
		}
		if err := e.store.ReleaseLock(ctx, maker.ID); err != nil {
			return err
		}
	}
	for _, expired := range result.Expired {
		if err := e.markExpired(ctx, expired); err != nil {
			return err
		}
	}

	for _, trade := range result.Trades {
		if err := e.db.WithContext(ctx).Create(trade).Error; err != nil {
			return err
		}
		buyerCost := trade.PriceTicks * trade.Quantity / 100
		sellerCost := (models.PayoutTicks - trade.PriceTicks) * trade.Quantity / 100
		if err := e.store.ConsumeLock(ctx, trade.BuyOrderID, buyerCost); err != nil {
			return err
		}
		if err := e.store.ConsumeLock(ctx, trade.SellOrderID, sellerCost); err != nil {
			return err
		}
		if err := e.store.ApplyFill(ctx, trade); err != nil {
			return err
		}
		job, err := consensus.NewJob(models.JobKindRecordTrade, consensus.TradePayload{
			TradeID:  trade.ID,
			MarketID: trade.MarketID,
		}, e.opts.JobRetries)
		if err != nil {
			return err
		}
		if err := e.queue.Enqueue(ctx, job); err != nil {
			return err
		}
	}

	// Fully-filled or discarded aggressors release their remaining lock.
	switch order.Status {
	case models.OrderStatusFilled, models.OrderStatusCancelled:
		if err := e.store.ReleaseLock(ctx, order.ID); err != nil {
			return err
		}
	}

	job, err := consensus.NewJob(models.JobKindPublishOrder, consensus.OrderPayload{
		OrderID:  order.ID,
		MarketID: order.MarketID,
	}, e.opts.JobRetries)
	if err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, job)
}

func (e *Engine) updateOrderFill(ctx context.Context, o *models.Order) error {
	return e.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", o.ID).
		Updates(map[string]interface{}{
			"filled_quantity": o.FilledQuantity,
			"status":          o.Status,
			"updated_at":      time.Now(),
		}).Error
}

func (e *Engine) markExpired(ctx context.Context, o *models.Order) error {
	if err := e.store.ReleaseLock(ctx, o.ID); err != nil {
		return err
	}
	return e.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", o.ID).
		Updates(map[string]interface{}{
			"status":     models.OrderStatusExpired,
			"updated_at": time.Now(),
		}).Error
}

// CancelOrder removes a resting order if accountID owns it.
func (e *Engine) CancelOrder(ctx context.Context, marketID string, orderID uuid.UUID, accountID string) error {
	ms := e.market(marketID)
	ms.mu.Lock()
	order, err := ms.book.Cancel(orderID, accountID)
	if err != nil {
		ms.mu.Unlock()
		return err
	}
	if e.opts.Journal != nil {
		if jerr := e.opts.Journal.Append(marketID, &journal.Entry{
			Type:      journal.EventCancel,
			OrderID:   orderID.String(),
			AccountID: accountID,
		}); jerr != nil {
			ms.mu.Unlock()
			return jerr
		}
	}
	ms.mu.Unlock()

	if err := e.guard.Release(ctx, order); err != nil {
		return err
	}
	if err := e.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"status":     models.OrderStatusCancelled,
			"updated_at": time.Now(),
		}).Error; err != nil {
		return err
	}
	e.logger.Info("order cancelled",
		zap.String("order_id", orderID.String()),
		zap.String("market_id", marketID))
	return nil
}

// Snapshot returns the aggregated book, read-through cached in redis when
// a cache is configured.
func (e *Engine) Snapshot(ctx context.Context, marketID string, depth int) (*orderbook.Snapshot, error) {
	cacheKey := fmt.Sprintf("book:%s:%d", marketID, depth)
	if e.opts.Cache != nil {
		if data, err := e.opts.Cache.Get(ctx, cacheKey).Bytes(); err == nil {
			var snap orderbook.Snapshot
			if json.Unmarshal(data, &snap) == nil {
				return &snap, nil
			}
		}
	}

	ms := e.market(marketID)
	ms.mu.Lock()
	snap := ms.book.Snapshot(depth)
	ms.mu.Unlock()

	if e.opts.Cache != nil {
		if data, err := json.Marshal(snap); err == nil {
			if err := e.opts.Cache.Set(ctx, cacheKey, data, e.opts.CacheTTL).Err(); err != nil {
				e.logger.Debug("snapshot cache write failed", zap.Error(err))
			}
		}
	}
	return snap, nil
}

// BookDigest implements settlement.SnapshotSource.
func (e *Engine) BookDigest(marketID string) (string, bool) {
	e.mu.RLock()
	ms, ok := e.markets[marketID]
	e.mu.RUnlock()
	if !ok {
		return "", false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.book.Snapshot(0).Digest(), true
}

// SweepExpired expires stale resting orders across all markets.
func (e *Engine) SweepExpired(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("expiry_sweep").Observe(time.Since(start).Seconds())
	}()

	e.mu.RLock()
	states := make(map[string]*marketState, len(e.markets))
	for id, ms := range e.markets {
		states[id] = ms
	}
	e.mu.RUnlock()

	for marketID, ms := range states {
		ms.mu.Lock()
		expired := ms.book.SweepExpired(start)
		ms.mu.Unlock()
		for _, o := range expired {
			if err := e.markExpired(ctx, o); err != nil {
				e.logger.Error("mark expired failed",
					zap.String("order_id", o.ID.String()), zap.Error(err))
			}
		}
		if len(expired) > 0 {
			e.logger.Info("expired resting orders swept",
				zap.String("market_id", marketID),
				zap.Int("count", len(expired)))
		}
	}
}

// StartExpirySweeper runs SweepExpired on the given cadence.
func (e *Engine) StartExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepExpired(ctx)
		}
	}
}

// OnJobConfirmed propagates consensus finality to domain records. Wired as
// the mirror confirmer's OnConfirmed hook.
func (e *Engine) OnJobConfirmed(ctx context.Context, job *models.ConsensusJob) {
	payload, err := consensus.DecodePayload(job)
	if err != nil {
		e.logger.Error("decode confirmed job payload", zap.Error(err))
		return
	}
	switch p := payload.(type) {
	case consensus.TradePayload:
		err = e.db.WithContext(ctx).Model(&models.Trade{}).
			Where("id = ? AND consensus_status = ?", p.TradeID, models.TradePendingConsensus).
			Update("consensus_status", models.TradeConsensusConfirmed).Error
	case consensus.TopicPayload:
		err = e.db.WithContext(ctx).Model(&models.Market{}).
			Where("id = ?", p.MarketID).
			Updates(map[string]interface{}{
				"topic_ref":  job.EntityID,
				"updated_at": time.Now(),
			}).Error
	case consensus.OrderPayload, consensus.BatchPayload:
		// Order and batch publications need no domain follow-up; the job
		// record itself is the audit trail.
	}
	if err != nil {
		e.logger.Error("apply confirmed job", zap.String("kind", job.Kind), zap.Error(err))
	}
}

// RebuildMarket replays the journal to reconstruct a market's book after a
// restart. Replay is deterministic: the same event sequence yields the
// same book and the same trades.
func (e *Engine) RebuildMarket(marketID string) error {
	if e.opts.Journal == nil {
		return nil
	}
	ms := e.market(marketID)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.book = orderbook.New(marketID, e.logger)
	return e.opts.Journal.Replay(marketID, func(entry *journal.Entry) error {
		switch entry.Type {
		case journal.EventAdd:
			if entry.Order == nil {
				return fmt.Errorf("journal add entry %d missing order", entry.Seq)
			}
			o := *entry.Order
			o.FilledQuantity = 0
			_, err := ms.book.Submit(&o, o.CreatedAt)
			return err
		case journal.EventCancel:
			id, err := uuid.Parse(entry.OrderID)
			if err != nil {
				return err
			}
			if _, err := ms.book.Cancel(id, entry.AccountID); err != nil {
				// The order may have been fully filled before the cancel.
				if pkgerrors.KindOf(err) == pkgerrors.KindNotFound {
					return nil
				}
				return err
			}
			return nil
		default:
			return fmt.Errorf("unknown journal entry type %q", entry.Type)
		}
	})
}
