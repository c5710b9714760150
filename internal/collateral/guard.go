package collateral

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/forecastex/forecastex/internal/models"
)

// CheckResult reports the outcome of a collateral check. HasBalance=false
// is a soft failure: Message is safe to surface to the user.
type CheckResult struct {
	HasBalance bool   `json:"hasBalance"`
	Available  int64  `json:"available"`
	Locked     int64  `json:"locked"`
	Required   int64  `json:"required"`
	Message    string `json:"message,omitempty"`
}

// Guard checks and reserves collateral before order acceptance. Reservations
// for one account are serialized through a per-account mutex, so two orders
// accepted in this process cannot double-lock the same balance. Across
// processes the race remains accepted and is re-validated at settlement.
type Guard struct {
	store  *Store
	logger *zap.Logger

	mu       sync.Mutex
	accounts map[string]*sync.Mutex
}

// NewGuard creates a Guard over the ledger store.
func NewGuard(store *Store, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		store:    store,
		logger:   logger,
		accounts: make(map[string]*sync.Mutex),
	}
}

func (g *Guard) accountMu(accountID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.accounts[accountID]
	if !ok {
		m = &sync.Mutex{}
		g.accounts[accountID] = m
	}
	return m
}

// Check computes required collateral for the proposed order and compares it
// against the account's free balance. Read-only; does not reserve.
func (g *Guard) Check(ctx context.Context, accountID, marketID, side string, priceTicks, qty int64) (*CheckResult, error) {
	required := models.RequiredCollateralTicks(side, priceTicks, qty)
	return g.evaluate(ctx, accountID, marketID, required)
}

// Reserve atomically (per account, in-process) re-checks the balance and
// records a collateral lock for the order. Soft-fails like Check.
func (g *Guard) Reserve(ctx context.Context, order *models.Order) (*CheckResult, error) {
	required := models.RequiredCollateralTicks(order.Side, order.PriceTicks, order.Quantity)

	mu := g.accountMu(order.Maker)
	mu.Lock()
	defer mu.Unlock()

	res, err := g.evaluate(ctx, order.Maker, order.MarketID, required)
	if err != nil || !res.HasBalance {
		return res, err
	}
	if err := g.store.CreateLock(ctx, order.ID, order.Maker, order.MarketID, required); err != nil {
		return nil, err
	}
	g.logger.Debug("collateral reserved",
		zap.String("account", order.Maker),
		zap.String("order_id", order.ID.String()),
		zap.Int64("amount_ticks", required))
	return res, nil
}

// Release frees the remaining reservation for an order.
func (g *Guard) Release(ctx context.Context, order *models.Order) error {
	mu := g.accountMu(order.Maker)
	mu.Lock()
	defer mu.Unlock()
	return g.store.ReleaseLock(ctx, order.ID)
}

func (g *Guard) evaluate(ctx context.Context, accountID, marketID string, required int64) (*CheckResult, error) {
	available, err := g.store.AvailableBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	locked, err := g.store.TotalLocked(ctx, accountID)
	if err != nil {
		return nil, err
	}

	res := &CheckResult{
		Available: available,
		Locked:    locked,
		Required:  required,
	}
	free := available - locked
	if free < required {
		shortfall := required - free
		res.Message = "insufficient collateral: need $" +
			models.TicksToDollars(required).StringFixed(2) +
			", short by $" + models.TicksToDollars(shortfall).StringFixed(2)
		return res, nil
	}
	res.HasBalance = true
	return res, nil
}
