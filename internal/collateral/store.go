// Package collateral enforces that an account's locked collateral never
// exceeds its available balance, and maintains positions as fills land.
package collateral

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/forecastex/forecastex/internal/models"
)

// Store persists balances, collateral locks and positions.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates a ledger store backed by the given database.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// AvailableBalance returns the account's cash balance in ticks. Unknown
// accounts have a zero balance.
func (s *Store) AvailableBalance(ctx context.Context, accountID string) (int64, error) {
	var bal models.Balance
	err := s.db.WithContext(ctx).First(&bal, "account_id = ?", accountID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, err
	}
	return bal.AvailableTicks, nil
}

// Credit adds funds to an account, creating it if needed.
func (s *Store) Credit(ctx context.Context, accountID string, amountTicks int64) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"available_ticks": gorm.Expr("available_ticks + ?", amountTicks),
			"updated_at":      time.Now(),
		}),
	}).Create(&models.Balance{
		AccountID:      accountID,
		AvailableTicks: amountTicks,
		UpdatedAt:      time.Now(),
	}).Error
}

// LockedCollateral sums the account's unreleased locks in one market.
func (s *Store) LockedCollateral(ctx context.Context, accountID, marketID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&models.CollateralLock{}).
		Where("account_id = ? AND market_id = ? AND released = ?", accountID, marketID, false).
		Select("COALESCE(SUM(amount_ticks), 0)").
		Scan(&total).Error
	return total, err
}

// TotalLocked sums the account's unreleased locks across all markets.
func (s *Store) TotalLocked(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&models.CollateralLock{}).
		Where("account_id = ? AND released = ?", accountID, false).
		Select("COALESCE(SUM(amount_ticks), 0)").
		Scan(&total).Error
	return total, err
}

// CreateLock records a reservation against one open order.
func (s *Store) CreateLock(ctx context.Context, orderID uuid.UUID, accountID, marketID string, amountTicks int64) error {
	return s.db.WithContext(ctx).Create(&models.CollateralLock{
		OrderID:     orderID,
		AccountID:   accountID,
		MarketID:    marketID,
		AmountTicks: amountTicks,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}).Error
}

// ReleaseLock frees the remaining reservation of an order (cancel, expiry,
// or full fill).
func (s *Store) ReleaseLock(ctx context.Context, orderID uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&models.CollateralLock{}).
		Where("order_id = ? AND released = ?", orderID, false).
		Updates(map[string]interface{}{"released": true, "updated_at": time.Now()}).Error
}

// ConsumeLock moves part of an order's reservation into a position as a
// fill executes.
func (s *Store) ConsumeLock(ctx context.Context, orderID uuid.UUID, amountTicks int64) error {
	return s.db.WithContext(ctx).Model(&models.CollateralLock{}).
		Where("order_id = ? AND released = ?", orderID, false).
		Update("amount_ticks", gorm.Expr("amount_ticks - ?", amountTicks)).Error
}

// ApplyFill updates the buyer's YES position and the seller's NO position
// for one trade, moving reserved collateral into the positions and
// debiting cash.
func (s *Store) ApplyFill(ctx context.Context, trade *models.Trade) error {
	buyerCost := trade.PriceTicks * trade.Quantity / 100
	sellerCost := (models.PayoutTicks - trade.PriceTicks) * trade.Quantity / 100

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.upsertPosition(tx, trade.Buyer, trade.MarketID, models.PositionYes,
			trade.Quantity, trade.PriceTicks, buyerCost); err != nil {
			return err
		}
		if err := s.upsertPosition(tx, trade.Seller, trade.MarketID, models.PositionNo,
			trade.Quantity, models.PayoutTicks-trade.PriceTicks, sellerCost); err != nil {
			return err
		}
		if err := s.debit(tx, trade.Buyer, buyerCost); err != nil {
			return err
		}
		return s.debit(tx, trade.Seller, sellerCost)
	})
}

func (s *Store) debit(tx *gorm.DB, accountID string, amountTicks int64) error {
	return tx.Model(&models.Balance{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"available_ticks": gorm.Expr("available_ticks - ?", amountTicks),
			"updated_at":      time.Now(),
		}).Error
}

func (s *Store) upsertPosition(tx *gorm.DB, accountID, marketID, side string, qty, priceTicks, collateral int64) error {
	var pos models.Position
	err := tx.Where("account_id = ? AND market_id = ? AND side = ?", accountID, marketID, side).
		First(&pos).Error
	if err == gorm.ErrRecordNotFound {
		return tx.Create(&models.Position{
			ID:               uuid.New(),
			AccountID:        accountID,
			MarketID:         marketID,
			Side:             side,
			Quantity:         qty,
			AvgEntryPrice:    models.TicksToDollars(priceTicks),
			CollateralLocked: collateral,
			UpdatedAt:        time.Now(),
		}).Error
	}
	if err != nil {
		return err
	}

	// Weighted average entry price over the combined size.
	oldQty := decimal.NewFromInt(pos.Quantity)
	newQty := decimal.NewFromInt(qty)
	combined := oldQty.Add(newQty)
	avg := pos.AvgEntryPrice.Mul(oldQty).
		Add(models.TicksToDollars(priceTicks).Mul(newQty)).
		Div(combined)

	pos.Quantity += qty
	pos.AvgEntryPrice = avg
	pos.CollateralLocked += collateral
	pos.UpdatedAt = time.Now()
	return tx.Save(&pos).Error
}

// Position returns one account/market/side position.
func (s *Store) Position(ctx context.Context, accountID, marketID, side string) (*models.Position, error) {
	var pos models.Position
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND market_id = ? AND side = ?", accountID, marketID, side).
		First(&pos).Error
	if err != nil {
		return nil, err
	}
	return &pos, nil
}
