// Package orderbook implements the per-market price-time-priority book and
// matching algorithm. A Book has exactly one logical owner (the market
// engine) and is never accessed concurrently; all serialization happens one
// level up, so the book itself carries no locks.
package orderbook

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	pkgerrors "github.com/forecastex/forecastex/pkg/errors"

	"github.com/forecastex/forecastex/internal/models"
)

// priceLevel holds the resting orders at one price in arrival order.
type priceLevel struct {
	price  int64
	orders []*models.Order // FIFO: time priority within the level
}

func (l *priceLevel) openQuantity(now time.Time) int64 {
	var total int64
	for _, o := range l.orders {
		if o.IsExpired(now) {
			continue
		}
		total += o.RemainingQuantity()
	}
	return total
}

func (l *priceLevel) remove(id uuid.UUID) {
	for i, o := range l.orders {
		if o.ID == id {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return
		}
	}
}

// SubmitResult reports everything one Submit call did to the book.
type SubmitResult struct {
	Trades  []*models.Trade
	Resting *models.Order   // non-nil when the remainder rests
	Filled  []*models.Order // maker orders fully filled by this submit
	Touched []*models.Order // maker orders partially filled by this submit
	Expired []*models.Order // resting orders swept lazily during this touch
}

// Book is one market's order book. Bids iterate descending by price, asks
// ascending; within a level, ascending arrival sequence.
type Book struct {
	MarketID string

	bids *btree.Map[int64, *priceLevel]
	asks *btree.Map[int64, *priceLevel]
	byID map[uuid.UUID]*models.Order

	seq        uint64
	lastUpdate time.Time
	logger     *zap.Logger
}

// New creates an empty book for the market.
func New(marketID string, logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		MarketID: marketID,
		bids:     btree.NewMap[int64, *priceLevel](32),
		asks:     btree.NewMap[int64, *priceLevel](32),
		byID:     make(map[uuid.UUID]*models.Order),
		logger:   logger,
	}
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.byID) }

// Order returns a resting order by id.
func (b *Book) Order(id uuid.UUID) (*models.Order, bool) {
	o, ok := b.byID[id]
	return o, ok
}

// LastUpdate returns the time of the last book mutation.
func (b *Book) LastUpdate() time.Time { return b.lastUpdate }

// Submit crosses the order against the opposing side in strict
// price-then-time priority, then rests any remainder according to its time
// in force. Trades always execute at the resting (maker) order's price.
func (b *Book) Submit(order *models.Order, now time.Time) (*SubmitResult, error) {
	if order == nil {
		return nil, fmt.Errorf("order is nil")
	}
	if order.RemainingQuantity() <= 0 {
		return nil, fmt.Errorf("order %s has no remaining quantity", order.ID)
	}

	res := &SubmitResult{}

	// Fill-or-kill is all-or-nothing: simulate before touching anything.
	if order.TimeInForce == models.TimeInForceFOK && !b.canFullyFill(order, now) {
		order.Status = models.OrderStatusRejected
		return res, nil
	}

	order.Sequence = b.nextSeq()
	b.cross(order, now, res)

	remaining := order.RemainingQuantity()
	switch {
	case remaining == 0:
		order.Status = models.OrderStatusFilled
	case order.TimeInForce == models.TimeInForceIOC:
		// Unfilled IOC remainder is discarded, never queued.
		order.Status = models.OrderStatusCancelled
	default:
		b.rest(order)
		if order.FilledQuantity > 0 {
			order.Status = models.OrderStatusPartialFill
		} else {
			order.Status = models.OrderStatusPublished
		}
		res.Resting = order
	}

	b.lastUpdate = now
	return res, nil
}

// cross consumes liquidity from the opposing side until the order is filled
// or no level crosses.
func (b *Book) cross(order *models.Order, now time.Time, res *SubmitResult) {
	isBuy := order.Side == models.SideBuy
	opp := b.asks
	if !isBuy {
		opp = b.bids
	}

	var emptied []int64
	iter := func(price int64, level *priceLevel) bool {
		if isBuy && price > order.PriceTicks {
			return false
		}
		if !isBuy && price < order.PriceTicks {
			return false
		}
		for _, maker := range append([]*models.Order(nil), level.orders...) {
			if order.RemainingQuantity() == 0 {
				break
			}
			if maker.IsExpired(now) {
				b.expireResting(maker, level, now)
				res.Expired = append(res.Expired, maker)
				continue
			}
			matchQty := min64(order.RemainingQuantity(), maker.RemainingQuantity())
			if matchQty <= 0 {
				continue
			}
			order.FilledQuantity += matchQty
			maker.FilledQuantity += matchQty

			res.Trades = append(res.Trades, b.newTrade(order, maker, price, matchQty, now))

			if maker.RemainingQuantity() == 0 {
				maker.Status = models.OrderStatusFilled
				level.remove(maker.ID)
				delete(b.byID, maker.ID)
				res.Filled = append(res.Filled, maker)
			} else {
				maker.Status = models.OrderStatusPartialFill
				res.Touched = append(res.Touched, maker)
			}
		}
		if len(level.orders) == 0 {
			emptied = append(emptied, price)
		}
		return order.RemainingQuantity() > 0
	}

	if isBuy {
		opp.Scan(iter) // asks ascending: best ask first
	} else {
		opp.Reverse(iter) // bids descending: best bid first
	}

	for _, price := range emptied {
		opp.Delete(price)
	}
}

// newTrade builds the execution record at the maker's price.
func (b *Book) newTrade(taker, maker *models.Order, price, qty int64, now time.Time) *models.Trade {
	t := &models.Trade{
		ID:              uuid.New(),
		MarketID:        b.MarketID,
		PriceTicks:      price,
		Quantity:        qty,
		ConsensusStatus: models.TradePendingConsensus,
		ExecutedAt:      now,
	}
	if taker.Side == models.SideBuy {
		t.BuyOrderID, t.SellOrderID = taker.ID, maker.ID
		t.Buyer, t.Seller = taker.Maker, maker.Maker
	} else {
		t.BuyOrderID, t.SellOrderID = maker.ID, taker.ID
		t.Buyer, t.Seller = maker.Maker, taker.Maker
	}
	return t
}

// canFullyFill simulates a cross without mutating the book.
func (b *Book) canFullyFill(order *models.Order, now time.Time) bool {
	isBuy := order.Side == models.SideBuy
	opp := b.asks
	if !isBuy {
		opp = b.bids
	}
	needed := order.RemainingQuantity()
	iter := func(price int64, level *priceLevel) bool {
		if isBuy && price > order.PriceTicks {
			return false
		}
		if !isBuy && price < order.PriceTicks {
			return false
		}
		needed -= level.openQuantity(now)
		return needed > 0
	}
	if isBuy {
		opp.Scan(iter)
	} else {
		opp.Reverse(iter)
	}
	return needed <= 0
}

// rest places the remainder on the order's own side of the book.
func (b *Book) rest(order *models.Order) {
	side := b.bids
	if order.Side == models.SideSell {
		side = b.asks
	}
	level, ok := side.Get(order.PriceTicks)
	if !ok {
		level = &priceLevel{price: order.PriceTicks}
		side.Set(order.PriceTicks, level)
	}
	level.orders = append(level.orders, order)
	b.byID[order.ID] = order
}

// Cancel removes a resting order. Only the order's maker may cancel it.
func (b *Book) Cancel(orderID uuid.UUID, accountID string) (*models.Order, error) {
	order, ok := b.byID[orderID]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.KindNotFound, "order %s not resting", orderID)
	}
	if order.Maker != accountID {
		return nil, pkgerrors.New(pkgerrors.KindNotOwner, "order belongs to another account")
	}
	b.removeResting(order)
	order.Status = models.OrderStatusCancelled
	b.lastUpdate = time.Now()
	return order, nil
}

// SweepExpired removes every resting order whose expiry has passed and
// marks it EXPIRED. Called periodically by the engine; matching also sweeps
// lazily on touch.
func (b *Book) SweepExpired(now time.Time) []*models.Order {
	var expired []*models.Order
	for _, o := range b.byID {
		if o.IsExpired(now) {
			expired = append(expired, o)
		}
	}
	for _, o := range expired {
		b.removeResting(o)
		o.Status = models.OrderStatusExpired
	}
	if len(expired) > 0 {
		b.lastUpdate = now
	}
	return expired
}

func (b *Book) expireResting(o *models.Order, level *priceLevel, now time.Time) {
	level.remove(o.ID)
	delete(b.byID, o.ID)
	o.Status = models.OrderStatusExpired
}

func (b *Book) removeResting(o *models.Order) {
	side := b.bids
	if o.Side == models.SideSell {
		side = b.asks
	}
	if level, ok := side.Get(o.PriceTicks); ok {
		level.remove(o.ID)
		if len(level.orders) == 0 {
			side.Delete(o.PriceTicks)
		}
	}
	delete(b.byID, o.ID)
}

func (b *Book) nextSeq() uint64 {
	b.seq++
	return b.seq
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
