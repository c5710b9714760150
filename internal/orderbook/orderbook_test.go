package orderbook

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/forecastex/forecastex/pkg/errors"

	"github.com/forecastex/forecastex/internal/models"
)

func newOrder(side string, price, qty int64, tif string) *models.Order {
	return &models.Order{
		ID:          uuid.New(),
		MarketID:    "mkt-1",
		Maker:       "0x" + uuid.New().String()[:8],
		Side:        side,
		PriceTicks:  price,
		Quantity:    qty,
		TimeInForce: tif,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestMatchAtRestingPrice(t *testing.T) {
	book := New("mkt-1", nil)
	now := time.Now()

	buy := newOrder(models.SideBuy, 55, 10, models.TimeInForceGTC)
	res, err := book.Submit(buy, now)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	require.NotNil(t, res.Resting)
	assert.Equal(t, models.OrderStatusPublished, buy.Status)

	sell := newOrder(models.SideSell, 50, 10, models.TimeInForceGTC)
	res, err = book.Submit(sell, now)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	trade := res.Trades[0]
	assert.Equal(t, int64(55), trade.PriceTicks, "trade executes at the resting order's price")
	assert.Equal(t, int64(10), trade.Quantity)
	assert.Equal(t, buy.ID, trade.BuyOrderID)
	assert.Equal(t, sell.ID, trade.SellOrderID)
	assert.Equal(t, models.OrderStatusFilled, buy.Status)
	assert.Equal(t, models.OrderStatusFilled, sell.Status)
	assert.Zero(t, book.Len())
}

func TestTimePriorityWithinLevel(t *testing.T) {
	book := New("mkt-1", nil)
	now := time.Now()

	first := newOrder(models.SideBuy, 50, 5, models.TimeInForceGTC)
	second := newOrder(models.SideBuy, 50, 5, models.TimeInForceGTC)
	_, err := book.Submit(first, now)
	require.NoError(t, err)
	_, err = book.Submit(second, now)
	require.NoError(t, err)

	sell := newOrder(models.SideSell, 50, 8, models.TimeInForceGTC)
	res, err := book.Submit(sell, now)
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, first.ID, res.Trades[0].BuyOrderID, "first resting order fills first")
	assert.Equal(t, int64(5), res.Trades[0].Quantity)
	assert.Equal(t, second.ID, res.Trades[1].BuyOrderID)
	assert.Equal(t, int64(3), res.Trades[1].Quantity)

	assert.Equal(t, models.OrderStatusFilled, first.Status)
	assert.Equal(t, models.OrderStatusPartialFill, second.Status)
	assert.Equal(t, int64(2), second.RemainingQuantity())

	resting, ok := book.Order(second.ID)
	require.True(t, ok, "partially filled maker stays on the book")
	assert.Equal(t, int64(2), resting.RemainingQuantity())
}

func TestPricePriorityAcrossLevels(t *testing.T) {
	book := New("mkt-1", nil)
	now := time.Now()

	cheap := newOrder(models.SideSell, 40, 5, models.TimeInForceGTC)
	pricey := newOrder(models.SideSell, 45, 5, models.TimeInForceGTC)
	_, err := book.Submit(pricey, now)
	require.NoError(t, err)
	_, err = book.Submit(cheap, now)
	require.NoError(t, err)

	buy := newOrder(models.SideBuy, 45, 7, models.TimeInForceGTC)
	res, err := book.Submit(buy, now)
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, int64(40), res.Trades[0].PriceTicks, "best ask fills first")
	assert.Equal(t, int64(5), res.Trades[0].Quantity)
	assert.Equal(t, int64(45), res.Trades[1].PriceTicks)
	assert.Equal(t, int64(2), res.Trades[1].Quantity)
}

func TestIOCRemainderNeverRests(t *testing.T) {
	book := New("mkt-1", nil)
	now := time.Now()

	sell := newOrder(models.SideSell, 50, 4, models.TimeInForceGTC)
	_, err := book.Submit(sell, now)
	require.NoError(t, err)

	ioc := newOrder(models.SideBuy, 50, 10, models.TimeInForceIOC)
	res, err := book.Submit(ioc, now)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(4), res.Trades[0].Quantity)
	assert.Nil(t, res.Resting)
	assert.Equal(t, models.OrderStatusCancelled, ioc.Status)
	_, ok := book.Order(ioc.ID)
	assert.False(t, ok)
}

func TestFOKAllOrNothing(t *testing.T) {
	book := New("mkt-1", nil)
	now := time.Now()

	sell := newOrder(models.SideSell, 50, 4, models.TimeInForceGTC)
	_, err := book.Submit(sell, now)
	require.NoError(t, err)

	fok := newOrder(models.SideBuy, 50, 10, models.TimeInForceFOK)
	res, err := book.Submit(fok, now)
	require.NoError(t, err)

	assert.Empty(t, res.Trades, "unfillable FOK produces zero trades")
	assert.Equal(t, models.OrderStatusRejected, fok.Status)
	resting, ok := book.Order(sell.ID)
	require.True(t, ok)
	assert.Equal(t, int64(4), resting.RemainingQuantity(), "book is untouched")

	// The same FOK fills completely once liquidity exists.
	more := newOrder(models.SideSell, 50, 6, models.TimeInForceGTC)
	_, err = book.Submit(more, now)
	require.NoError(t, err)

	fok2 := newOrder(models.SideBuy, 50, 10, models.TimeInForceFOK)
	res, err = book.Submit(fok2, now)
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, models.OrderStatusFilled, fok2.Status)
}

func TestCancel(t *testing.T) {
	book := New("mkt-1", nil)
	now := time.Now()

	order := newOrder(models.SideBuy, 30, 5, models.TimeInForceGTC)
	_, err := book.Submit(order, now)
	require.NoError(t, err)

	_, err = book.Cancel(order.ID, "someone-else")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindNotOwner, pkgerrors.KindOf(err))

	cancelled, err := book.Cancel(order.ID, order.Maker)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Zero(t, book.Len())

	_, err = book.Cancel(order.ID, order.Maker)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindNotFound, pkgerrors.KindOf(err))
}

func TestExpirySweep(t *testing.T) {
	book := New("mkt-1", nil)
	now := time.Now()

	stale := newOrder(models.SideBuy, 30, 5, models.TimeInForceGTD)
	stale.ExpiresAt = now.Add(time.Minute)
	fresh := newOrder(models.SideBuy, 31, 5, models.TimeInForceGTC)
	_, err := book.Submit(stale, now)
	require.NoError(t, err)
	_, err = book.Submit(fresh, now)
	require.NoError(t, err)

	expired := book.SweepExpired(now.Add(2 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)
	assert.Equal(t, models.OrderStatusExpired, stale.Status)
	assert.Equal(t, 1, book.Len())
}

func TestLazyExpiryOnTouch(t *testing.T) {
	book := New("mkt-1", nil)
	now := time.Now()

	stale := newOrder(models.SideSell, 50, 5, models.TimeInForceGTD)
	stale.ExpiresAt = now.Add(time.Minute)
	live := newOrder(models.SideSell, 50, 5, models.TimeInForceGTC)
	_, err := book.Submit(stale, now)
	require.NoError(t, err)
	_, err = book.Submit(live, now)
	require.NoError(t, err)

	later := now.Add(2 * time.Minute)
	buy := newOrder(models.SideBuy, 50, 5, models.TimeInForceGTC)
	res, err := book.Submit(buy, later)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, live.ID, res.Trades[0].SellOrderID, "expired maker is skipped, not matched")
	require.Len(t, res.Expired, 1)
	assert.Equal(t, stale.ID, res.Expired[0].ID)
}

func TestSnapshotOrderingAndAggregation(t *testing.T) {
	book := New("mkt-1", nil)
	now := time.Now()

	for _, o := range []*models.Order{
		newOrder(models.SideBuy, 40, 5, models.TimeInForceGTC),
		newOrder(models.SideBuy, 45, 3, models.TimeInForceGTC),
		newOrder(models.SideBuy, 45, 2, models.TimeInForceGTC),
		newOrder(models.SideSell, 55, 4, models.TimeInForceGTC),
		newOrder(models.SideSell, 60, 6, models.TimeInForceGTC),
	} {
		_, err := book.Submit(o, now)
		require.NoError(t, err)
	}

	snap := book.Snapshot(10)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)

	assert.Equal(t, int64(45), snap.Bids[0].PriceTicks, "bids descend")
	assert.Equal(t, int64(5), snap.Bids[0].Quantity)
	assert.Equal(t, 2, snap.Bids[0].OrderCount)
	assert.Equal(t, int64(40), snap.Bids[1].PriceTicks)

	assert.Equal(t, int64(55), snap.Asks[0].PriceTicks, "asks ascend")
	assert.Equal(t, int64(60), snap.Asks[1].PriceTicks)

	assert.NotEmpty(t, snap.Digest())
}

func TestDeterministicReplay(t *testing.T) {
	build := func() *Snapshot {
		book := New("mkt-1", nil)
		now := time.Now()
		orders := []*models.Order{
			{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Side: models.SideBuy, PriceTicks: 50, Quantity: 5, TimeInForce: models.TimeInForceGTC, ExpiresAt: now.Add(time.Hour)},
			{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Side: models.SideBuy, PriceTicks: 50, Quantity: 5, TimeInForce: models.TimeInForceGTC, ExpiresAt: now.Add(time.Hour)},
			{ID: uuid.MustParse("00000000-0000-0000-0000-000000000003"), Side: models.SideSell, PriceTicks: 48, Quantity: 8, TimeInForce: models.TimeInForceGTC, ExpiresAt: now.Add(time.Hour)},
		}
		for _, o := range orders {
			o.MarketID = "mkt-1"
			o.FilledQuantity = 0
			_, err := book.Submit(o, now)
			require.NoError(t, err)
		}
		return book.Snapshot(0)
	}

	first := build()
	second := build()
	assert.Equal(t, first.Bids, second.Bids, "same order sequence yields the same book")
	assert.Equal(t, first.Asks, second.Asks)
}
