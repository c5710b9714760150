package orderbook

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// Level is one aggregated price level in a book snapshot.
type Level struct {
	PriceTicks int64 `json:"price"`
	Quantity   int64 `json:"quantity"`
	OrderCount int   `json:"orderCount"`
}

// Snapshot is an aggregated view of the book: bids descending by price,
// asks ascending.
type Snapshot struct {
	MarketID   string    `json:"marketId"`
	Bids       []Level   `json:"bids"`
	Asks       []Level   `json:"asks"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Snapshot aggregates up to depth levels per side. depth <= 0 means all.
func (b *Book) Snapshot(depth int) *Snapshot {
	snap := &Snapshot{
		MarketID:   b.MarketID,
		Bids:       make([]Level, 0, depth),
		Asks:       make([]Level, 0, depth),
		LastUpdate: b.lastUpdate,
	}
	now := time.Now()

	collect := func(dst *[]Level) func(price int64, level *priceLevel) bool {
		return func(price int64, level *priceLevel) bool {
			var qty int64
			var count int
			for _, o := range level.orders {
				if o.IsExpired(now) {
					continue
				}
				qty += o.RemainingQuantity()
				count++
			}
			if count > 0 {
				*dst = append(*dst, Level{PriceTicks: price, Quantity: qty, OrderCount: count})
			}
			return depth <= 0 || len(*dst) < depth
		}
	}

	b.bids.Reverse(collect(&snap.Bids))
	b.asks.Scan(collect(&snap.Asks))
	return snap
}

// Digest computes an opaque commitment over the snapshot's levels, used as
// the book snapshot root in settlement batches.
func (s *Snapshot) Digest() string {
	h := sha256.New()
	var buf [8]byte
	write := func(v int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	h.Write([]byte(s.MarketID))
	for _, l := range s.Bids {
		write(l.PriceTicks)
		write(l.Quantity)
	}
	h.Write([]byte{0xff}) // side separator
	for _, l := range s.Asks {
		write(l.PriceTicks)
		write(l.Quantity)
	}
	return hex.EncodeToString(h.Sum(nil))
}
