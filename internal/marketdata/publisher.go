// Package marketdata streams fills and book updates to downstream
// consumers over kafka. The stream is best-effort: publication failures are
// logged and never block the matching path.
package marketdata

import (
	"context"
	"encoding/json"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/forecastex/forecastex/internal/models"
	"github.com/forecastex/forecastex/internal/orderbook"
)

// Event types on the market-data stream.
const (
	EventTrade      = "trade"
	EventBookUpdate = "book_update"
)

// Event is one market-data message.
type Event struct {
	Type      string              `json:"type"`
	MarketID  string              `json:"marketId"`
	Trade     *models.Trade       `json:"trade,omitempty"`
	Snapshot  *orderbook.Snapshot `json:"snapshot,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Publisher writes events to the market-data topic. A nil Publisher is
// valid and drops everything, so callers never need to branch.
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher creates a kafka-backed publisher.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // key by market: per-market ordering
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &Publisher{writer: writer, logger: logger}
}

// PublishTrade emits a fill.
func (p *Publisher) PublishTrade(ctx context.Context, trade *models.Trade) {
	if p == nil {
		return
	}
	p.publish(ctx, trade.MarketID, &Event{
		Type:      EventTrade,
		MarketID:  trade.MarketID,
		Trade:     trade,
		Timestamp: time.Now(),
	})
}

// PublishBookUpdate emits the market's aggregated book after a mutation.
func (p *Publisher) PublishBookUpdate(ctx context.Context, snap *orderbook.Snapshot) {
	if p == nil {
		return
	}
	p.publish(ctx, snap.MarketID, &Event{
		Type:      EventBookUpdate,
		MarketID:  snap.MarketID,
		Snapshot:  snap,
		Timestamp: time.Now(),
	})
}

func (p *Publisher) publish(ctx context.Context, key string, e *Event) {
	val, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("marshal market-data event", zap.Error(err))
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: val,
	})
	if err != nil {
		p.logger.Warn("market-data publish failed",
			zap.String("market_id", key),
			zap.String("type", e.Type),
			zap.Error(err))
	}
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
