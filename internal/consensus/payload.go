// Package consensus implements the durable publish pipeline to the external
// append-only consensus log: a persisted job queue with atomic claims,
// workers that submit messages, a mirror confirmer that verifies finality
// through the read replica, and a health monitor that reclaims stuck work.
package consensus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forecastex/forecastex/internal/models"
)

// Job payloads are tagged variants: one concrete type per job kind,
// validated when the job enters the queue.

// OrderPayload publishes one accepted order to the orders topic.
type OrderPayload struct {
	OrderID  uuid.UUID `json:"orderId"`
	MarketID string    `json:"marketId"`
}

// TradePayload records one execution on the orders topic.
type TradePayload struct {
	TradeID  uuid.UUID `json:"tradeId"`
	MarketID string    `json:"marketId"`
}

// TopicPayload requests creation of a consensus topic for a market.
type TopicPayload struct {
	MarketID string `json:"marketId"`
	Memo     string `json:"memo"`
}

// BatchPayload publishes a settlement batch commitment to the batches topic.
type BatchPayload struct {
	BatchID          uuid.UUID `json:"batchId"`
	MarketID         string    `json:"marketId"`
	InputOrderRoot   string    `json:"inputOrderRoot"`
	BookSnapshotRoot string    `json:"bookSnapshotRoot"`
}

func topicFor(kind string) (string, error) {
	switch kind {
	case models.JobKindPublishOrder, models.JobKindRecordTrade:
		return models.TopicOrders, nil
	case models.JobKindPublishBatch:
		return models.TopicBatches, nil
	case models.JobKindCreateTopic:
		return "", nil // topic creation has no target topic
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
}

func validatePayload(kind string, payload any) error {
	ok := false
	switch kind {
	case models.JobKindPublishOrder:
		_, ok = payload.(OrderPayload)
	case models.JobKindRecordTrade:
		_, ok = payload.(TradePayload)
	case models.JobKindCreateTopic:
		_, ok = payload.(TopicPayload)
	case models.JobKindPublishBatch:
		_, ok = payload.(BatchPayload)
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
	if !ok {
		return fmt.Errorf("payload type %T does not match job kind %q", payload, kind)
	}
	return nil
}

// NewJob builds a ConsensusJob for the given kind and payload. The payload
// type must match the kind.
func NewJob(kind string, payload any, maxRetries int) (*models.ConsensusJob, error) {
	if err := validatePayload(kind, payload); err != nil {
		return nil, err
	}
	topic, err := topicFor(kind)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	now := time.Now()
	return &models.ConsensusJob{
		ID:         uuid.New(),
		Kind:       kind,
		Topic:      topic,
		Payload:    raw,
		Status:     models.JobStatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// DecodePayload unmarshals a job's payload into its kind's variant.
func DecodePayload(job *models.ConsensusJob) (any, error) {
	switch job.Kind {
	case models.JobKindPublishOrder:
		var p OrderPayload
		return p, json.Unmarshal(job.Payload, &p)
	case models.JobKindRecordTrade:
		var p TradePayload
		return p, json.Unmarshal(job.Payload, &p)
	case models.JobKindCreateTopic:
		var p TopicPayload
		return p, json.Unmarshal(job.Payload, &p)
	case models.JobKindPublishBatch:
		var p BatchPayload
		return p, json.Unmarshal(job.Payload, &p)
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
