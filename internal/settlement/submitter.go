package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/forecastex/forecastex/internal/models"
)

// ContractClient submits a batch to the external settlement contract.
// Fire-and-forget: the call returns a transaction reference and final
// CONFIRMED/FAILED/DISPUTED resolution arrives through the contract's own
// audit window.
type ContractClient interface {
	SubmitBatch(ctx context.Context, batch *models.Batch) (txRef string, err error)
}

// HTTPContractClient posts batches to the settlement contract gateway.
type HTTPContractClient struct {
	baseURL string
	client  *http.Client
}

var _ ContractClient = (*HTTPContractClient)(nil)

// NewHTTPContractClient creates a settlement contract client.
func NewHTTPContractClient(baseURL string, timeout time.Duration) *HTTPContractClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPContractClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// SubmitBatch posts the batch commitment and returns the contract's
// transaction reference.
func (c *HTTPContractClient) SubmitBatch(ctx context.Context, batch *models.Batch) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"batchId":          batch.ID,
		"marketId":         batch.MarketID,
		"tradeCount":       batch.TradeCount,
		"inputOrderRoot":   batch.InputOrderRoot,
		"bookSnapshotRoot": batch.BookSnapshotRoot,
		"windowStart":      batch.WindowStart,
		"windowEnd":        batch.WindowEnd,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/settlement/batches", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("settlement submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("settlement submit: status %d: %s", resp.StatusCode, string(data))
	}
	var out struct {
		TxRef string `json:"txRef"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("settlement submit: decode response: %w", err)
	}
	return out.TxRef, nil
}

// Submitter pushes PENDING batches to the settlement contract and marks
// them SUBMITTED. Submission failures leave the batch pending for the next
// sweep.
type Submitter struct {
	db       *gorm.DB
	client   ContractClient
	logger   *zap.Logger
	interval time.Duration
}

// NewSubmitter creates a settlement submitter.
func NewSubmitter(db *gorm.DB, client ContractClient, interval time.Duration, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{db: db, client: client, logger: logger, interval: interval}
}

// Start sweeps on the configured cadence until the context is cancelled.
func (s *Submitter) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("settlement submitter started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("settlement submitter stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("settlement sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce submits every pending batch. Returns the number submitted.
func (s *Submitter) RunOnce(ctx context.Context) (int, error) {
	var batches []models.Batch
	err := s.db.WithContext(ctx).
		Where("settlement_status = ?", models.BatchStatusPending).
		Order("created_at ASC").
		Find(&batches).Error
	if err != nil {
		return 0, err
	}

	submitted := 0
	for i := range batches {
		batch := &batches[i]
		txRef, err := s.client.SubmitBatch(ctx, batch)
		if err != nil {
			s.logger.Warn("batch submission failed, will retry",
				zap.String("batch_id", batch.ID.String()),
				zap.Error(err))
			continue
		}
		res := s.db.WithContext(ctx).Model(&models.Batch{}).
			Where("id = ? AND settlement_status = ?", batch.ID, models.BatchStatusPending).
			Updates(map[string]interface{}{
				"settlement_status": models.BatchStatusSubmitted,
				"settlement_tx_ref": txRef,
				"updated_at":        time.Now(),
			})
		if res.Error != nil {
			return submitted, res.Error
		}
		if res.RowsAffected == 1 {
			submitted++
			s.logger.Info("batch submitted for settlement",
				zap.String("batch_id", batch.ID.String()),
				zap.String("tx_ref", txRef))
		}
	}
	return submitted, nil
}

// ResolveStatus records the contract's final verdict for a batch. The
// reporting interface follows the same job-status pattern as the consensus
// queue; this is its landing point.
func (s *Submitter) ResolveStatus(ctx context.Context, batchID string, status string) error {
	switch status {
	case models.BatchStatusConfirmed, models.BatchStatusFailed, models.BatchStatusDisputed:
	default:
		return fmt.Errorf("invalid settlement resolution %q", status)
	}
	return s.db.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ? AND settlement_status = ?", batchID, models.BatchStatusSubmitted).
		Updates(map[string]interface{}{
			"settlement_status": status,
			"updated_at":        time.Now(),
		}).Error
}
