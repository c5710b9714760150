package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrNotVisible means the mirror has not yet observed the transaction.
// Callers stay in submitted state and retry.
var ErrNotVisible = errors.New("transaction not yet visible on mirror")

// Mirror result status codes, as reported by the read replica.
const (
	MirrorStatusSuccess = "SUCCESS"
	MirrorStatusFailed  = "FAILED"
)

// LogClient publishes messages to the external append-only consensus log.
// Submission returns a transaction reference immediately; finality is
// confirmed later through the mirror.
type LogClient interface {
	SubmitMessage(ctx context.Context, topic string, payload []byte) (txRef string, err error)
	CreateTopic(ctx context.Context, memo string) (txRef string, err error)
}

// MirrorResult is the read replica's report for one transaction reference.
type MirrorResult struct {
	Status   string `json:"status"`
	EntityID string `json:"entityId,omitempty"`
}

// Failed reports whether the ledger explicitly rejected the transaction.
func (r *MirrorResult) Failed() bool { return r.Status != MirrorStatusSuccess }

// MirrorClient queries the eventually-consistent read replica.
type MirrorClient interface {
	GetTransaction(ctx context.Context, txRef string) (*MirrorResult, error)
}

// HTTPLedgerClient talks to the consensus log and its mirror over REST.
type HTTPLedgerClient struct {
	baseURL   string
	mirrorURL string
	client    *http.Client
	logger    *zap.Logger
}

var _ LogClient = (*HTTPLedgerClient)(nil)
var _ MirrorClient = (*HTTPLedgerClient)(nil)

// NewHTTPLedgerClient creates a client for the given log and mirror base
// URLs. timeout bounds each individual call.
func NewHTTPLedgerClient(baseURL, mirrorURL string, timeout time.Duration, logger *zap.Logger) *HTTPLedgerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPLedgerClient{
		baseURL:   baseURL,
		mirrorURL: mirrorURL,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

type submitResponse struct {
	TransactionID string `json:"transactionId"`
}

// SubmitMessage posts one message to a topic and returns the transaction
// reference the log assigned.
func (c *HTTPLedgerClient) SubmitMessage(ctx context.Context, topic string, payload []byte) (string, error) {
	url := fmt.Sprintf("%s/topics/%s/messages", c.baseURL, topic)
	body, _ := json.Marshal(map[string]any{"message": payload})
	return c.submit(ctx, url, body)
}

// CreateTopic requests a new topic on the log.
func (c *HTTPLedgerClient) CreateTopic(ctx context.Context, memo string) (string, error) {
	url := fmt.Sprintf("%s/topics", c.baseURL)
	body, _ := json.Marshal(map[string]any{"memo": memo})
	return c.submit(ctx, url, body)
}

func (c *HTTPLedgerClient) submit(ctx context.Context, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ledger submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ledger submit: status %d: %s", resp.StatusCode, string(data))
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ledger submit: decode response: %w", err)
	}
	if out.TransactionID == "" {
		return "", fmt.Errorf("ledger submit: empty transaction id")
	}
	return out.TransactionID, nil
}

// GetTransaction queries the mirror for a transaction. Returns
// ErrNotVisible on 404 so callers can distinguish "not yet" from failure.
func (c *HTTPLedgerClient) GetTransaction(ctx context.Context, txRef string) (*MirrorResult, error) {
	url := fmt.Sprintf("%s/transactions/%s", c.mirrorURL, txRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mirror query: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotVisible
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("mirror query: status %d", resp.StatusCode)
	}
	var out MirrorResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("mirror query: decode response: %w", err)
	}
	return &out, nil
}
