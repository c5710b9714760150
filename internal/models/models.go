// Package models defines the persisted domain types shared by the order
// pipeline: orders, trades, settlement batches, positions, consensus jobs.
// Prices and collateral amounts are integer ticks (1 tick = $0.01) to avoid
// floating-point settlement drift.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Price bounds and contract payout, in ticks.
const (
	MinPriceTicks int64 = 1
	MaxPriceTicks int64 = 9899
	PayoutTicks   int64 = 10000
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Position sides for a binary market.
const (
	PositionYes = "YES"
	PositionNo  = "NO"
)

// Time in force.
const (
	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
	TimeInForceGTD = "GTD" // Good Till Date
)

// Order statuses.
const (
	OrderStatusPending     = "PENDING"
	OrderStatusPublished   = "PUBLISHED"
	OrderStatusPartialFill = "PARTIAL_FILL"
	OrderStatusFilled      = "FILLED"
	OrderStatusCancelled   = "CANCELLED"
	OrderStatusExpired     = "EXPIRED"
	OrderStatusRejected    = "REJECTED"
)

// Consensus job statuses. These values are the contract other services
// depend on; confirmed and failed are terminal.
const (
	JobStatusPending    = "pending"
	JobStatusClaimed    = "claimed"
	JobStatusSubmitting = "submitting"
	JobStatusSubmitted  = "submitted"
	JobStatusConfirmed  = "confirmed"
	JobStatusFailed     = "failed"
)

// Consensus job kinds. One logical ledger topic per message class.
const (
	JobKindPublishOrder = "publish_order"
	JobKindRecordTrade  = "record_trade"
	JobKindCreateTopic  = "create_topic"
	JobKindPublishBatch = "publish_batch"
)

// Ledger topics per message class.
const (
	TopicOrders   = "orders"
	TopicBatches  = "batches"
	TopicOracle   = "oracle"
	TopicDisputes = "disputes"
)

// Trade consensus statuses. A trade becomes eligible for batching once its
// record_trade job confirms on the external log.
const (
	TradePendingConsensus   = "pending"
	TradeConsensusConfirmed = "confirmed"
)

// Batch settlement statuses.
const (
	BatchStatusPending   = "PENDING"
	BatchStatusSubmitted = "SUBMITTED"
	BatchStatusConfirmed = "CONFIRMED"
	BatchStatusFailed    = "FAILED"
	BatchStatusDisputed  = "DISPUTED"
)

// Order represents a signed order in the venue. Immutable once signed
// except Status and FilledQuantity.
type Order struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"orderId"`
	MarketID       string    `gorm:"index:idx_orders_market" json:"marketId"`
	Maker          string    `gorm:"index" json:"maker"`
	Side           string    `json:"side"`
	PriceTicks     int64     `json:"priceTicks"`
	Quantity       int64     `json:"qty"`
	FilledQuantity int64     `json:"filledQty"`
	TimeInForce    string    `json:"timeInForce"`
	ExpiresAt      time.Time `json:"expiry"`
	Nonce          uint64    `json:"nonce"`
	MaxCollateral  int64     `json:"maxCollateral"`
	Signature      []byte    `json:"signature"`
	Status         string    `gorm:"index" json:"status"`
	Sequence       uint64    `json:"sequence"` // arrival sequence within the market
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// RemainingQuantity returns the unfilled portion of the order.
func (o *Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

// IsExpired reports whether the order has passed its expiry.
func (o *Order) IsExpired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// RequiredCollateralTicks computes the collateral an order must post, in
// ticks. A BUY posts price*qty/100; a SELL posts the potential payout side,
// (10000-price)*qty/100.
func RequiredCollateralTicks(side string, priceTicks, qty int64) int64 {
	if side == SideSell {
		return (PayoutTicks - priceTicks) * qty / 100
	}
	return priceTicks * qty / 100
}

// Trade is an execution produced by the matching engine. Immutable; belongs
// to exactly one Batch once aggregated.
type Trade struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"tradeId"`
	MarketID        string     `gorm:"index:idx_trades_market" json:"marketId"`
	BuyOrderID      uuid.UUID  `gorm:"type:uuid" json:"buyOrderId"`
	SellOrderID     uuid.UUID  `gorm:"type:uuid" json:"sellOrderId"`
	Buyer           string     `json:"buyer"`
	Seller          string     `json:"seller"`
	PriceTicks      int64      `json:"priceTicks"`
	Quantity        int64      `json:"qty"`
	BatchID         *uuid.UUID `gorm:"type:uuid;index" json:"batchId,omitempty"`
	ConsensusStatus string     `gorm:"index;default:pending" json:"consensusStatus"`
	ExecutedAt      time.Time  `json:"timestamp"`
}

// ConsensusJob is one durable unit of work: publish one message to the
// external append-only log and wait for mirror confirmation. Mutated only
// by the worker holding the claim.
type ConsensusJob struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Kind             string     `gorm:"index" json:"kind"`
	Topic            string     `json:"topic"`
	Payload          []byte     `json:"payload"`
	Status           string     `gorm:"index" json:"status"`
	TransactionRef   string     `gorm:"index" json:"transactionRef"`
	EntityID         string     `json:"entityId"`
	RetryCount       int        `json:"retryCount"`
	MaxRetries       int        `json:"maxRetries"`
	ClaimedAt        *time.Time `json:"claimedAt,omitempty"`
	WorkerID         string     `json:"workerId"`
	MirrorCheckedAt  *time.Time `json:"mirrorCheckedAt,omitempty"`
	MirrorRetryCount int        `json:"mirrorRetryCount"`
	LastError        string     `json:"error,omitempty"`
	NotBefore        *time.Time `json:"notBefore,omitempty"` // backoff eligibility gate
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the job reached a terminal status.
func (j *ConsensusJob) Terminal() bool {
	return j.Status == JobStatusConfirmed || j.Status == JobStatusFailed
}

// Batch is a time-windowed group of confirmed trades committed together for
// settlement. The trade set is frozen once the batch is created.
type Batch struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"batchId"`
	MarketID         string    `gorm:"index" json:"marketId"`
	WindowStart      time.Time `json:"windowStart"`
	WindowEnd        time.Time `json:"windowEnd"`
	TradeCount       int       `json:"tradeCount"`
	InputOrderRoot   string    `json:"inputOrderRoot"`
	BookSnapshotRoot string    `json:"bookSnapshotRoot"`
	SettlementStatus string    `gorm:"index" json:"settlementStatus"`
	SettlementTxRef  string    `json:"settlementTxRef,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Position is an account's exposure in one market.
type Position struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID        string          `gorm:"uniqueIndex:idx_positions_acct_mkt_side" json:"accountId"`
	MarketID         string          `gorm:"uniqueIndex:idx_positions_acct_mkt_side" json:"marketId"`
	Side             string          `gorm:"uniqueIndex:idx_positions_acct_mkt_side" json:"side"`
	Quantity         int64           `json:"quantity"`
	AvgEntryPrice    decimal.Decimal `gorm:"type:numeric" json:"avgEntryPrice"`
	CollateralLocked int64           `json:"collateralLocked"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Balance is an account's cash balance, in ticks.
type Balance struct {
	AccountID      string    `gorm:"primaryKey" json:"accountId"`
	AvailableTicks int64     `json:"availableTicks"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// CollateralLock records funds reserved against one open order.
type CollateralLock struct {
	OrderID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"orderId"`
	AccountID   string    `gorm:"index:idx_locks_acct_mkt" json:"accountId"`
	MarketID    string    `gorm:"index:idx_locks_acct_mkt" json:"marketId"`
	AmountTicks int64     `json:"amountTicks"`
	Released    bool      `gorm:"index" json:"released"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Market describes one tradable event market.
type Market struct {
	ID        string    `gorm:"primaryKey" json:"marketId"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	TopicRef  string    `json:"topicRef,omitempty"` // consensus topic created for this market
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Market statuses.
const (
	MarketStatusOpen     = "OPEN"
	MarketStatusHalted   = "HALTED"
	MarketStatusResolved = "RESOLVED"
)

// TicksToDollars renders a tick amount as a decimal dollar value for
// human-facing responses.
func TicksToDollars(ticks int64) decimal.Decimal {
	return decimal.New(ticks, -2)
}
