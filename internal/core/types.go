// Package core defines the domain types and interfaces for the order execution engine
package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderKind identifies the processing strategy for an order
type OrderKind string

const (
	KindMarket OrderKind = "market"
	KindLimit  OrderKind = "limit"
	KindSniper OrderKind = "sniper"
)

// Status represents the lifecycle state of an order
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further processing will touch the order.
// A failed order is only terminal with respect to a single processing attempt;
// the queue may redeliver it, see CanTransition.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransition reports whether the status graph permits moving to the given
// status. The success path is strictly sequential
// (created -> pending -> routing -> building -> submitted -> confirmed) and
// failed is reachable from any state except confirmed. failed -> pending is the
// redelivery re-entry edge: a retried order restarts its state machine.
func (s Status) CanTransition(to Status) bool {
	if s == StatusConfirmed {
		return false
	}
	switch to {
	case StatusPending:
		return s == StatusCreated || s == StatusFailed
	case StatusRouting:
		return s == StatusPending
	case StatusBuilding:
		return s == StatusRouting
	case StatusSubmitted:
		return s == StatusBuilding
	case StatusConfirmed:
		return s == StatusSubmitted
	case StatusFailed:
		return s != StatusFailed
	default:
		return false
	}
}

// TradingPair is an input/output token pair
type TradingPair struct {
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
}

// String returns the canonical "IN-OUT" form used as a price table key
func (p TradingPair) String() string {
	return p.TokenIn + "-" + p.TokenOut
}

// Order is the unit of work flowing through the pipeline
type Order struct {
	ID        string          `json:"id"`
	Pair      TradingPair     `json:"pair"`
	Amount    decimal.Decimal `json:"amount"`
	Kind      OrderKind       `json:"kind"`
	Slippage  float64         `json:"slippage"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`

	// Execution outcome, populated on confirmation
	ExecutedPrice decimal.Decimal `json:"executed_price,omitempty"`
	TxRef         string          `json:"tx_ref,omitempty"`
	Source        string          `json:"source,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// NewOrder creates an order in the created status with a fresh identity
func NewOrder(pair TradingPair, amount decimal.Decimal, kind OrderKind, slippage float64) *Order {
	return &Order{
		ID:        uuid.NewString(),
		Pair:      pair,
		Amount:    amount,
		Kind:      kind,
		Slippage:  slippage,
		Status:    StatusCreated,
		CreatedAt: time.Now().UTC(),
	}
}

// SubscriberLink binds an order to at most one live status channel
type SubscriberLink struct {
	ID             string     `json:"id"`
	OrderID        string     `json:"order_id"`
	Active         bool       `json:"active"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// QuarantinedOrder is the immutable record written when an order exhausts its
// retry budget
type QuarantinedOrder struct {
	ID            int64     `json:"id"`
	OrderID       string    `json:"order_id"`
	OriginalOrder string    `json:"original_order"` // serialized order payload
	FailureReason string    `json:"failure_reason"`
	AttemptsMade  int       `json:"attempts_made"`
	FailedAt      time.Time `json:"failed_at"`
	LastError     string    `json:"last_error"`
}

// Quote is a priced offer from a single liquidity source. Ephemeral, never
// persisted.
type Quote struct {
	Price  decimal.Decimal `json:"price"`
	Fee    float64         `json:"fee"`
	Source string          `json:"source"`
}

// NetPrice returns the price after the source fee is taken out
func (q *Quote) NetPrice() decimal.Decimal {
	return q.Price.Mul(decimal.NewFromFloat(1 - q.Fee))
}

// ExecutionResult is the outcome of executing a quote. Ephemeral.
type ExecutionResult struct {
	TxRef         string          `json:"tx_ref"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	Source        string          `json:"source"`
}
