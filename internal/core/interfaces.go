package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IStore defines the persistence gateway. It is the system of record for
// orders, subscriber links and quarantined orders, and the only shared mutable
// resource across pipeline components.
type IStore interface {
	// Orders
	SaveOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status Status) error
	ConfirmOrder(ctx context.Context, orderID string, result *ExecutionResult) error
	FailOrder(ctx context.Context, orderID string, reason string) error

	// Subscriber links
	SaveLink(ctx context.Context, link *SubscriberLink) error
	DeactivateLink(ctx context.Context, linkID string) error
	GetActiveLink(ctx context.Context, orderID string) (*SubscriberLink, error)
	ListLinks(ctx context.Context, orderID string) ([]*SubscriberLink, error)

	// Quarantine
	SaveQuarantined(ctx context.Context, rec *QuarantinedOrder) error
	ListQuarantined(ctx context.Context, limit, offset int) ([]*QuarantinedOrder, error)
	ListQuarantinedByReason(ctx context.Context, reason string) ([]*QuarantinedOrder, error)
	CountQuarantined(ctx context.Context) (int, error)
	ClearQuarantined(ctx context.Context) (int, error)

	Close() error
}

// ISource defines a liquidity source that can price and execute an order.
// Quote and Execute may fail independently and transiently.
type ISource interface {
	Name() string
	Quote(ctx context.Context, pair TradingPair, amount decimal.Decimal) (*Quote, error)
	Execute(ctx context.Context, order *Order, quote *Quote) (*ExecutionResult, error)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
