package apperrors

import (
	"errors"
	"fmt"
)

// Standardized Pipeline Errors
var (
	ErrValidation            = errors.New("invalid order request")
	ErrUnknownOrderKind      = errors.New("unknown order kind")
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderAlreadyProcessed = errors.New("order already processed")
	ErrNotImplemented        = errors.New("not implemented")
	ErrChannelUnavailable    = errors.New("subscriber channel unavailable")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrQueueClosed           = errors.New("queue closed")
	ErrQueueFull             = errors.New("queue full")
)

// StrategyError marks a business-logic or provider failure raised during order
// processing. The worker pool retries these up to the attempt budget and then
// quarantines the order.
type StrategyError struct {
	Cause string
	Err   error
}

func (e *StrategyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Cause, e.Err)
	}
	return e.Cause
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}

// NewStrategyError wraps err with a human-readable cause
func NewStrategyError(cause string, err error) *StrategyError {
	return &StrategyError{Cause: cause, Err: err}
}

// IsStrategyError reports whether err is (or wraps) a StrategyError
func IsStrategyError(err error) bool {
	var se *StrategyError
	return errors.As(err, &se)
}
