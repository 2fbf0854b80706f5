// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrStreamExhausted     = errors.New("data stream exhausted")
	ErrRunCanceled         = errors.New("run canceled")
	ErrSecurityNotFound    = errors.New("security not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrMarketClosed        = errors.New("market is closed")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrTimeLimitExceeded   = errors.New("time limit exceeded")
	ErrTrainingLimitSpent  = errors.New("additional time budget spent")
	ErrDataNotFound        = errors.New("data not found")
	ErrDatabaseError       = errors.New("database error")
	ErrFeedDisconnected    = errors.New("feed disconnected")
	ErrAlgorithmNotRunning = errors.New("algorithm is not running")
)

// RuntimeError represents a fatal error raised from strategy or plumbing
// code during a run. Context names the phase that failed so post-mortems
// can locate the callback.
type RuntimeError struct {
	Context string
	Err     error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error in %s: %v", e.Context, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a RuntimeError tagged with the failing phase.
func NewRuntimeError(context string, err error) *RuntimeError {
	return &RuntimeError{Context: context, Err: err}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID int
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%d] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%d] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID int, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
