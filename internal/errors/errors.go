// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNoRegime            = errors.New("no volatility regime available")
	ErrMarketData          = errors.New("market data unavailable")
	ErrUnknownGroup        = errors.New("underlying has no correlation group")
	ErrGroupAtCapacity     = errors.New("group at capacity")
	ErrExposureCeiling     = errors.New("exposure ceiling exceeded")
	ErrNoHeadroom          = errors.New("insufficient buying power headroom")
	ErrTradingHalted       = errors.New("trading halted by circuit breaker")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrLegRejected         = errors.New("leg rejected")
	ErrFillTimeout         = errors.New("fill confirmation timed out")
	ErrCompensationFailed  = errors.New("compensating orders failed")
	ErrEmptyTransaction    = errors.New("transaction has no legs")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrPositionNotFound    = errors.New("position not found")
	ErrOrphaned            = errors.New("position orphaned")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrTimeout             = errors.New("operation timed out")
	ErrDatabaseError       = errors.New("database error")
	ErrNoSnapshot          = errors.New("no snapshot stored")
)

// BrokerError represents an error from the order-placement collaborator.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// DenialError is returned when an allocation request is refused.
type DenialError struct {
	StrategyID string
	Underlying string
	Reason     string
	Err        error
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("allocation denied [%s] %s: %s", e.StrategyID, e.Underlying, e.Reason)
}

func (e *DenialError) Unwrap() error {
	return e.Err
}

// NewDenialError creates a new DenialError.
func NewDenialError(strategyID, underlying, reason string, err error) *DenialError {
	return &DenialError{
		StrategyID: strategyID,
		Underlying: underlying,
		Reason:     reason,
		Err:        err,
	}
}

// ExecutionError is returned when a multi-leg transaction does not fully fill.
// Unwound is false when compensating orders could not flatten the filled legs.
type ExecutionError struct {
	Key     string
	Reason  string
	Unwound bool
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution failed [%s]: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("execution failed [%s]: %s", e.Key, e.Reason)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates a new ExecutionError.
func NewExecutionError(key, reason string, unwound bool, err error) *ExecutionError {
	return &ExecutionError{
		Key:     key,
		Reason:  reason,
		Unwound: unwound,
		Err:     err,
	}
}

// TransitionError represents a rejected strategy state transition.
type TransitionError struct {
	InstanceID string
	From       string
	To         string
	Err        error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition [%s] %s -> %s: %v", e.InstanceID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(instanceID, from, to string, err error) *TransitionError {
	return &TransitionError{
		InstanceID: instanceID,
		From:       from,
		To:         to,
		Err:        err,
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

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// DataError represents a market-data or pricing error.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
