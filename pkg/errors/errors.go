// Package errors defines the typed failure taxonomy of the execution engine.
// Only genuinely recoverable conditions are retried by callers; everything
// else surfaces as one of these types.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrDataUnavailable marks missing market data. Consumers must fail
	// closed: impact becomes +Inf, strategy selection falls back to Smart.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrRetryBudgetExhausted marks an order whose automatic
	// amend/resubmit budget is spent. Automation halts, an alert fires.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrOrderNotFound marks operations against an unknown order id.
	ErrOrderNotFound = errors.New("order not found")
)

// ValidationError reports a malformed inbound signal or order request.
// Not retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// RiskLimitExceeded reports a trade rejected by one or more named risk
// checks. Rejection is a normal business outcome; this type exists for
// callers that want an error value rather than an unapproved decision.
type RiskLimitExceeded struct {
	FailedChecks []string
}

func (e *RiskLimitExceeded) Error() string {
	return fmt.Sprintf("risk limits exceeded: %s", strings.Join(e.FailedChecks, ", "))
}

// BrokerRejection is terminal for the affected order and must not disturb
// supervision of any other order.
type BrokerRejection struct {
	OrderID string
	Reason  string
}

func (e *BrokerRejection) Error() string {
	return fmt.Sprintf("broker rejected order %s: %s", e.OrderID, e.Reason)
}

// InvalidTransition reports an order state transition outside the machine.
type InvalidTransition struct {
	From, To string
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("invalid order state transition %s -> %s", e.From, e.To)
}
