package model

import "time"

// ExecutionState is the lifecycle state of one order execution.
type ExecutionState string

const (
	StatePending         ExecutionState = "PENDING"
	StateRiskCheckPassed ExecutionState = "RISK_CHECK_PASSED"
	StateRiskCheckFailed ExecutionState = "RISK_CHECK_FAILED"
	StateSubmitted       ExecutionState = "SUBMITTED_TO_BROKER"
	StateBrokerAccepted  ExecutionState = "BROKER_ACCEPTED"
	StateBrokerRejected  ExecutionState = "BROKER_REJECTED"
	StateFilled          ExecutionState = "FILLED"
	StateCancelled       ExecutionState = "CANCELLED"
	StateFailed          ExecutionState = "FAILED"
	StateTimeout         ExecutionState = "TIMEOUT"
)

// Terminal reports whether no further transition is permitted from s.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateFailed, StateTimeout, StateRiskCheckFailed:
		return true
	}
	return false
}

// Cancellable reports whether Cancel may act on an order in state s.
func (s ExecutionState) Cancellable() bool {
	switch s {
	case StatePending, StateSubmitted, StateBrokerAccepted:
		return true
	}
	return false
}

// ExecutionRecord is the durable per-order execution lifecycle. Owned by the
// executor; every transition is persisted before the executor proceeds.
type ExecutionRecord struct {
	OrderID       string         `json:"order_id"`
	State         ExecutionState `json:"state"`
	RetryCount    int            `json:"retry_count"`
	ErrorCode     string         `json:"error_code"`
	ErrorMessage  string         `json:"error_message"`
	BrokerOrderID string         `json:"broker_order_id"`
	StartedAt     time.Time      `json:"started_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ElapsedMs     int64          `json:"elapsed_ms"`
}

// Transition is one persisted state change, kept as an audit trail.
type Transition struct {
	OrderID   string         `json:"order_id"`
	From      ExecutionState `json:"from"`
	To        ExecutionState `json:"to"`
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	At        time.Time      `json:"at"`
}

// ExecutionResult is the structured caller-visible outcome. Never a bare
// error: API and strategy callers branch on ErrorCode.
type ExecutionResult struct {
	OrderID       string         `json:"order_id"`
	Success       bool           `json:"success"`
	State         ExecutionState `json:"state"`
	BrokerOrderID string         `json:"broker_order_id,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	Message       string         `json:"message"`
	RetryCount    int            `json:"retry_count"`
	ElapsedMs     int64          `json:"elapsed_ms"`
}
