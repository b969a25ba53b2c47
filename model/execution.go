package model

import (
	"fmt"
	"time"
)

// Module identifies the pipeline that produced a trade message.
type Module string

const (
	ModuleAllocation Module = "allocation"
	ModuleRisk       Module = "risk"
)

// ExecutionStatus is the state of one (module, messageKey, userId) work item.
type ExecutionStatus string

const (
	ExecutionProcessing         ExecutionStatus = "processing"
	ExecutionSucceeded          ExecutionStatus = "succeeded"
	ExecutionRetryableFailed    ExecutionStatus = "retryable_failed"
	ExecutionNonRetryableFailed ExecutionStatus = "non_retryable_failed"
	ExecutionStaleSkipped       ExecutionStatus = "stale_skipped"
	ExecutionDuplicate          ExecutionStatus = "duplicate"
)

// IsTerminal reports whether a status closes the work item for good.
// Duplicate deliveries of a terminal item are acknowledged without work.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionNonRetryableFailed, ExecutionStaleSkipped, ExecutionDuplicate:
		return true
	}
	return false
}

// ExecutionKey is the idempotency key of the execution ledger.
type ExecutionKey struct {
	Module     Module `json:"module"`
	MessageKey string `json:"message_key"`
	UserID     string `json:"user_id"`
}

func (k ExecutionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Module, k.MessageKey, k.UserID)
}

// ExecutionEntry is one row of the execution ledger. StartedAt doubles as
// the fencing token of the reacquire CAS, AttemptCount as the fencing token
// of heartbeats and terminal marks.
type ExecutionEntry struct {
	ID           int64           `json:"id"`
	Module       Module          `json:"module"`
	MessageKey   string          `json:"message_key"`
	UserID       string          `json:"user_id"`
	Status       ExecutionStatus `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	PayloadHash  string          `json:"payload_hash"`
	GeneratedAt  time.Time       `json:"generated_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (e *ExecutionEntry) Key() ExecutionKey {
	return ExecutionKey{Module: e.Module, MessageKey: e.MessageKey, UserID: e.UserID}
}

// IsStale reports whether a processing row may be reclaimed: either the
// message deadline passed or no heartbeat touched StartedAt within window.
func (e *ExecutionEntry) IsStale(now time.Time, window time.Duration) bool {
	if e.Status != ExecutionProcessing {
		return false
	}
	if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
		return true
	}
	return !now.Before(e.StartedAt.Add(window))
}
