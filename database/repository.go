package database

import (
	"context"
	"errors"
	"time"

	"github.com/blnkfinance/rebalancer/model"
)

var (
	// ErrDuplicateExecution is returned when the ledger row of a key already exists.
	ErrDuplicateExecution = errors.New("execution already recorded")
	// ErrExecutionNotFound is returned when no ledger row exists for a key.
	ErrExecutionNotFound = errors.New("execution not found")
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	ExecutionRepository
	HoldingsRepository
	MissingInferenceRepository
}

// ExecutionRepository stores execution ledger rows. Every update is
// conditional and reports whether a row matched.
type ExecutionRepository interface {
	InsertExecution(ctx context.Context, entry *model.ExecutionEntry) error
	GetExecution(ctx context.Context, key model.ExecutionKey) (*model.ExecutionEntry, error)
	// ReacquireExecution moves current back to processing with attempt+1
	// only if id, status, attempt count and started_at are unchanged.
	ReacquireExecution(ctx context.Context, current *model.ExecutionEntry, payloadHash string, startedAt time.Time) (bool, error)
	HeartbeatExecution(ctx context.Context, key model.ExecutionKey, attemptCount int, at time.Time) (bool, error)
	FinishExecution(ctx context.Context, key model.ExecutionKey, attemptCount int, status model.ExecutionStatus, errMsg string, at time.Time) (bool, error)
}

// HoldingsRepository stores the symbols the rebalancer manages per user.
type HoldingsRepository interface {
	GetHoldings(ctx context.Context, userID string) ([]model.Holding, error)
	ReplaceHoldings(ctx context.Context, userID string, holdings []model.Holding) error
}

// MissingInferenceRepository counts consecutive runs a managed symbol was
// absent from the recommendations.
type MissingInferenceRepository interface {
	// RecordMissingInferences increments the counters of missing once per
	// runID and resets every other counter of the user. It returns the
	// counters of missing after the update.
	RecordMissingInferences(ctx context.Context, userID, runID string, missing []string) (map[string]int, error)
}
