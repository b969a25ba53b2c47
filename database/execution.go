package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/rebalancer/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

func (d Datasource) InsertExecution(ctx context.Context, entry *model.ExecutionEntry) error {
	ctx, span := otel.Tracer("Execution ledger").Start(ctx, "Inserting execution")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		INSERT INTO rebalancer.execution_ledger (module, message_key, user_id, status, attempt_count, payload_hash, generated_at, expires_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`, entry.Module, entry.MessageKey, entry.UserID, entry.Status, entry.AttemptCount, entry.PayloadHash, entry.GeneratedAt, entry.ExpiresAt, entry.StartedAt)

	err := row.Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			span.RecordError(err)
			return ErrDuplicateExecution
		}
		span.RecordError(err)
		return fmt.Errorf("failed to insert execution %s: %w", entry.Key(), err)
	}
	return nil
}

func (d Datasource) GetExecution(ctx context.Context, key model.ExecutionKey) (*model.ExecutionEntry, error) {
	ctx, span := otel.Tracer("Execution ledger").Start(ctx, "Fetching execution")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT id, module, message_key, user_id, status, attempt_count, payload_hash, generated_at, expires_at, started_at, finished_at, error, created_at, updated_at
		FROM rebalancer.execution_ledger
		WHERE module = $1 AND message_key = $2 AND user_id = $3
	`, key.Module, key.MessageKey, key.UserID)

	entry := &model.ExecutionEntry{}
	var finishedAt sql.NullTime
	var errMsg sql.NullString
	err := row.Scan(&entry.ID, &entry.Module, &entry.MessageKey, &entry.UserID, &entry.Status, &entry.AttemptCount, &entry.PayloadHash,
		&entry.GeneratedAt, &entry.ExpiresAt, &entry.StartedAt, &finishedAt, &errMsg, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrExecutionNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch execution %s: %w", key, err)
	}
	if finishedAt.Valid {
		entry.FinishedAt = &finishedAt.Time
	}
	entry.Error = errMsg.String
	return entry, nil
}

func (d Datasource) ReacquireExecution(ctx context.Context, current *model.ExecutionEntry, payloadHash string, startedAt time.Time) (bool, error) {
	ctx, span := otel.Tracer("Execution ledger").Start(ctx, "Reacquiring execution")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE rebalancer.execution_ledger
		SET status = $1, attempt_count = attempt_count + 1, payload_hash = $2, started_at = $3, finished_at = NULL, error = NULL, updated_at = $3
		WHERE id = $4 AND status = $5 AND attempt_count = $6 AND started_at = $7
	`, model.ExecutionProcessing, payloadHash, startedAt, current.ID, current.Status, current.AttemptCount, current.StartedAt)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to reacquire execution %s: %w", current.Key(), err)
	}
	return affected(result)
}

func (d Datasource) HeartbeatExecution(ctx context.Context, key model.ExecutionKey, attemptCount int, at time.Time) (bool, error) {
	ctx, span := otel.Tracer("Execution ledger").Start(ctx, "Heartbeat execution")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE rebalancer.execution_ledger
		SET started_at = $1, updated_at = $1
		WHERE module = $2 AND message_key = $3 AND user_id = $4 AND status = $5 AND attempt_count = $6
	`, at, key.Module, key.MessageKey, key.UserID, model.ExecutionProcessing, attemptCount)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to heartbeat execution %s: %w", key, err)
	}
	return affected(result)
}

func (d Datasource) FinishExecution(ctx context.Context, key model.ExecutionKey, attemptCount int, status model.ExecutionStatus, errMsg string, at time.Time) (bool, error) {
	ctx, span := otel.Tracer("Execution ledger").Start(ctx, "Finishing execution")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE rebalancer.execution_ledger
		SET status = $1, error = $2, finished_at = $3, updated_at = $3
		WHERE module = $4 AND message_key = $5 AND user_id = $6 AND status = $7 AND attempt_count = $8
	`, status, sql.NullString{String: errMsg, Valid: errMsg != ""}, at, key.Module, key.MessageKey, key.UserID, model.ExecutionProcessing, attemptCount)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to finish execution %s as %s: %w", key, status, err)
	}
	return affected(result)
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
