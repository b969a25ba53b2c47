package database

import (
	"context"
	"fmt"
	"time"

	"github.com/blnkfinance/rebalancer/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

func (d Datasource) GetHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	ctx, span := otel.Tracer("Holdings").Start(ctx, "Fetching holdings")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT user_id, symbol, category, created_at, updated_at
		FROM rebalancer.holdings
		WHERE user_id = $1
		ORDER BY symbol
	`, userID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch holdings for user %s: %w", userID, err)
	}
	defer rows.Close()

	holdings := []model.Holding{}
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.UserID, &h.Symbol, &h.Category, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error occurred while iterating over holdings: %w", err)
	}
	return holdings, nil
}

// ReplaceHoldings swaps the managed holdings of a user in one transaction.
func (d Datasource) ReplaceHoldings(ctx context.Context, userID string, holdings []model.Holding) error {
	ctx, span := otel.Tracer("Holdings").Start(ctx, "Replacing holdings")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rebalancer.holdings WHERE user_id = $1`, userID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clear holdings for user %s: %w", userID, err)
	}

	now := time.Now().UTC()
	for _, h := range holdings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rebalancer.holdings (user_id, symbol, category, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
		`, userID, h.Symbol, h.Category, now)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to insert holding %s for user %s: %w", h.Symbol, userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit holdings: %w", err)
	}
	return nil
}

func (d Datasource) RecordMissingInferences(ctx context.Context, userID, runID string, missing []string) (map[string]int, error) {
	ctx, span := otel.Tracer("Holdings").Start(ctx, "Recording missing inferences")
	defer span.End()

	if missing == nil {
		missing = []string{}
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// symbols that are no longer missing start over from zero
	_, err = tx.ExecContext(ctx, `
		DELETE FROM rebalancer.missing_inference_counters
		WHERE user_id = $1 AND NOT (symbol = ANY($2))
	`, userID, pq.Array(missing))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to reset missing counters for user %s: %w", userID, err)
	}

	counts := make(map[string]int, len(missing))
	for _, symbol := range missing {
		var count int
		err := tx.QueryRowContext(ctx, `
			INSERT INTO rebalancer.missing_inference_counters (user_id, symbol, missing_count, last_run_id, updated_at)
			VALUES ($1, $2, 1, $3, NOW())
			ON CONFLICT (user_id, symbol) DO UPDATE SET
				missing_count = CASE
					WHEN missing_inference_counters.last_run_id = EXCLUDED.last_run_id THEN missing_inference_counters.missing_count
					ELSE missing_inference_counters.missing_count + 1
				END,
				last_run_id = EXCLUDED.last_run_id,
				updated_at = NOW()
			RETURNING missing_count
		`, userID, symbol, runID).Scan(&count)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to count missing inference %s for user %s: %w", symbol, userID, err)
		}
		counts[symbol] = count
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit missing counters: %w", err)
	}
	return counts, nil
}
