/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package rebalancer

import (
	"context"
	"errors"
	"time"

	"github.com/blnkfinance/rebalancer/database"
	"github.com/blnkfinance/rebalancer/internal/execerror"
	"github.com/blnkfinance/rebalancer/internal/metrics"
	"github.com/blnkfinance/rebalancer/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var ledgerTracer = otel.Tracer("rebalancer.ledger")

// AcquireRequest identifies one delivery of a work item.
type AcquireRequest struct {
	Key         model.ExecutionKey
	PayloadHash string
	GeneratedAt time.Time
	ExpiresAt   time.Time
}

// Acquisition is the outcome of ExecutionLedger.Acquire. AttemptCount is the
// fencing token the owner must pass to heartbeats and terminal marks.
type Acquisition struct {
	Acquired     bool
	Status       model.ExecutionStatus
	AttemptCount int
}

// ExecutionLedger guarantees at most one successful execution per
// (module, messageKey, userId) with conditional updates only.
type ExecutionLedger struct {
	repo        database.ExecutionRepository
	staleWindow time.Duration
	now         func() time.Time
}

func NewExecutionLedger(repo database.ExecutionRepository, staleWindow time.Duration) *ExecutionLedger {
	return &ExecutionLedger{repo: repo, staleWindow: staleWindow, now: time.Now}
}

// postgres keeps microseconds; a finer started_at would never match the CAS.
func (l *ExecutionLedger) timestamp() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

// Acquire claims the work item for the caller. Any store failure is returned
// as a retryable error and the item is never treated as acquired.
func (l *ExecutionLedger) Acquire(ctx context.Context, req AcquireRequest) (Acquisition, error) {
	ctx, span := ledgerTracer.Start(ctx, "Acquire execution")
	defer span.End()
	span.SetAttributes(attribute.String("execution.key", req.Key.String()))

	existing, err := l.repo.GetExecution(ctx, req.Key)
	if err == nil {
		return l.resolve(ctx, existing, req)
	}
	if !errors.Is(err, database.ErrExecutionNotFound) {
		span.RecordError(err)
		return Acquisition{}, execerror.Retryable("failed to read execution ledger", err)
	}

	now := l.timestamp()
	entry := &model.ExecutionEntry{
		Module:       req.Key.Module,
		MessageKey:   req.Key.MessageKey,
		UserID:       req.Key.UserID,
		Status:       model.ExecutionProcessing,
		AttemptCount: 1,
		PayloadHash:  req.PayloadHash,
		GeneratedAt:  req.GeneratedAt,
		ExpiresAt:    req.ExpiresAt,
		StartedAt:    now,
	}
	err = l.repo.InsertExecution(ctx, entry)
	if err == nil {
		return Acquisition{Acquired: true, Status: model.ExecutionProcessing, AttemptCount: 1}, nil
	}
	if !errors.Is(err, database.ErrDuplicateExecution) {
		span.RecordError(err)
		return Acquisition{}, execerror.Retryable("failed to insert execution", err)
	}

	// lost the insert race; the winner's row decides
	existing, err = l.repo.GetExecution(ctx, req.Key)
	if err != nil {
		span.RecordError(err)
		return Acquisition{}, execerror.Retryable("failed to re-read execution after insert race", err)
	}
	return l.resolve(ctx, existing, req)
}

func (l *ExecutionLedger) resolve(ctx context.Context, existing *model.ExecutionEntry, req AcquireRequest) (Acquisition, error) {
	logger := logrus.WithFields(logrus.Fields{
		"module":      existing.Module,
		"message_key": existing.MessageKey,
		"user_id":     existing.UserID,
		"attempt":     existing.AttemptCount,
	})

	if existing.Status.IsTerminal() {
		logger.WithField("status", existing.Status).Info("execution already finished")
		return Acquisition{Status: existing.Status, AttemptCount: existing.AttemptCount}, nil
	}

	now := l.timestamp()
	reclaimable := existing.Status == model.ExecutionRetryableFailed ||
		(existing.Status == model.ExecutionProcessing && existing.IsStale(now, l.staleWindow))
	if !reclaimable {
		logger.Debug("execution in progress elsewhere")
		return Acquisition{Status: model.ExecutionProcessing, AttemptCount: existing.AttemptCount}, nil
	}

	if existing.PayloadHash != "" && existing.PayloadHash != req.PayloadHash {
		logger.WithFields(logrus.Fields{
			"previous_hash": existing.PayloadHash,
			"payload_hash":  req.PayloadHash,
		}).Warn("payload changed between attempts")
	}

	ok, err := l.repo.ReacquireExecution(ctx, existing, req.PayloadHash, now)
	if err != nil {
		return Acquisition{}, execerror.Retryable("failed to reacquire execution", err)
	}
	if !ok {
		logger.Debug("another worker reclaimed the execution")
		return Acquisition{Status: model.ExecutionProcessing, AttemptCount: existing.AttemptCount}, nil
	}

	logger.WithField("previous_status", existing.Status).Info("execution reclaimed")
	return Acquisition{Acquired: true, Status: model.ExecutionProcessing, AttemptCount: existing.AttemptCount + 1}, nil
}

// HeartbeatProcessing refreshes started_at of the caller's attempt. A row
// that no longer matches is not an error; ownership is checked by the lock.
func (l *ExecutionLedger) HeartbeatProcessing(ctx context.Context, key model.ExecutionKey, attemptCount int) error {
	ok, err := l.repo.HeartbeatExecution(ctx, key, attemptCount, l.timestamp())
	if err != nil {
		return err
	}
	if !ok {
		logrus.WithFields(logrus.Fields{"execution": key.String(), "attempt": attemptCount}).Debug("heartbeat matched no processing row")
	}
	return nil
}

func (l *ExecutionLedger) MarkSucceeded(ctx context.Context, key model.ExecutionKey, attemptCount int) (bool, error) {
	return l.finish(ctx, key, attemptCount, model.ExecutionSucceeded, "")
}

func (l *ExecutionLedger) MarkRetryableFailed(ctx context.Context, key model.ExecutionKey, attemptCount int, errMsg string) (bool, error) {
	return l.finish(ctx, key, attemptCount, model.ExecutionRetryableFailed, errMsg)
}

func (l *ExecutionLedger) MarkNonRetryableFailed(ctx context.Context, key model.ExecutionKey, attemptCount int, errMsg string) (bool, error) {
	return l.finish(ctx, key, attemptCount, model.ExecutionNonRetryableFailed, errMsg)
}

func (l *ExecutionLedger) MarkStaleSkipped(ctx context.Context, key model.ExecutionKey, attemptCount int) (bool, error) {
	return l.finish(ctx, key, attemptCount, model.ExecutionStaleSkipped, "message expired before execution")
}

// finish reports false when the attempt was superseded. Callers must not
// retry in that case.
func (l *ExecutionLedger) finish(ctx context.Context, key model.ExecutionKey, attemptCount int, status model.ExecutionStatus, errMsg string) (bool, error) {
	ctx, span := ledgerTracer.Start(ctx, "Finish execution")
	defer span.End()
	span.SetAttributes(attribute.String("execution.key", key.String()), attribute.String("execution.status", string(status)))

	ok, err := l.repo.FinishExecution(ctx, key, attemptCount, status, errMsg, l.timestamp())
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if !ok {
		logrus.WithFields(logrus.Fields{
			"execution": key.String(),
			"attempt":   attemptCount,
			"status":    status,
		}).Warn("attempt superseded, terminal mark skipped")
	}
	return ok, nil
}

// RecordMalformed best-effort records a message that failed validation as
// non_retryable_failed. An existing row is never touched.
func (l *ExecutionLedger) RecordMalformed(ctx context.Context, key model.ExecutionKey, payloadHash string, cause error) {
	logger := logrus.WithField("execution", key.String())
	now := l.timestamp()
	entry := &model.ExecutionEntry{
		Module:       key.Module,
		MessageKey:   key.MessageKey,
		UserID:       key.UserID,
		Status:       model.ExecutionProcessing,
		AttemptCount: 1,
		PayloadHash:  payloadHash,
		GeneratedAt:  now,
		ExpiresAt:    now,
		StartedAt:    now,
	}
	if err := l.repo.InsertExecution(ctx, entry); err != nil {
		if errors.Is(err, database.ErrDuplicateExecution) {
			logger.Debug("malformed message already has a ledger row")
			return
		}
		metrics.LedgerWriteFailures.Inc()
		logger.WithError(err).Warn("failed to record malformed message")
		return
	}
	if _, err := l.repo.FinishExecution(ctx, key, 1, model.ExecutionNonRetryableFailed, cause.Error(), now); err != nil {
		metrics.LedgerWriteFailures.Inc()
		logger.WithError(err).Warn("failed to mark malformed message")
	}
}
