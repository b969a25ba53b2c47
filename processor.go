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
	"time"

	"github.com/blnkfinance/rebalancer/internal/execerror"
	redlock "github.com/blnkfinance/rebalancer/internal/lock"
	"github.com/blnkfinance/rebalancer/internal/metrics"
	"github.com/blnkfinance/rebalancer/internal/notification"
	"github.com/blnkfinance/rebalancer/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var processorTracer = otel.Tracer("rebalancer.processor")

// Outcome is the final disposition of one delivery.
type Outcome string

const (
	OutcomeSucceeded    Outcome = "succeeded"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeStaleSkipped Outcome = "stale_skipped"
	OutcomeRetryable    Outcome = "retryable_failed"
	OutcomeNonRetryable Outcome = "non_retryable_failed"
	OutcomeLockLost     Outcome = "lock_lost"
)

// Result is returned by Processor.Process. Err is nil only for outcomes
// that carry no failure.
type Result struct {
	Outcome Outcome
	Key     model.ExecutionKey
	Attempt int
	Report  *TradeReport
	Err     error
}

// Acknowledge reports whether the queue message may be deleted.
func (r Result) Acknowledge() bool {
	switch r.Outcome {
	case OutcomeSucceeded, OutcomeDuplicate, OutcomeMalformed, OutcomeStaleSkipped, OutcomeNonRetryable:
		return true
	}
	return false
}

type ProcessorConfig struct {
	SupportedVersion  int
	ModuleAliases     map[string]string
	UserLockPrefix    string
	UserLockDuration  time.Duration
	HeartbeatInterval time.Duration
}

// Processor drives one message through parse, ledger acquire, user lock,
// execution and finalization.
type Processor struct {
	parser   *model.MessageParser
	ledger   *ExecutionLedger
	locks    *redlock.Service
	executor Executor
	cfg      ProcessorConfig
	now      func() time.Time
	alert    func(error)
}

func NewProcessor(ledger *ExecutionLedger, locks *redlock.Service, executor Executor, cfg ProcessorConfig) *Processor {
	return &Processor{
		parser:   model.NewMessageParser(cfg.SupportedVersion, cfg.ModuleAliases),
		ledger:   ledger,
		locks:    locks,
		executor: executor,
		cfg:      cfg,
		now:      time.Now,
		alert:    notification.NotifyError,
	}
}

// Process handles one raw queue payload. It never panics on bad input and
// never marks a ledger attempt it does not own.
func (p *Processor) Process(ctx context.Context, payload []byte) Result {
	ctx, span := processorTracer.Start(ctx, "Processing rebalance message")
	defer span.End()

	hash := model.HashPayload(payload)
	msg, err := p.parser.Parse(payload)
	if err != nil {
		malformed := execerror.Malformed(err)
		if msg != nil && msg.HasIdentity() {
			p.ledger.RecordMalformed(ctx, msg.Key(), hash, err)
			logrus.WithFields(logrus.Fields{
				"module":      msg.Module,
				"message_key": msg.MessageKey,
				"user_id":     msg.UserID,
			}).WithError(err).Warn("dropping malformed message")
			return Result{Outcome: OutcomeMalformed, Key: msg.Key(), Err: malformed}
		}
		logrus.WithError(err).Warn("dropping malformed message without identity")
		return Result{Outcome: OutcomeMalformed, Err: malformed}
	}

	key := msg.Key()
	span.SetAttributes(attribute.String("execution.key", key.String()))
	logger := logrus.WithFields(logrus.Fields{
		"module":      key.Module,
		"message_key": key.MessageKey,
		"user_id":     key.UserID,
	})

	acq, err := p.ledger.Acquire(ctx, AcquireRequest{
		Key:         key,
		PayloadHash: hash,
		GeneratedAt: msg.GeneratedAt,
		ExpiresAt:   msg.ExpiresAt,
	})
	if err != nil {
		span.RecordError(err)
		logger.WithError(err).Warn("execution ledger unavailable, message left in queue")
		return Result{Outcome: OutcomeDeferred, Key: key, Err: execerror.New(execerror.KindDeferred, "execution ledger unavailable", err)}
	}
	if !acq.Acquired {
		if acq.Status.IsTerminal() {
			return Result{Outcome: OutcomeDuplicate, Key: key, Attempt: acq.AttemptCount}
		}
		return Result{Outcome: OutcomeDeferred, Key: key, Attempt: acq.AttemptCount, Err: execerror.Deferred("execution in progress")}
	}

	logger = logger.WithField("attempt", acq.AttemptCount)
	if msg.IsExpired(p.now()) {
		if _, err := p.ledger.MarkStaleSkipped(ctx, key, acq.AttemptCount); err != nil {
			return p.ledgerWriteFailed(logger, key, acq.AttemptCount, err)
		}
		logger.Info("message expired before execution, skipped")
		return Result{Outcome: OutcomeStaleSkipped, Key: key, Attempt: acq.AttemptCount}
	}

	var report *TradeReport
	resource := p.cfg.UserLockPrefix + msg.UserID
	acquired, execErr := p.locks.WithLock(ctx, resource, p.cfg.UserLockDuration, func(ctx context.Context, guard *redlock.Guard) error {
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			p.heartbeat(ctx, key, acq.AttemptCount, stop)
		}()
		defer func() {
			close(stop)
			<-done
		}()

		var err error
		report, err = p.executor.Execute(ctx, msg, guard)
		return err
	})
	if !acquired {
		// the row stays processing; a redelivery reclaims it once stale
		logger.Debug("user lock busy, message deferred")
		return Result{Outcome: OutcomeDeferred, Key: key, Attempt: acq.AttemptCount, Err: execerror.Deferred("user lock busy")}
	}

	return p.finalize(ctx, logger, key, acq.AttemptCount, report, execErr)
}

func (p *Processor) finalize(ctx context.Context, logger *logrus.Entry, key model.ExecutionKey, attempt int, report *TradeReport, execErr error) Result {
	result := Result{Key: key, Attempt: attempt, Report: report, Err: execErr}

	switch execerror.Classify(execErr) {
	case "":
		if _, err := p.ledger.MarkSucceeded(ctx, key, attempt); err != nil {
			return p.ledgerWriteFailed(logger, key, attempt, err)
		}
		logger.Info("rebalance executed")
		result.Outcome = OutcomeSucceeded
	case execerror.KindNonRetryable, execerror.KindMalformed:
		if _, err := p.ledger.MarkNonRetryableFailed(ctx, key, attempt, execErr.Error()); err != nil {
			metrics.LedgerWriteFailures.Inc()
			logger.WithError(err).Error("failed to mark execution non retryable")
		}
		logger.WithError(execErr).Error("rebalance failed permanently")
		p.alert(execErr)
		result.Outcome = OutcomeNonRetryable
	case execerror.KindLockLost:
		if _, err := p.ledger.MarkRetryableFailed(ctx, key, attempt, execErr.Error()); err != nil {
			metrics.LedgerWriteFailures.Inc()
			logger.WithError(err).Error("failed to mark execution retryable after lock loss")
		}
		logger.WithError(execErr).Error("user lock lost during execution")
		p.alert(execErr)
		result.Outcome = OutcomeLockLost
	default:
		if _, err := p.ledger.MarkRetryableFailed(ctx, key, attempt, execErr.Error()); err != nil {
			metrics.LedgerWriteFailures.Inc()
			logger.WithError(err).Error("failed to mark execution retryable")
		}
		logger.WithError(execErr).Warn("rebalance failed, message will be redelivered")
		result.Outcome = OutcomeRetryable
	}
	return result
}

func (p *Processor) ledgerWriteFailed(logger *logrus.Entry, key model.ExecutionKey, attempt int, err error) Result {
	metrics.LedgerWriteFailures.Inc()
	logger.WithError(err).Error("failed to finalize execution ledger")
	return Result{Outcome: OutcomeRetryable, Key: key, Attempt: attempt, Err: execerror.LedgerWrite("failed to finalize execution", err)}
}

func (p *Processor) heartbeat(ctx context.Context, key model.ExecutionKey, attempt int, stop <-chan struct{}) {
	if p.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ledger.HeartbeatProcessing(ctx, key, attempt); err != nil {
				logrus.WithError(err).WithField("execution", key.String()).Warn("execution heartbeat failed")
			}
		}
	}
}

// HandleTask adapts Process to asynq. A nil return deletes the task; any
// error leaves it for redelivery.
func (p *Processor) HandleTask(ctx context.Context, t *asynq.Task) error {
	result := p.Process(ctx, t.Payload())
	module := string(result.Key.Module)
	if module == "" {
		module = "unknown"
	}
	metrics.Messages.WithLabelValues(module, string(result.Outcome)).Inc()

	if result.Acknowledge() {
		return nil
	}
	return result.Err
}

// IsFailure tells asynq which errors count against the retry budget.
// Deferred deliveries do not.
func IsFailure(err error) bool {
	return !execerror.IsDeferred(err)
}

// RetryDelay returns the asynq retry delay: a fixed delay for deferred
// deliveries and the exponential default otherwise.
func RetryDelay(deferDelay time.Duration) asynq.RetryDelayFunc {
	return func(n int, err error, task *asynq.Task) time.Duration {
		if execerror.IsDeferred(err) {
			return deferDelay
		}
		return asynq.DefaultRetryDelayFunc(n, err, task)
	}
}
