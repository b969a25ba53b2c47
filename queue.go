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
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/blnkfinance/rebalancer/config"
	"github.com/blnkfinance/rebalancer/internal/execerror"
	redlock "github.com/blnkfinance/rebalancer/internal/lock"
	redis_db "github.com/blnkfinance/rebalancer/internal/redis-db"
	"github.com/blnkfinance/rebalancer/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var queueTracer = otel.Tracer("rebalancer.queue")

// Queue publishes rebalance messages to user-sharded asynq queues.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	locks     *redlock.Service
	conf      *config.Configuration
}

// PublishSummary counts what PublishRun did. Skipped is set when another
// scheduler held the schedule lock.
type PublishSummary struct {
	RunID      string `json:"run_id"`
	Published  int    `json:"published"`
	Duplicates int    `json:"duplicates"`
	Skipped    bool   `json:"skipped"`
}

func NewQueue(conf *config.Configuration, locks *redlock.Service) (*Queue, error) {
	queueOptions, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %w", err)
	}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		locks:     locks,
		conf:      conf,
	}, nil
}

func (q *Queue) Close() error {
	_ = q.Inspector.Close()
	return q.Client.Close()
}

// QueueName returns the shard of userID, so one user's messages always land
// on the same queue.
func QueueName(prefix string, shards int, userID string) string {
	if shards <= 0 {
		shards = 1
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return fmt.Sprintf("%s_%d", prefix, int(hasher.Sum32()%uint32(shards))+1)
}

// QueueNames lists every shard with its asynq priority.
func QueueNames(prefix string, shards int) map[string]int {
	queues := make(map[string]int, shards)
	for i := 1; i <= shards; i++ {
		queues[fmt.Sprintf("%s_%d", prefix, i)] = 1
	}
	return queues
}

// TaskID is the asynq task id of a message; asynq rejects a second task
// with the same id while the first is retained.
func TaskID(msg *model.RebalanceMessage) string {
	return fmt.Sprintf("%s:%s", msg.Module, msg.MessageKey)
}

// Enqueue publishes msg. It returns false without error when the same
// message is already queued.
func (q *Queue) Enqueue(ctx context.Context, msg *model.RebalanceMessage) (bool, error) {
	ctx, span := queueTracer.Start(ctx, "Adding rebalance message to Redis queue")
	defer span.End()

	payload, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}

	queueName := QueueName(q.conf.Queue.TradeQueue, q.conf.Queue.NumberOfQueues, msg.UserID)
	taskOptions := []asynq.Option{
		asynq.TaskID(TaskID(msg)),
		asynq.Queue(queueName),
		asynq.MaxRetry(q.conf.Queue.MaxRetry),
	}
	// keep the id reserved long enough to absorb re-publishes of the run
	if retention := time.Until(msg.ExpiresAt); retention > 0 {
		taskOptions = append(taskOptions, asynq.Retention(retention))
	}

	info, err := q.Client.EnqueueContext(ctx, asynq.NewTask(queueName, payload), taskOptions...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logrus.WithField("task_id", TaskID(msg)).Debug("message already queued")
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	logrus.WithFields(logrus.Fields{"task_id": info.ID, "queue": info.Queue}).Info("rebalance message enqueued")
	return true, nil
}

// PublishRun enqueues one message per user of run while holding the
// schedule lock and its compatible aliases.
func (q *Queue) PublishRun(ctx context.Context, run *model.Run) (PublishSummary, error) {
	if run.RunID == "" {
		run.RunID = model.GenerateUUIDWithSuffix("run")
	}
	summary := PublishSummary{RunID: run.RunID}

	lock := q.conf.Lock
	acquired, err := q.locks.WithLocks(ctx, lock.ScheduleLock, lock.CompatibleScheduleLocks, lock.ScheduleLockDuration(), func(ctx context.Context, guard *redlock.Guard) error {
		for _, msg := range run.Messages(q.conf.Pipeline.SupportedVersion) {
			if err := guard.AssertHeld(); err != nil {
				return err
			}
			published, err := q.Enqueue(ctx, &msg)
			if err != nil {
				return execerror.Retryable(fmt.Sprintf("failed to enqueue %s", msg.MessageKey), err)
			}
			if published {
				summary.Published++
			} else {
				summary.Duplicates++
			}
		}
		return nil
	})
	if !acquired {
		logrus.WithField("run_id", run.RunID).Info("schedule lock held elsewhere, run not published")
		summary.Skipped = true
		return summary, nil
	}
	return summary, err
}
