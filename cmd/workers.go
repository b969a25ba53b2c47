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

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/blnkfinance/rebalancer"
	"github.com/blnkfinance/rebalancer/api"
	"github.com/blnkfinance/rebalancer/config"
	redis_db "github.com/blnkfinance/rebalancer/internal/redis-db"
	"github.com/blnkfinance/rebalancer/internal/traces"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeQueues(conf *config.Configuration) map[string]int {
	return rebalancer.QueueNames(conf.Queue.TradeQueue, conf.Queue.NumberOfQueues)
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		redisOption,
		asynq.Config{
			Concurrency:    conf.Queue.Concurrency,
			Queues:         queues,
			IsFailure:      rebalancer.IsFailure,
			RetryDelayFunc: rebalancer.RetryDelay(conf.Queue.DeferDelay()),
			Logger:         logrus.StandardLogger(),
		},
	), nil
}

// initializeTaskHandlers routes every trade shard to the processor. Task
// types equal queue names.
func initializeTaskHandlers(b *rebalancerInstance, queues map[string]int, mux *asynq.ServeMux) {
	for queueName := range queues {
		mux.HandleFunc(queueName, b.rebalancer.Processor().HandleTask)
	}
}

func startOpsServer(b *rebalancerInstance) *http.Server {
	router := api.NewAPI(b.cnf, b.rebalancer.Queue(), b.rebalancer.Executions()).Router()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", b.cnf.Observability.OpsPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Ops server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("ops server stopped")
		}
	}()
	return srv
}

// workerCommands defines the "workers" command. Workers consume the sharded
// trade queues and serve the ops API.
func workerCommands(b *rebalancerInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start rebalancer workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			if err := b.setup(); err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := b.rebalancer.Close(); err != nil {
					log.Printf("Error closing rebalancer: %v", err)
				}
			}()

			shutdown, err := traces.SetupOTelSDK(ctx, b.cnf.ProjectName, b.cnf.Observability.OtelEndpoint)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			queues := initializeQueues(b.cnf)

			srv, err := initializeWorkerServer(b.cnf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, queues, mux)

			ops := startOpsServer(b)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				_ = ops.Shutdown(shutdownCtx)
			}()

			if err := srv.Start(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			<-sigs
			srv.Shutdown()
		},
	}

	return cmd
}
