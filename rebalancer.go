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
	"embed"
	"fmt"

	"github.com/blnkfinance/rebalancer/config"
	"github.com/blnkfinance/rebalancer/database"
	"github.com/blnkfinance/rebalancer/internal/exchange"
	redlock "github.com/blnkfinance/rebalancer/internal/lock"
	"github.com/blnkfinance/rebalancer/internal/notification"
	"github.com/blnkfinance/rebalancer/internal/rebalance"
	redis_db "github.com/blnkfinance/rebalancer/internal/redis-db"
	"github.com/blnkfinance/rebalancer/internal/regime"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Rebalancer wires the trading pipeline from configuration.
type Rebalancer struct {
	conf       *config.Configuration
	datasource database.IDataSource
	redis      *redis_db.Redis
	locks      *redlock.Service
	queue      *Queue
	ledger     *ExecutionLedger
	executor   *TradeExecutor
	processor  *Processor
}

// NewRebalancer connects Redis and builds every component on top of db.
func NewRebalancer(conf *config.Configuration, db database.IDataSource) (*Rebalancer, error) {
	ex, err := newExchange(conf)
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.NewRedisClient([]string{conf.Redis.Dns}, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	locks := redlock.NewService(redlock.NewRedisStore(redisClient.Client()))

	queue, err := NewQueue(conf, locks)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}

	fallback := PolicyFromConfig(conf.Regime.Default)
	regimeProvider := regime.NewRedisProvider(redisClient.Client(), conf.Regime.RedisKey, conf.Regime.CacheTTL(), fallback)

	executor := NewTradeExecutor(ex, regimeProvider, db, db, notification.NewSlackNotifier(conf.Notification.Slack.WebhookUrl), TradeExecutorConfig{
		QuoteCurrency:   conf.Exchange.QuoteCurrency,
		AmountPrecision: amountPrecision(conf.Exchange.QuoteCurrency),
		Params:          ParamsFromConfig(conf.Sizing),
	})

	ledger := NewExecutionLedger(db, conf.Ledger.StaleWindow())
	processor := NewProcessor(ledger, locks, executor, ProcessorConfig{
		SupportedVersion:  conf.Pipeline.SupportedVersion,
		ModuleAliases:     conf.Pipeline.ModuleAliases,
		UserLockPrefix:    conf.Lock.UserLockPrefix,
		UserLockDuration:  conf.Lock.UserLockDuration(),
		HeartbeatInterval: conf.Ledger.HeartbeatInterval(),
	})

	return &Rebalancer{
		conf:       conf,
		datasource: db,
		redis:      redisClient,
		locks:      locks,
		queue:      queue,
		ledger:     ledger,
		executor:   executor,
		processor:  processor,
	}, nil
}

func newExchange(conf *config.Configuration) (ExchangeClient, error) {
	switch conf.Exchange.Mode {
	case "paper":
		return exchange.NewPaper(conf.Exchange.QuoteCurrency, 0.0005), nil
	case "bridge":
		return exchange.NewBridge(conf.Exchange.BridgeUrl, conf.Exchange.Timeout()), nil
	}
	return nil, fmt.Errorf("unknown exchange mode %q", conf.Exchange.Mode)
}

// KRW has no minor unit.
func amountPrecision(quote string) int32 {
	if quote == "KRW" {
		return 0
	}
	return 2
}

// PolicyFromConfig converts the configured default regime policy.
func PolicyFromConfig(c config.RegimePolicyConfig) rebalance.Policy {
	caps := make(map[string]float64, len(c.CategoryExposureCaps))
	for category, limit := range c.CategoryExposureCaps {
		caps[category] = limit
	}
	return rebalance.Policy{
		ExposureMultiplier:      c.ExposureMultiplier,
		RebalanceBandMultiplier: c.RebalanceBandMultiplier,
		TurnoverCap:             c.TurnoverCap,
		CategoryExposureCaps:    caps,
	}
}

func ParamsFromConfig(s config.SizingConfig) rebalance.Params {
	return rebalance.Params{
		MinBand:                  s.MinBand,
		BandRatio:                s.BandRatio,
		CostGuardMultiplier:      s.CostGuardMultiplier,
		DefaultExpectedEdgeRate:  s.DefaultExpectedEdgeRate,
		DefaultEstimatedCostRate: s.DefaultEstimatedCostRate,
		MinOrderValue:            s.MinOrderValue,
		SlotCount:                s.SlotCount,
		MissingGraceCycles:       s.MissingGraceCycles,
		SignalWeightScale:        s.SignalWeightScale,
		DefaultCategoryCap:       s.DefaultCategoryCap,
	}
}

func (r *Rebalancer) Processor() *Processor {
	return r.processor
}

func (r *Rebalancer) Queue() *Queue {
	return r.queue
}

// Executions exposes ledger reads for the ops API.
func (r *Rebalancer) Executions() database.ExecutionRepository {
	return r.datasource
}

// Close waits for pending notifications and releases connections.
func (r *Rebalancer) Close() error {
	r.executor.Wait()
	_ = r.queue.Close()
	return r.redis.Close()
}
