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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_OPS_PORT        = "5011"
	DEFAULT_MONITORING_PORT = "5012"
	DEFAULT_TRADE_QUEUE     = "rebalance:trade"
	DEFAULT_USER_LOCK       = "trade:user:"
	DEFAULT_SCHEDULE_LOCK   = "schedule:rebalance"
	DEFAULT_QUOTE_CURRENCY  = "KRW"

	DEFAULT_RATE_LIMIT_CLEANUP_SEC = 300
)

var ConfigStore atomic.Value

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"REBALANCER_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"REBALANCER_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"REBALANCER_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	TradeQueue        string `json:"trade_queue" envconfig:"REBALANCER_QUEUE_TRADE_QUEUE"`
	NumberOfQueues    int    `json:"number_of_queues" envconfig:"REBALANCER_QUEUE_NUMBER_OF_QUEUES"`
	Concurrency       int    `json:"concurrency" envconfig:"REBALANCER_QUEUE_CONCURRENCY"`
	DeferDelaySeconds int    `json:"defer_delay_seconds"`
	MaxRetry          int    `json:"max_retry"`
	MonitoringPort    string `json:"monitoring_port" envconfig:"REBALANCER_QUEUE_MONITORING_PORT"`
}

// LedgerConfig controls how long a processing row may go without a heartbeat
// before another worker is allowed to reclaim it.
type LedgerConfig struct {
	StaleWindowSeconds       int `json:"stale_window_seconds"`
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
}

type LockConfig struct {
	UserLockPrefix          string   `json:"user_lock_prefix"`
	UserLockDurationSeconds int      `json:"user_lock_duration_seconds"`
	ScheduleLock            string   `json:"schedule_lock"`
	CompatibleScheduleLocks []string `json:"compatible_schedule_locks"`
	ScheduleLockSeconds     int      `json:"schedule_lock_seconds"`
}

type PipelineConfig struct {
	SupportedVersion int               `json:"supported_version"`
	ModuleAliases    map[string]string `json:"module_aliases" envconfig:"REBALANCER_PIPELINE_MODULE_ALIASES"`
}

type SizingConfig struct {
	MinBand                  float64 `json:"min_band"`
	BandRatio                float64 `json:"band_ratio"`
	CostGuardMultiplier      float64 `json:"cost_guard_multiplier"`
	DefaultExpectedEdgeRate  float64 `json:"default_expected_edge_rate"`
	DefaultEstimatedCostRate float64 `json:"default_estimated_cost_rate"`
	MinOrderValue            float64 `json:"min_order_value"`
	SlotCount                int     `json:"slot_count"`
	MissingGraceCycles       int     `json:"missing_grace_cycles"`
	SignalWeightScale        float64 `json:"signal_weight_scale"`
	DefaultCategoryCap       float64 `json:"default_category_cap"`
}

type RegimePolicyConfig struct {
	ExposureMultiplier      float64            `json:"exposure_multiplier"`
	RebalanceBandMultiplier float64            `json:"rebalance_band_multiplier"`
	TurnoverCap             float64            `json:"turnover_cap"`
	CategoryExposureCaps    map[string]float64 `json:"category_exposure_caps"`
}

type RegimeConfig struct {
	RedisKey        string             `json:"redis_key"`
	CacheTTLSeconds int                `json:"cache_ttl_seconds"`
	Default         RegimePolicyConfig `json:"default"`
}

type ExchangeConfig struct {
	Mode           string `json:"mode" envconfig:"REBALANCER_EXCHANGE_MODE"`
	BridgeUrl      string `json:"bridge_url" envconfig:"REBALANCER_EXCHANGE_BRIDGE_URL"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	QuoteCurrency  string `json:"quote_currency"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"REBALANCER_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"REBALANCER_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"REBALANCER_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"REBALANCER_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type ObservabilityConfig struct {
	OtelEndpoint string          `json:"otel_endpoint" envconfig:"REBALANCER_OTEL_ENDPOINT"`
	OpsPort      string          `json:"ops_port" envconfig:"REBALANCER_OPS_PORT"`
	SecretKey    string          `json:"secret_key" envconfig:"REBALANCER_OPS_SECRET_KEY"`
	RateLimit    RateLimitConfig `json:"rate_limit"`
}

type Configuration struct {
	ProjectName   string              `json:"project_name" envconfig:"REBALANCER_PROJECT_NAME"`
	DataSource    DataSourceConfig    `json:"data_source"`
	Redis         RedisConfig         `json:"redis"`
	Queue         QueueConfig         `json:"queue"`
	Ledger        LedgerConfig        `json:"ledger"`
	Lock          LockConfig          `json:"lock"`
	Pipeline      PipelineConfig      `json:"pipeline"`
	Sizing        SizingConfig        `json:"sizing"`
	Regime        RegimeConfig        `json:"regime"`
	Exchange      ExchangeConfig      `json:"exchange"`
	Notification  Notification        `json:"notification"`
	Observability ObservabilityConfig `json:"observability"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("rebalancer", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called rebalancer.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Rebalancer"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	cnf.setQueueDefaults()
	cnf.setLedgerDefaults()
	cnf.setLockDefaults()
	cnf.setPipelineDefaults()
	cnf.setSizingDefaults()
	cnf.setRegimeDefaults()

	if cnf.Exchange.Mode == "" {
		cnf.Exchange.Mode = "paper"
	}
	if cnf.Exchange.Mode != "paper" && cnf.Exchange.Mode != "bridge" {
		return errors.New("exchange mode must be either paper or bridge")
	}
	if cnf.Exchange.Mode == "bridge" && cnf.Exchange.BridgeUrl == "" {
		return errors.New("exchange bridge url is required in bridge mode")
	}
	if cnf.Exchange.TimeoutSeconds <= 0 {
		cnf.Exchange.TimeoutSeconds = 10
	}
	if cnf.Exchange.QuoteCurrency == "" {
		cnf.Exchange.QuoteCurrency = DEFAULT_QUOTE_CURRENCY
	}

	if cnf.Observability.OpsPort == "" {
		cnf.Observability.OpsPort = DEFAULT_OPS_PORT
	}
	cnf.setRateLimitDefaults()

	return nil
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.TradeQueue == "" {
		cnf.Queue.TradeQueue = DEFAULT_TRADE_QUEUE
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 4
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 8
	}
	if cnf.Queue.DeferDelaySeconds <= 0 {
		cnf.Queue.DeferDelaySeconds = 30
	}
	if cnf.Queue.MaxRetry <= 0 {
		cnf.Queue.MaxRetry = 10
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}
}

func (cnf *Configuration) setLedgerDefaults() {
	if cnf.Ledger.StaleWindowSeconds <= 0 {
		cnf.Ledger.StaleWindowSeconds = 300
	}
	if cnf.Ledger.HeartbeatIntervalSeconds <= 0 {
		cnf.Ledger.HeartbeatIntervalSeconds = 30
	}
	// A heartbeat slower than the stale window would let healthy attempts be reclaimed.
	if cnf.Ledger.HeartbeatIntervalSeconds >= cnf.Ledger.StaleWindowSeconds {
		cnf.Ledger.HeartbeatIntervalSeconds = cnf.Ledger.StaleWindowSeconds / 3
		log.Printf("Warning: heartbeat interval must be shorter than the stale window. Using %d seconds", cnf.Ledger.HeartbeatIntervalSeconds)
	}
}

func (cnf *Configuration) setLockDefaults() {
	if cnf.Lock.UserLockPrefix == "" {
		cnf.Lock.UserLockPrefix = DEFAULT_USER_LOCK
	}
	if cnf.Lock.UserLockDurationSeconds <= 0 {
		cnf.Lock.UserLockDurationSeconds = 300
	}
	if cnf.Lock.ScheduleLock == "" {
		cnf.Lock.ScheduleLock = DEFAULT_SCHEDULE_LOCK
	}
	if cnf.Lock.ScheduleLockSeconds <= 0 {
		cnf.Lock.ScheduleLockSeconds = 600
	}
}

func (cnf *Configuration) setPipelineDefaults() {
	if cnf.Pipeline.SupportedVersion <= 0 {
		cnf.Pipeline.SupportedVersion = 1
	}
	if cnf.Pipeline.ModuleAliases == nil {
		cnf.Pipeline.ModuleAliases = map[string]string{
			"rebalance":  "allocation",
			"volatility": "risk",
		}
	}
}

func (cnf *Configuration) setSizingDefaults() {
	s := &cnf.Sizing
	if s.MinBand <= 0 {
		s.MinBand = 0.01
	}
	if s.BandRatio <= 0 {
		s.BandRatio = 0.1
	}
	if s.CostGuardMultiplier <= 0 {
		s.CostGuardMultiplier = 2
	}
	if s.DefaultExpectedEdgeRate <= 0 {
		s.DefaultExpectedEdgeRate = 0.01
	}
	if s.DefaultEstimatedCostRate <= 0 {
		s.DefaultEstimatedCostRate = 0.002
	}
	if s.MinOrderValue <= 0 {
		s.MinOrderValue = 5000
	}
	if s.SlotCount <= 0 {
		s.SlotCount = 10
	}
	if s.MissingGraceCycles <= 0 {
		s.MissingGraceCycles = 2
	}
	if s.SignalWeightScale <= 0 {
		s.SignalWeightScale = 0.2
	}
	if s.DefaultCategoryCap <= 0 {
		s.DefaultCategoryCap = 1
	}
}

func (cnf *Configuration) setRegimeDefaults() {
	r := &cnf.Regime
	if r.RedisKey == "" {
		r.RedisKey = "market:regime:policy"
	}
	if r.CacheTTLSeconds <= 0 {
		r.CacheTTLSeconds = 60
	}
	if r.Default.ExposureMultiplier <= 0 {
		r.Default.ExposureMultiplier = 1
	}
	if r.Default.RebalanceBandMultiplier <= 0 {
		r.Default.RebalanceBandMultiplier = 1
	}
	if r.Default.TurnoverCap <= 0 {
		r.Default.TurnoverCap = 1
	}
	if r.Default.CategoryExposureCaps == nil {
		r.Default.CategoryExposureCaps = map[string]float64{}
	}
}

func (cnf *Configuration) setRateLimitDefaults() {
	rl := &cnf.Observability.RateLimit
	if rl.RequestsPerSecond == nil && rl.Burst == nil {
		return
	}
	if rl.RequestsPerSecond == nil {
		rps := float64(*rl.Burst)
		rl.RequestsPerSecond = &rps
	}
	if rl.Burst == nil {
		burst := int(*rl.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		rl.Burst = &burst
	}
	if rl.CleanupIntervalSec == nil {
		interval := DEFAULT_RATE_LIMIT_CLEANUP_SEC
		rl.CleanupIntervalSec = &interval
	}
}

func (q QueueConfig) DeferDelay() time.Duration {
	return time.Duration(q.DeferDelaySeconds) * time.Second
}

func (l LedgerConfig) StaleWindow() time.Duration {
	return time.Duration(l.StaleWindowSeconds) * time.Second
}

func (l LedgerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(l.HeartbeatIntervalSeconds) * time.Second
}

func (l LockConfig) UserLockDuration() time.Duration {
	return time.Duration(l.UserLockDurationSeconds) * time.Second
}

func (l LockConfig) ScheduleLockDuration() time.Duration {
	return time.Duration(l.ScheduleLockSeconds) * time.Second
}

func (r RegimeConfig) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLSeconds) * time.Second
}

func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
