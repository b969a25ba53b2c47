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

package regime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/rebalancer/internal/rebalance"
	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// cacheSize defines the size of the local cache (in number of entries) used alongside Redis.
const cacheSize = 1024

// StaticProvider always returns the configured policy.
type StaticProvider struct {
	policy rebalance.Policy
}

func NewStaticProvider(policy rebalance.Policy) *StaticProvider {
	return &StaticProvider{policy: policy}
}

func (s *StaticProvider) GetRegimePolicy(_ context.Context) (rebalance.Policy, error) {
	return s.policy, nil
}

// RedisProvider reads the policy published by the market-regime job under
// sourceKey. Decoded policies are cached locally (TinyLFU) and in Redis for
// ttl; fields missing from the published JSON keep their fallback values.
type RedisProvider struct {
	client    redis.UniversalClient
	cache     *cache.Cache
	sourceKey string
	ttl       time.Duration
	fallback  rebalance.Policy
}

func NewRedisProvider(client redis.UniversalClient, sourceKey string, ttl time.Duration, fallback rebalance.Policy) *RedisProvider {
	c := cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(cacheSize, ttl),
	})
	return &RedisProvider{client: client, cache: c, sourceKey: sourceKey, ttl: ttl, fallback: fallback}
}

func (p *RedisProvider) cacheKey() string {
	return p.sourceKey + ":decoded"
}

func (p *RedisProvider) GetRegimePolicy(ctx context.Context) (rebalance.Policy, error) {
	var policy rebalance.Policy
	err := p.cache.Once(&cache.Item{
		Ctx:   ctx,
		Key:   p.cacheKey(),
		Value: &policy,
		TTL:   p.ttl,
		Do: func(item *cache.Item) (interface{}, error) {
			return p.load(item.Context())
		},
	})
	if err != nil {
		return rebalance.Policy{}, fmt.Errorf("failed to load regime policy: %w", err)
	}
	return policy, nil
}

func (p *RedisProvider) load(ctx context.Context) (rebalance.Policy, error) {
	raw, err := p.client.Get(ctx, p.sourceKey).Bytes()
	if errors.Is(err, redis.Nil) {
		logrus.WithField("key", p.sourceKey).Info("no regime policy published, using default")
		return p.fallback, nil
	}
	if err != nil {
		return rebalance.Policy{}, err
	}

	policy := p.fallback
	policy.CategoryExposureCaps = make(map[string]float64, len(p.fallback.CategoryExposureCaps))
	for category, limit := range p.fallback.CategoryExposureCaps {
		policy.CategoryExposureCaps[category] = limit
	}
	if err := json.Unmarshal(raw, &policy); err != nil {
		logrus.WithError(err).WithField("key", p.sourceKey).Warn("invalid regime policy, using default")
		return p.fallback, nil
	}
	return policy, nil
}

// Invalidate drops the cached policy so the next read hits the source key.
func (p *RedisProvider) Invalidate(ctx context.Context) error {
	err := p.cache.Delete(ctx, p.cacheKey())
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
