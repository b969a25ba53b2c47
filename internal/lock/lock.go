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

package redlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript  = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// Store is the shared key-value backend of the lock service. Every operation
// carries the owner token so only the holder can extend or release a key.
type Store interface {
	// SetIfAbsent stores owner under key with ttl unless the key exists.
	SetIfAbsent(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Extend resets the ttl of key if it is still held by owner.
	Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release deletes key if it is still held by owner.
	Release(ctx context.Context, key, owner string) (bool, error)
}

// RedisStore implements Store with SETNX and compare-and-act Lua scripts.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, owner, ttl).Result()
}

func (s *RedisStore) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	result, err := s.client.Eval(ctx, extendScript, []string{key}, owner, fmt.Sprintf("%d", ttl.Milliseconds())).Result()
	if err != nil {
		return false, err
	}
	return result == int64(1), nil
}

func (s *RedisStore) Release(ctx context.Context, key, owner string) (bool, error) {
	result, err := s.client.Eval(ctx, releaseScript, []string{key}, owner).Result()
	if err != nil {
		return false, err
	}
	return result == int64(1), nil
}

// Locker is a single named lock held under an owner token.
type Locker struct {
	store Store
	key   string
	value string // Used for ensuring that only the lock holder can unlock or renew the lock
}

func NewLocker(store Store, key, value string) *Locker {
	return &Locker{
		store: store,
		key:   key,
		value: value,
	}
}

func (l *Locker) Key() string {
	return l.key
}

// Lock makes one non-blocking attempt. A lock held by someone else is
// reported as (false, nil); only store failures are errors.
func (l *Locker) Lock(ctx context.Context, timeout time.Duration) (bool, error) {
	return l.store.SetIfAbsent(ctx, l.key, l.value, timeout)
}

func (l *Locker) Unlock(ctx context.Context) error {
	ok, err := l.store.Release(ctx, l.key, l.value)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", l.key)
	}
	return nil
}

func (l *Locker) ExtendLock(ctx context.Context, extension time.Duration) error {
	ok, err := l.store.Extend(ctx, l.key, l.value, extension)
	if err != nil {
		return fmt.Errorf("lock extension failed for key %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("lock extension failed for key %s, either lock expired or you're not the holder", l.key)
	}
	return nil
}
