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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blnkfinance/rebalancer/internal/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrLockLost is returned by Guard.AssertHeld once a lease extension failed.
var ErrLockLost = errors.New("lock lost")

const releaseTimeout = 3 * time.Second

// Guard is handed to a critical section. Callers check AssertHeld after
// every blocking call so that a lost lease stops further side effects.
type Guard struct {
	once  sync.Once
	lost  chan struct{}
	mu    sync.Mutex
	cause error
}

func newGuard() *Guard {
	return &Guard{lost: make(chan struct{})}
}

// AssertHeld returns an error wrapping ErrLockLost when any lock of the
// section has lost its lease.
func (g *Guard) AssertHeld() error {
	select {
	case <-g.lost:
		g.mu.Lock()
		defer g.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrLockLost, g.cause)
	default:
		return nil
	}
}

// Lost is closed when the lease is lost.
func (g *Guard) Lost() <-chan struct{} {
	return g.lost
}

func (g *Guard) markLost(cause error) {
	g.once.Do(func() {
		g.mu.Lock()
		g.cause = cause
		g.mu.Unlock()
		close(g.lost)
	})
}

// Service runs callbacks under store-backed locks with a live-extension loop.
type Service struct {
	store   Store
	divisor int
}

func NewService(store Store) *Service {
	return &Service{store: store, divisor: 3}
}

// WithLock runs fn while holding resource. It makes a single acquire attempt
// and returns (false, nil) without calling fn when the lock is busy.
func (s *Service) WithLock(ctx context.Context, resource string, lease time.Duration, fn func(ctx context.Context, guard *Guard) error) (bool, error) {
	return s.WithLocks(ctx, resource, nil, lease, fn)
}

// WithLocks acquires primary and then every compatible alias in order. If
// any of them is busy, fn is not called and the locks taken so far are
// released. All held locks share one Guard and one extension loop.
func (s *Service) WithLocks(ctx context.Context, primary string, compatible []string, lease time.Duration, fn func(ctx context.Context, guard *Guard) error) (bool, error) {
	held := make([]*Locker, 0, len(compatible)+1)
	defer func() {
		s.releaseAll(ctx, held)
	}()

	for _, name := range resourceChain(primary, compatible) {
		locker := NewLocker(s.store, name, fmt.Sprintf("loc_%s", uuid.NewString()))
		ok, err := locker.Lock(ctx, lease)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			logrus.WithError(err).WithField("resource", name).Warn("lock store unavailable, skipping critical section")
			return false, nil
		}
		if !ok {
			metrics.LockAcquisitions.WithLabelValues("busy").Inc()
			logrus.WithField("resource", name).Debug("lock held elsewhere")
			return false, nil
		}
		metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
		held = append(held, locker)
	}

	guard := newGuard()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepAlive(ctx, held, lease, guard, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	return true, fn(ctx, guard)
}

func (s *Service) keepAlive(ctx context.Context, held []*Locker, lease time.Duration, guard *Guard, stop <-chan struct{}) {
	interval := lease / time.Duration(s.divisor)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, locker := range held {
				if err := locker.ExtendLock(ctx, lease); err != nil {
					metrics.LockLost.Inc()
					logrus.WithError(err).WithField("resource", locker.Key()).Error("lock lease lost")
					guard.markLost(err)
					return
				}
			}
		}
	}
}

func (s *Service) releaseAll(ctx context.Context, held []*Locker) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		if err := held[i].Unlock(releaseCtx); err != nil {
			logrus.WithError(err).WithField("resource", held[i].Key()).Warn("lock release failed")
		}
	}
}

func resourceChain(primary string, compatible []string) []string {
	seen := map[string]bool{primary: true}
	chain := []string{primary}
	for _, name := range compatible {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		chain = append(chain, name)
	}
	return chain
}
