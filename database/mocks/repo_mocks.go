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

package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/rebalancer/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Execution ledger methods

func (m *MockDataSource) InsertExecution(ctx context.Context, entry *model.ExecutionEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) GetExecution(ctx context.Context, key model.ExecutionKey) (*model.ExecutionEntry, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ExecutionEntry), args.Error(1)
}

func (m *MockDataSource) ReacquireExecution(ctx context.Context, current *model.ExecutionEntry, payloadHash string, startedAt time.Time) (bool, error) {
	args := m.Called(ctx, current, payloadHash, startedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) HeartbeatExecution(ctx context.Context, key model.ExecutionKey, attemptCount int, at time.Time) (bool, error) {
	args := m.Called(ctx, key, attemptCount, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) FinishExecution(ctx context.Context, key model.ExecutionKey, attemptCount int, status model.ExecutionStatus, errMsg string, at time.Time) (bool, error) {
	args := m.Called(ctx, key, attemptCount, status, errMsg, at)
	return args.Bool(0), args.Error(1)
}

// Holdings methods

func (m *MockDataSource) GetHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Holding), args.Error(1)
}

func (m *MockDataSource) ReplaceHoldings(ctx context.Context, userID string, holdings []model.Holding) error {
	args := m.Called(ctx, userID, holdings)
	return args.Error(0)
}

func (m *MockDataSource) RecordMissingInferences(ctx context.Context, userID, runID string, missing []string) (map[string]int, error) {
	args := m.Called(ctx, userID, runID, missing)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int), args.Error(1)
}
