package rebalancer

import (
	"context"

	redlock "github.com/blnkfinance/rebalancer/internal/lock"
	"github.com/blnkfinance/rebalancer/internal/rebalance"
	"github.com/blnkfinance/rebalancer/model"
	"github.com/stretchr/testify/mock"
)

// MockExchange is a mock implementation of ExchangeClient.
type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) GetBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Balance), args.Error(1)
}

func (m *MockExchange) GetOrderableSymbols(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockExchange) GetTradableMarketValue(ctx context.Context, userID, symbol string) (float64, bool, error) {
	args := m.Called(ctx, userID, symbol)
	return args.Get(0).(float64), args.Bool(1), args.Error(2)
}

func (m *MockExchange) PlaceOrder(ctx context.Context, order model.OrderRequest) (*model.Order, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Order), args.Error(1)
}

// MockRegimeProvider is a mock implementation of RegimeProvider.
type MockRegimeProvider struct {
	mock.Mock
}

func (m *MockRegimeProvider) GetRegimePolicy(ctx context.Context) (rebalance.Policy, error) {
	args := m.Called(ctx)
	return args.Get(0).(rebalance.Policy), args.Error(1)
}

// MockNotifier is a mock implementation of Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, userID, message string) error {
	args := m.Called(ctx, userID, message)
	return args.Error(0)
}

// MockExecutor is a mock implementation of Executor.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, msg *model.RebalanceMessage, guard *redlock.Guard) (*TradeReport, error) {
	args := m.Called(ctx, msg, guard)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*TradeReport), args.Error(1)
}
