package rebalancer

import (
	"context"

	redlock "github.com/blnkfinance/rebalancer/internal/lock"
	"github.com/blnkfinance/rebalancer/internal/rebalance"
	"github.com/blnkfinance/rebalancer/model"
)

// ExchangeClient is the order gateway of one exchange account pool.
type ExchangeClient interface {
	GetBalances(ctx context.Context, userID string) ([]model.Balance, error)
	GetOrderableSymbols(ctx context.Context, userID string) ([]string, error)
	// GetTradableMarketValue returns false when the exchange cannot tell.
	GetTradableMarketValue(ctx context.Context, userID, symbol string) (float64, bool, error)
	PlaceOrder(ctx context.Context, order model.OrderRequest) (*model.Order, error)
}

type RegimeProvider interface {
	GetRegimePolicy(ctx context.Context) (rebalance.Policy, error)
}

// HoldingsLedger stores the symbols the rebalancer manages per user.
type HoldingsLedger interface {
	GetHoldings(ctx context.Context, userID string) ([]model.Holding, error)
	ReplaceHoldings(ctx context.Context, userID string, holdings []model.Holding) error
}

type MissingInferenceCounter interface {
	RecordMissingInferences(ctx context.Context, userID, runID string, missing []string) (map[string]int, error)
}

// Notifier delivers a user facing message. Callers never fail a trade on
// a notification error.
type Notifier interface {
	Notify(ctx context.Context, userID, message string) error
}

// Executor runs the trading side effects of one acquired message. It must
// call guard.AssertHeld after every blocking call.
type Executor interface {
	Execute(ctx context.Context, msg *model.RebalanceMessage, guard *redlock.Guard) (*TradeReport, error)
}
