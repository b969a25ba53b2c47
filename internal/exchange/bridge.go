package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blnkfinance/rebalancer/internal/execerror"
	"github.com/blnkfinance/rebalancer/internal/request"
	"github.com/blnkfinance/rebalancer/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Bridge talks to an exchange sidecar over HTTP/JSON:
//
//	GET  /balances?user_id=
//	GET  /markets?user_id=
//	GET  /tradable?user_id=&symbol=
//	POST /orders
//
// Reads are retried with exponential backoff. Orders are sent once; the
// sidecar dedupes on client_order_id.
type Bridge struct {
	base       string
	hc         *http.Client
	maxRetries uint64
}

func NewBridge(base string, timeout time.Duration) *Bridge {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Bridge{
		base:       base,
		hc:         &http.Client{Timeout: timeout},
		maxRetries: 3,
	}
}

func (b *Bridge) Name() string { return "bridge" }

type balancesResponse struct {
	Balances []model.Balance `json:"balances"`
}

type marketsResponse struct {
	Markets []string `json:"markets"`
}

type tradableResponse struct {
	Symbol string   `json:"symbol"`
	Value  *float64 `json:"value"`
}

func (b *Bridge) GetBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	var out balancesResponse
	if err := b.get(ctx, "/balances", url.Values{"user_id": {userID}}, &out); err != nil {
		return nil, err
	}
	return out.Balances, nil
}

func (b *Bridge) GetOrderableSymbols(ctx context.Context, userID string) ([]string, error) {
	var out marketsResponse
	if err := b.get(ctx, "/markets", url.Values{"user_id": {userID}}, &out); err != nil {
		return nil, err
	}
	return out.Markets, nil
}

// GetTradableMarketValue reports ok=false when the sidecar has no value.
func (b *Bridge) GetTradableMarketValue(ctx context.Context, userID, symbol string) (float64, bool, error) {
	var out tradableResponse
	if err := b.get(ctx, "/tradable", url.Values{"user_id": {userID}, "symbol": {symbol}}, &out); err != nil {
		return 0, false, err
	}
	if out.Value == nil {
		return 0, false, nil
	}
	return *out.Value, true, nil
}

func (b *Bridge) PlaceOrder(ctx context.Context, order model.OrderRequest) (*model.Order, error) {
	payload, err := request.ToJsonReq(order)
	if err != nil {
		return nil, execerror.NonRetryable("failed to encode order", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/orders", payload)
	if err != nil {
		return nil, execerror.NonRetryable("failed to build order request", err)
	}

	var placed model.Order
	if _, err := request.Call(b.hc, req, &placed); err != nil {
		return nil, classify(errors.Wrapf(err, "bridge POST /orders %s %s", order.Side, order.Symbol))
	}
	return &placed, nil
}

func (b *Bridge) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := fmt.Sprintf("%s%s?%s", b.base, path, query.Encode())

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		_, err = request.Call(b.hc, req, out)
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) && statusErr.IsClientError() {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), b.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return classify(errors.Wrapf(err, "bridge GET %s", path))
	}
	return nil
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return bo
}

// classify marks 4xx responses as non-retryable and everything else as
// retryable.
func classify(err error) error {
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) && statusErr.IsClientError() {
		return execerror.NonRetryable("exchange rejected request", err)
	}
	return execerror.Retryable("exchange request failed", err)
}
