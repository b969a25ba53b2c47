package exchange

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/blnkfinance/rebalancer/internal/execerror"
	"github.com/blnkfinance/rebalancer/model"
	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockedBridge(t *testing.T) *Bridge {
	b := NewBridge("http://bridge.local/", time.Second)
	httpmock.ActivateNonDefault(b.hc)
	t.Cleanup(httpmock.DeactivateAndReset)
	return b
}

func TestBridge_GetBalances(t *testing.T) {
	b := newMockedBridge(t)
	httpmock.RegisterResponder(http.MethodGet, "http://bridge.local/balances?user_id=user_1",
		httpmock.NewStringResponder(200, `{"balances":[{"currency":"BTC","balance":0.5,"unit_currency":"KRW","price":30000000}]}`))

	balances, err := b.GetBalances(context.Background(), "user_1")
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "BTC/KRW", balances[0].Symbol())
	assert.Equal(t, 0.5, balances[0].Quantity)
}

func TestBridge_GetTradableMarketValue(t *testing.T) {
	b := newMockedBridge(t)
	httpmock.RegisterResponder(http.MethodGet, "http://bridge.local/tradable?symbol=BTC%2FKRW&user_id=user_1",
		httpmock.NewStringResponder(200, `{"symbol":"BTC/KRW","value":1500000}`))
	httpmock.RegisterResponder(http.MethodGet, "http://bridge.local/tradable?symbol=ETH%2FKRW&user_id=user_1",
		httpmock.NewStringResponder(200, `{"symbol":"ETH/KRW","value":null}`))

	value, ok, err := b.GetTradableMarketValue(context.Background(), "user_1", "BTC/KRW")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1500000.0, value)

	_, ok, err = b.GetTradableMarketValue(context.Background(), "user_1", "ETH/KRW")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBridge_RetriesServerErrors(t *testing.T) {
	b := newMockedBridge(t)
	calls := 0
	httpmock.RegisterResponder(http.MethodGet, "http://bridge.local/markets?user_id=user_1",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(503, "busy"), nil
			}
			return httpmock.NewStringResponse(200, `{"markets":["BTC/KRW","ETH/KRW"]}`), nil
		})

	markets, err := b.GetOrderableSymbols(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/KRW", "ETH/KRW"}, markets)
	assert.Equal(t, 3, calls)
}

func TestBridge_ClientErrorIsNonRetryable(t *testing.T) {
	b := newMockedBridge(t)
	httpmock.RegisterResponder(http.MethodGet, "http://bridge.local/balances?user_id=ghost",
		httpmock.NewStringResponder(404, `{"error":"unknown user"}`))

	_, err := b.GetBalances(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, execerror.KindNonRetryable, execerror.Classify(err))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestBridge_PlaceOrder(t *testing.T) {
	b := newMockedBridge(t)
	httpmock.RegisterResponder(http.MethodPost, "http://bridge.local/orders",
		httpmock.NewStringResponder(200, `{"id":"ord-1","client_order_id":"ord_1","symbol":"BTC/KRW","side":"buy","amount":"100000","state":"done"}`))

	order, err := b.PlaceOrder(context.Background(), model.OrderRequest{
		ClientOrderID: "ord_1",
		UserID:        "user_1",
		Symbol:        "BTC/KRW",
		Side:          model.OrderSideBuy,
		Amount:        decimal.NewFromInt(100000),
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", order.ID)
	assert.True(t, order.Amount.Equal(decimal.NewFromInt(100000)))
}

func TestBridge_PlaceOrderServerErrorIsRetryable(t *testing.T) {
	b := newMockedBridge(t)
	httpmock.RegisterResponder(http.MethodPost, "http://bridge.local/orders", httpmock.NewStringResponder(502, "bad gateway"))

	_, err := b.PlaceOrder(context.Background(), model.OrderRequest{Symbol: "BTC/KRW", Side: model.OrderSideSell, Volume: decimal.NewFromFloat(0.1)})
	require.Error(t, err)
	assert.Equal(t, execerror.KindRetryable, execerror.Classify(err))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}
