package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewPortfolioSnapshot(t *testing.T) {
	balances := []Balance{
		{Currency: "KRW", Quantity: 400000, UnitCurrency: "KRW"},
		{Currency: "BTC", Quantity: 0.01, UnitCurrency: "KRW", Price: 30000000},
		{Currency: "ETH", Quantity: 0.1, Locked: 0.1, UnitCurrency: "KRW", Price: 1500000},
		{Currency: "DUST", Quantity: 0, UnitCurrency: "KRW", Price: 10},
		{Currency: "XRP", Quantity: 10, UnitCurrency: "USDT", Price: 1},
	}

	s := NewPortfolioSnapshot("u1", "KRW", balances, []string{"BTC/KRW", "ETH/KRW"}, map[string]float64{"BTC/KRW": 300000})

	assert.InDelta(t, 1000000.0, s.TotalMarketValue, 1e-6)
	assert.InDelta(t, 400000.0, s.CashValue, 1e-6)
	assert.InDelta(t, 0.3, s.Weight("BTC/KRW"), 1e-9)
	assert.InDelta(t, 0.3, s.Weight("ETH/KRW"), 1e-9)
	assert.False(t, s.IsHeld("DUST/KRW"))
	assert.False(t, s.IsHeld("XRP/USDT"))
	assert.True(t, s.IsOrderable("BTC/KRW"))
	assert.False(t, s.IsOrderable("DUST/KRW"))
	assert.Equal(t, []string{"BTC/KRW", "ETH/KRW"}, s.HeldSymbols())

	v, ok := s.TradableValue("BTC/KRW")
	assert.True(t, ok)
	assert.Equal(t, 300000.0, v)
	_, ok = s.TradableValue("ETH/KRW")
	assert.False(t, ok)
}

func TestNewPortfolioSnapshot_Empty(t *testing.T) {
	s := NewPortfolioSnapshot("u1", "KRW", nil, nil, nil)
	assert.Zero(t, s.TotalMarketValue)
	assert.Empty(t, s.HeldSymbols())
}

func TestRun_Validate(t *testing.T) {
	now := time.Now().UTC()
	run := Run{
		RunID:       "run_1",
		Module:      ModuleAllocation,
		GeneratedAt: now,
		ExpiresAt:   now.Add(time.Hour),
		Users:       []UserRecommendations{{UserID: "usr_1"}},
	}
	assert.NoError(t, run.Validate())

	run.Users = append(run.Users, UserRecommendations{})
	assert.Error(t, run.Validate())

	run.Users = run.Users[:1]
	run.ExpiresAt = now
	assert.Error(t, run.Validate())

	run.ExpiresAt = now.Add(time.Hour)
	run.Module = "volatility"
	assert.Error(t, run.Validate())
}
