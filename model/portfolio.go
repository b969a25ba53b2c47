package model

import (
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// Balance is one currency position as reported by the exchange.
type Balance struct {
	Currency     string  `json:"currency"`
	Quantity     float64 `json:"balance"`
	Locked       float64 `json:"locked"`
	AvgBuyPrice  float64 `json:"avg_buy_price"`
	UnitCurrency string  `json:"unit_currency"`
	// Price is the last trade price in UnitCurrency.
	Price float64 `json:"price"`
}

func (b Balance) Symbol() string {
	return b.Currency + "/" + b.UnitCurrency
}

// MarketValue is the value of the whole position in the quote currency.
func (b Balance) MarketValue(quote string) float64 {
	if b.Currency == quote {
		return b.Quantity + b.Locked
	}
	return (b.Quantity + b.Locked) * b.Price
}

// Holding is a symbol the rebalancer manages for a user.
type Holding struct {
	UserID    string    `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PortfolioSnapshot is the per-user, per-cycle view the sizing engine reads.
type PortfolioSnapshot struct {
	UserID        string `json:"user_id"`
	QuoteCurrency string `json:"quote_currency"`
	// TotalMarketValue includes cash.
	TotalMarketValue float64            `json:"total_market_value"`
	CashValue        float64            `json:"cash_value"`
	CurrentWeights   map[string]float64 `json:"current_weights"`
	Quantities       map[string]float64 `json:"quantities"`
	Prices           map[string]float64 `json:"prices"`
	Orderable        map[string]bool    `json:"orderable"`
	// TradableMarketValues is the sellable value of each position. A
	// missing entry means the exchange could not report it.
	TradableMarketValues map[string]float64 `json:"tradable_market_values"`
}

// NewPortfolioSnapshot builds a snapshot from exchange balances. Balances in
// other unit currencies than quote are ignored.
func NewPortfolioSnapshot(userID, quote string, balances []Balance, orderable []string, tradable map[string]float64) *PortfolioSnapshot {
	snapshot := &PortfolioSnapshot{
		UserID:               userID,
		QuoteCurrency:        quote,
		CurrentWeights:       map[string]float64{},
		Quantities:           map[string]float64{},
		Prices:               map[string]float64{},
		Orderable:            map[string]bool{},
		TradableMarketValues: map[string]float64{},
	}

	values := map[string]float64{}
	for _, b := range balances {
		if b.Currency == quote {
			snapshot.CashValue += b.MarketValue(quote)
			continue
		}
		if b.UnitCurrency != quote {
			continue
		}
		value := b.MarketValue(quote)
		if value <= 0 {
			continue
		}
		symbol := b.Symbol()
		values[symbol] += value
		snapshot.Quantities[symbol] += b.Quantity
		snapshot.Prices[symbol] = b.Price
	}

	snapshot.TotalMarketValue = snapshot.CashValue
	for _, v := range values {
		snapshot.TotalMarketValue += v
	}
	if snapshot.TotalMarketValue > 0 {
		for symbol, v := range values {
			snapshot.CurrentWeights[symbol] = v / snapshot.TotalMarketValue
		}
	}
	for _, symbol := range orderable {
		snapshot.Orderable[symbol] = true
	}
	for symbol, v := range tradable {
		snapshot.TradableMarketValues[symbol] = v
	}
	return snapshot
}

func (s *PortfolioSnapshot) Weight(symbol string) float64 {
	return s.CurrentWeights[symbol]
}

func (s *PortfolioSnapshot) IsHeld(symbol string) bool {
	return s.CurrentWeights[symbol] > 0
}

func (s *PortfolioSnapshot) IsOrderable(symbol string) bool {
	return s.Orderable[symbol]
}

// TradableValue returns the sellable value of symbol and whether it is known.
func (s *PortfolioSnapshot) TradableValue(symbol string) (float64, bool) {
	v, ok := s.TradableMarketValues[symbol]
	return v, ok
}

// HeldSymbols returns the held symbols in lexical order.
func (s *PortfolioSnapshot) HeldSymbols() []string {
	symbols := make([]string, 0, len(s.CurrentWeights))
	for symbol, w := range s.CurrentWeights {
		if w > 0 {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderRequest is a market order. Buys carry the quote Amount to spend,
// sells the base Volume to sell.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	UserID        string          `json:"user_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Volume        decimal.Decimal `json:"volume"`
	Amount        decimal.Decimal `json:"amount"`
}

type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Volume        decimal.Decimal `json:"volume"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	State         string          `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Run is a model inference batch covering many users.
type Run struct {
	RunID          string                `json:"runId"`
	Module         Module                `json:"module"`
	GeneratedAt    time.Time             `json:"generatedAt"`
	ExpiresAt      time.Time             `json:"expiresAt"`
	AllocationMode AllocationMode        `json:"allocationMode,omitempty"`
	Users          []UserRecommendations `json:"users"`
}

type UserRecommendations struct {
	UserID     string           `json:"userId"`
	Inferences []Recommendation `json:"inferences"`
}

// Messages splits a run into one queue message per user.
func (r *Run) Messages(version int) []RebalanceMessage {
	messages := make([]RebalanceMessage, 0, len(r.Users))
	for _, user := range r.Users {
		messages = append(messages, RebalanceMessage{
			Version:        version,
			Module:         r.Module,
			RunID:          r.RunID,
			MessageKey:     MessageKeyFor(r.RunID, user.UserID),
			UserID:         user.UserID,
			GeneratedAt:    r.GeneratedAt,
			ExpiresAt:      r.ExpiresAt,
			AllocationMode: r.AllocationMode,
			Inferences:     user.Inferences,
		})
	}
	return messages
}

// Validate checks a run before it is split into queue messages.
func (r *Run) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Module, validation.Required, validation.In(ModuleAllocation, ModuleRisk)),
		validation.Field(&r.GeneratedAt, validation.Required),
		validation.Field(&r.ExpiresAt, validation.Required, validation.Min(r.GeneratedAt).Exclusive().Error("must be after generatedAt")),
		validation.Field(&r.AllocationMode, validation.In(AllocationNew, AllocationExisting)),
		validation.Field(&r.Users, validation.Required),
	)
}

func (u UserRecommendations) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.UserID, validation.Required),
	)
}
