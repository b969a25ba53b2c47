package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blnkfinance/rebalancer/internal/execerror"
	"github.com/blnkfinance/rebalancer/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Paper is an in-memory exchange that fills market orders at the last set
// price. It is used for dry runs and tests; orders never leave the process.
type Paper struct {
	mu       sync.Mutex
	quote    string
	feeRate  decimal.Decimal
	prices   map[string]decimal.Decimal
	accounts map[string]map[string]decimal.Decimal
	orders   map[string]*model.Order
	history  []model.Order
}

func NewPaper(quote string, feeRate float64) *Paper {
	return &Paper{
		quote:    quote,
		feeRate:  decimal.NewFromFloat(feeRate),
		prices:   map[string]decimal.Decimal{},
		accounts: map[string]map[string]decimal.Decimal{},
		orders:   map[string]*model.Order{},
	}
}

func (p *Paper) Name() string { return "paper" }

// SetPrice sets the fill price of symbol and makes it orderable.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = decimal.NewFromFloat(price)
}

// Deposit credits qty of currency to a user.
func (p *Paper) Deposit(userID, currency string, qty float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account(userID)[currency] = p.account(userID)[currency].Add(decimal.NewFromFloat(qty))
}

func (p *Paper) account(userID string) map[string]decimal.Decimal {
	acc, ok := p.accounts[userID]
	if !ok {
		acc = map[string]decimal.Decimal{}
		p.accounts[userID] = acc
	}
	return acc
}

func (p *Paper) GetBalances(_ context.Context, userID string) ([]model.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc := p.account(userID)
	currencies := make([]string, 0, len(acc))
	for currency := range acc {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)

	balances := make([]model.Balance, 0, len(currencies))
	for _, currency := range currencies {
		qty, _ := acc[currency].Float64()
		b := model.Balance{Currency: currency, Quantity: qty, UnitCurrency: p.quote}
		if currency == p.quote {
			b.Price = 1
		} else if price, ok := p.prices[currency+"/"+p.quote]; ok {
			b.Price, _ = price.Float64()
		}
		balances = append(balances, b)
	}
	return balances, nil
}

func (p *Paper) GetOrderableSymbols(_ context.Context, _ string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	symbols := make([]string, 0, len(p.prices))
	for symbol := range p.prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (p *Paper) GetTradableMarketValue(_ context.Context, userID, symbol string) (float64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[symbol]
	if !ok {
		return 0, false, nil
	}
	value, _ := p.account(userID)[baseOf(symbol)].Mul(price).Float64()
	return value, true, nil
}

// PlaceOrder fills a market order. Replaying a ClientOrderID returns the
// original fill.
func (p *Paper) PlaceOrder(_ context.Context, req model.OrderRequest) (*model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientOrderID != "" {
		if existing, ok := p.orders[req.ClientOrderID]; ok {
			order := *existing
			return &order, nil
		}
	}

	price, ok := p.prices[req.Symbol]
	if !ok || !price.IsPositive() {
		return nil, execerror.NonRetryable(fmt.Sprintf("market %s is not tradable", req.Symbol), nil)
	}

	acc := p.account(req.UserID)
	base := baseOf(req.Symbol)
	keep := decimal.NewFromInt(1).Sub(p.feeRate)
	order := model.Order{
		ID:            uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         price,
		State:         "done",
		CreatedAt:     time.Now().UTC(),
	}

	switch req.Side {
	case model.OrderSideBuy:
		if !req.Amount.IsPositive() {
			return nil, execerror.NonRetryable("buy amount must be positive", nil)
		}
		if acc[p.quote].LessThan(req.Amount) {
			return nil, execerror.NonRetryable(fmt.Sprintf("insufficient %s balance", p.quote), nil)
		}
		volume := req.Amount.Mul(keep).Div(price)
		acc[p.quote] = acc[p.quote].Sub(req.Amount)
		acc[base] = acc[base].Add(volume)
		order.Amount = req.Amount
		order.Volume = volume
	case model.OrderSideSell:
		if !req.Volume.IsPositive() {
			return nil, execerror.NonRetryable("sell volume must be positive", nil)
		}
		if acc[base].LessThan(req.Volume) {
			return nil, execerror.NonRetryable(fmt.Sprintf("insufficient %s balance", base), nil)
		}
		proceeds := req.Volume.Mul(price).Mul(keep)
		acc[base] = acc[base].Sub(req.Volume)
		acc[p.quote] = acc[p.quote].Add(proceeds)
		order.Volume = req.Volume
		order.Amount = proceeds
	default:
		return nil, execerror.NonRetryable(fmt.Sprintf("unknown order side %q", req.Side), nil)
	}

	p.history = append(p.history, order)
	if req.ClientOrderID != "" {
		stored := order
		p.orders[req.ClientOrderID] = &stored
	}
	return &order, nil
}

// Orders returns the filled orders in placement order.
func (p *Paper) Orders() []model.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Order(nil), p.history...)
}

func baseOf(symbol string) string {
	base, _, _ := strings.Cut(symbol, "/")
	return base
}
