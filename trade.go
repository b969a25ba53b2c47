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

package rebalancer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blnkfinance/rebalancer/internal/execerror"
	redlock "github.com/blnkfinance/rebalancer/internal/lock"
	"github.com/blnkfinance/rebalancer/internal/metrics"
	"github.com/blnkfinance/rebalancer/internal/rebalance"
	"github.com/blnkfinance/rebalancer/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tradeTracer = otel.Tracer("rebalancer.trade")

const (
	volumePrecision      = 8
	defaultNotifyTimeout = 10 * time.Second
)

// OrderRejection is an order the exchange refused permanently. Rejections
// do not fail the cycle.
type OrderRejection struct {
	Symbol string          `json:"symbol"`
	Side   model.OrderSide `json:"side"`
	Reason string          `json:"reason"`
}

// TradeReport is what one execution did for one user.
type TradeReport struct {
	UserID   string           `json:"user_id"`
	Plan     *rebalance.Plan  `json:"plan"`
	Orders   []model.Order    `json:"orders"`
	Rejected []OrderRejection `json:"rejected"`
}

// Summary renders the report for the user notification.
func (r *TradeReport) Summary() string {
	var b strings.Builder
	for _, o := range r.Orders {
		fmt.Fprintf(&b, "%s %s volume=%s amount=%s\n", strings.ToUpper(string(o.Side)), o.Symbol, o.Volume.String(), o.Amount.String())
	}
	for _, rej := range r.Rejected {
		fmt.Fprintf(&b, "REJECTED %s %s: %s\n", strings.ToUpper(string(rej.Side)), rej.Symbol, rej.Reason)
	}
	return strings.TrimSpace(b.String())
}

type TradeExecutorConfig struct {
	QuoteCurrency string
	// AmountPrecision is the number of decimals of quote amounts.
	AmountPrecision int32
	Params          rebalance.Params
	NotifyTimeout   time.Duration
}

// TradeExecutor turns one rebalance message into exchange orders.
type TradeExecutor struct {
	exchange ExchangeClient
	regime   RegimeProvider
	holdings HoldingsLedger
	missing  MissingInferenceCounter
	notifier Notifier
	cfg      TradeExecutorConfig
	pending  sync.WaitGroup
}

func NewTradeExecutor(exchange ExchangeClient, regime RegimeProvider, holdings HoldingsLedger, missing MissingInferenceCounter, notifier Notifier, cfg TradeExecutorConfig) *TradeExecutor {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	return &TradeExecutor{
		exchange: exchange,
		regime:   regime,
		holdings: holdings,
		missing:  missing,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Execute fetches the portfolio, sizes the trades and places them, sells
// first. A lost lock stops it before the next side effect.
func (e *TradeExecutor) Execute(ctx context.Context, msg *model.RebalanceMessage, guard *redlock.Guard) (*TradeReport, error) {
	ctx, span := tradeTracer.Start(ctx, "Executing rebalance", trace.WithAttributes(
		attribute.String("user.id", msg.UserID),
		attribute.String("module", string(msg.Module)),
	))
	defer span.End()

	logger := logrus.WithFields(logrus.Fields{
		"module":      msg.Module,
		"message_key": msg.MessageKey,
		"user_id":     msg.UserID,
	})

	managed, err := e.holdings.GetHoldings(ctx, msg.UserID)
	if err != nil {
		return nil, execerror.Retryable("failed to fetch holdings", err)
	}
	if err := guard.AssertHeld(); err != nil {
		return nil, err
	}

	balances, err := e.exchange.GetBalances(ctx, msg.UserID)
	if err != nil {
		return nil, exchangeError("failed to fetch balances", err)
	}
	if err := guard.AssertHeld(); err != nil {
		return nil, err
	}

	orderable, err := e.exchange.GetOrderableSymbols(ctx, msg.UserID)
	if err != nil {
		return nil, exchangeError("failed to fetch orderable symbols", err)
	}
	if err := guard.AssertHeld(); err != nil {
		return nil, err
	}

	policy, err := e.regime.GetRegimePolicy(ctx)
	if err != nil {
		return nil, execerror.Retryable("failed to fetch regime policy", err)
	}
	if err := guard.AssertHeld(); err != nil {
		return nil, err
	}

	// risk messages carry a partial symbol set and never count a symbol missing
	var counts map[string]int
	if msg.Module == model.ModuleAllocation {
		counts, err = e.missing.RecordMissingInferences(ctx, msg.UserID, msg.RunID, missingSymbols(managed, msg.Inferences))
		if err != nil {
			return nil, execerror.Retryable("failed to record missing inferences", err)
		}
		if err := guard.AssertHeld(); err != nil {
			return nil, err
		}
	}

	// only held positions can be sold, so only they need a tradable value
	held := model.NewPortfolioSnapshot(msg.UserID, e.cfg.QuoteCurrency, balances, nil, nil).HeldSymbols()
	tradable := map[string]float64{}
	for _, symbol := range held {
		value, known, err := e.exchange.GetTradableMarketValue(ctx, msg.UserID, symbol)
		if err != nil {
			logger.WithError(err).WithField("symbol", symbol).Warn("tradable market value unavailable")
		} else if known {
			tradable[symbol] = value
		}
		if err := guard.AssertHeld(); err != nil {
			return nil, err
		}
	}

	snapshot := model.NewPortfolioSnapshot(msg.UserID, e.cfg.QuoteCurrency, balances, orderable, tradable)
	plan := rebalance.BuildPlan(rebalance.Input{
		Snapshot:        snapshot,
		Recommendations: msg.Inferences,
		Policy:          policy,
		Mode:            msg.Mode(),
		Managed:         managed,
		MissingCounts:   counts,
	}, e.cfg.Params)

	logger.WithFields(logrus.Fields{
		"deltas":  len(plan.Deltas),
		"skipped": len(plan.Skipped),
	}).Info("rebalance planned")

	report := &TradeReport{UserID: msg.UserID, Plan: plan, Orders: []model.Order{}, Rejected: []OrderRejection{}}
	keep := map[string]model.Holding{}
	for _, h := range plan.Holdings {
		keep[h.Symbol] = h
	}

	// sells free the cash the buys spend
	for _, d := range append(plan.Sells(), plan.Buys()...) {
		req, ok := e.orderFor(msg, snapshot, d)
		if !ok {
			continue
		}
		order, err := e.exchange.PlaceOrder(ctx, req)
		if err != nil {
			if execerror.Classify(err) != execerror.KindNonRetryable {
				metrics.Orders.WithLabelValues(string(req.Side), "error").Inc()
				return nil, exchangeError(fmt.Sprintf("failed to place %s order for %s", req.Side, req.Symbol), err)
			}
			metrics.Orders.WithLabelValues(string(req.Side), "rejected").Inc()
			logger.WithError(err).WithField("symbol", d.Symbol).Warn("order rejected")
			report.Rejected = append(report.Rejected, OrderRejection{Symbol: d.Symbol, Side: req.Side, Reason: err.Error()})
			if d.IsFullLiquidation() {
				keep[d.Symbol] = model.Holding{UserID: msg.UserID, Symbol: d.Symbol, Category: d.Category}
			}
		} else {
			metrics.Orders.WithLabelValues(string(req.Side), "placed").Inc()
			report.Orders = append(report.Orders, *order)
		}
		if err := guard.AssertHeld(); err != nil {
			return nil, err
		}
	}

	holdings := make([]model.Holding, 0, len(keep))
	for _, h := range keep {
		h.UserID = msg.UserID
		holdings = append(holdings, h)
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
	if err := e.holdings.ReplaceHoldings(ctx, msg.UserID, holdings); err != nil {
		return nil, execerror.Retryable("failed to replace holdings", err)
	}
	if err := guard.AssertHeld(); err != nil {
		return nil, err
	}

	if len(report.Orders) > 0 || len(report.Rejected) > 0 {
		e.notify(ctx, msg.UserID, report.Summary())
	}
	return report, nil
}

// orderFor sizes a delta into a market order. It returns false when the
// rounded size is zero.
func (e *TradeExecutor) orderFor(msg *model.RebalanceMessage, snapshot *model.PortfolioSnapshot, d rebalance.TradeDelta) (model.OrderRequest, bool) {
	req := model.OrderRequest{UserID: msg.UserID, Symbol: d.Symbol}
	if d.IsSell() {
		req.Side = model.OrderSideSell
		fraction := math.Min(1, math.Abs(d.Diff))
		qty := decimal.NewFromFloat(snapshot.Quantities[d.Symbol])
		if fraction < 1 {
			qty = qty.Mul(decimal.NewFromFloat(fraction))
		}
		req.Volume = qty.Truncate(volumePrecision)
		if !req.Volume.IsPositive() {
			return req, false
		}
	} else {
		req.Side = model.OrderSideBuy
		amount := decimal.NewFromFloat(snapshot.TotalMarketValue).Mul(decimal.NewFromFloat(d.Diff))
		req.Amount = amount.Truncate(e.cfg.AmountPrecision)
		if !req.Amount.IsPositive() {
			return req, false
		}
	}
	req.ClientOrderID = clientOrderID(msg, d.Symbol, req.Side)
	return req, true
}

// clientOrderID is stable per message, symbol and side so a redelivered
// attempt replays instead of doubling a fill.
func clientOrderID(msg *model.RebalanceMessage, symbol string, side model.OrderSide) string {
	raw := fmt.Sprintf("%s|%s|%s|%s", msg.Module, msg.MessageKey, symbol, side)
	return "ord_" + model.HashPayload([]byte(raw))[:32]
}

func (e *TradeExecutor) notify(ctx context.Context, userID, message string) {
	if e.notifier == nil {
		return
	}
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.NotifyTimeout)
		defer cancel()
		if err := e.notifier.Notify(notifyCtx, userID, message); err != nil {
			logrus.WithError(err).WithField("user_id", userID).Warn("failed to notify user")
		}
	}()
}

// Wait blocks until pending notifications are delivered.
func (e *TradeExecutor) Wait() {
	e.pending.Wait()
}

// missingSymbols lists the managed symbols absent from the recommendations.
func missingSymbols(managed []model.Holding, recs []model.Recommendation) []string {
	recommended := map[string]bool{}
	for _, rec := range recs {
		recommended[strings.ToUpper(strings.TrimSpace(rec.Symbol))] = true
	}
	seen := map[string]bool{}
	missing := []string{}
	for _, h := range managed {
		if recommended[h.Symbol] || seen[h.Symbol] {
			continue
		}
		seen[h.Symbol] = true
		missing = append(missing, h.Symbol)
	}
	return missing
}

// exchangeError keeps the classification of exchange errors and treats
// anything unclassified as transient.
func exchangeError(message string, err error) error {
	if execerror.Classify(err) == execerror.KindNonRetryable {
		return err
	}
	return execerror.Retryable(message, err)
}
