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

package rebalance

import (
	"math"
	"sort"
	"strings"

	"github.com/blnkfinance/rebalancer/model"
)

const weightEpsilon = 1e-9

// NeutralPolicy applies no regime adjustment.
func NeutralPolicy() Policy {
	return Policy{ExposureMultiplier: 1, RebalanceBandMultiplier: 1, TurnoverCap: 1}
}

type candidate struct {
	rec     model.Recommendation
	target  float64
	current float64
}

type planner struct {
	in       Input
	params   Params
	policy   Policy
	plan     *Plan
	usage    map[string]float64
	holdings map[string]model.Holding
}

// BuildPlan turns recommendations into bounded trade deltas. It performs no I/O.
// The order in which distinct symbols are listed does not change the plan.
func BuildPlan(in Input, params Params) *Plan {
	if in.Snapshot == nil {
		in.Snapshot = model.NewPortfolioSnapshot("", "", nil, nil, nil)
	}
	p := &planner{
		in:       in,
		params:   params,
		policy:   in.Policy.normalized(),
		plan:     &Plan{Deltas: []TradeDelta{}, Skipped: []Skip{}},
		usage:    map[string]float64{},
		holdings: map[string]model.Holding{},
	}

	included, excessHeld, trims := p.selectCandidates()
	for _, c := range included {
		p.size(c)
	}
	for _, c := range trims {
		p.size(c)
	}
	for _, c := range excessHeld {
		p.liquidate(c.rec.Symbol, c.rec.Category, KindSlotLiquidate, &c.rec)
	}
	p.liquidateMissing()
	p.applyTurnoverCap()

	sort.SliceStable(p.plan.Deltas, func(i, j int) bool {
		if p.plan.Deltas[i].Diff != p.plan.Deltas[j].Diff {
			return p.plan.Deltas[i].Diff < p.plan.Deltas[j].Diff
		}
		return p.plan.Deltas[i].Symbol < p.plan.Deltas[j].Symbol
	})
	sort.SliceStable(p.plan.Skipped, func(i, j int) bool {
		return p.plan.Skipped[i].Symbol < p.plan.Skipped[j].Symbol
	})

	p.plan.CategoryUsage = p.usage
	p.plan.Holdings = make([]model.Holding, 0, len(p.holdings))
	for _, h := range p.holdings {
		p.plan.Holdings = append(p.plan.Holdings, h)
	}
	sort.Slice(p.plan.Holdings, func(i, j int) bool { return p.plan.Holdings[i].Symbol < p.plan.Holdings[j].Symbol })
	return p.plan
}

// BaseWeight is the pre-regime target of a recommendation: the model weight
// when usable, otherwise the scaled signal intensity.
func BaseWeight(rec model.Recommendation, params Params) float64 {
	if finiteInRange(rec.ModelTargetWeight) {
		return *rec.ModelTargetWeight
	}
	return clamp01(params.SignalWeightScale * intensity(rec))
}

// intensity is the signed model conviction in [-1, 1].
func intensity(rec model.Recommendation) float64 {
	if rec.Intensity != nil && finite(*rec.Intensity) {
		return math.Max(-1, math.Min(1, *rec.Intensity))
	}
	if rec.BuyScore == nil && rec.SellScore == nil {
		return 0
	}
	blend := valueOr(rec.BuyScore, 0) - valueOr(rec.SellScore, 0)
	return math.Max(-1, math.Min(1, blend))
}

// Band is the no-trade zone around target.
func Band(target float64, params Params, policy Policy) float64 {
	return math.Max(params.MinBand, target*params.BandRatio) * policy.normalized().RebalanceBandMultiplier
}

func (p *planner) skip(symbol string, reason SkipReason) {
	p.plan.Skipped = append(p.plan.Skipped, Skip{Symbol: symbol, Reason: reason})
}

func (p *planner) keep(symbol, category string) {
	p.holdings[symbol] = model.Holding{UserID: p.in.Snapshot.UserID, Symbol: symbol, Category: category}
}

func (p *planner) categoryCap(category string) float64 {
	if limit, ok := p.policy.CategoryExposureCaps[category]; ok && finite(limit) {
		return clamp01(limit)
	}
	return clamp01(p.params.DefaultCategoryCap)
}

// headroom below weightEpsilon is float residue and counts as none.
func (p *planner) headroom(category string) float64 {
	h := p.categoryCap(category) - p.usage[category]
	if h < weightEpsilon {
		return 0
	}
	return h
}

// selectCandidates dedupes and filters recommendations, orders them and
// splits them into the top-K slots and the held overflow. Held trim-only
// positions without a target are returned separately; they take no slot.
func (p *planner) selectCandidates() (included, excessHeld, trims []candidate) {
	snapshot := p.in.Snapshot
	seen := map[string]bool{}
	var candidates []candidate

	recs := append([]model.Recommendation(nil), p.in.Recommendations...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Symbol < recs[j].Symbol })

	for _, rec := range recs {
		rec.Symbol = strings.ToUpper(strings.TrimSpace(rec.Symbol))
		if rec.Symbol == "" {
			continue
		}
		if seen[rec.Symbol] {
			p.skip(rec.Symbol, SkipDuplicate)
			continue
		}
		seen[rec.Symbol] = true

		held := snapshot.IsHeld(rec.Symbol)
		if !snapshot.IsOrderable(rec.Symbol) {
			if held {
				p.keep(rec.Symbol, rec.Category)
			}
			p.skip(rec.Symbol, SkipNotOrderable)
			continue
		}
		if p.in.Mode == model.AllocationExisting && !held {
			p.skip(rec.Symbol, SkipNotHeld)
			continue
		}

		target := clamp01(BaseWeight(rec, p.params) * p.policy.ExposureMultiplier)
		c := candidate{rec: rec, target: target, current: snapshot.Weight(rec.Symbol)}
		if target <= 0 {
			switch {
			case held && !rec.IsTrimOnly():
				r := rec
				p.liquidate(r.Symbol, r.Category, KindRebalance, &r)
			case held:
				trims = append(trims, c)
			default:
				p.skip(rec.Symbol, SkipNoTarget)
			}
			continue
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.target != b.target {
			return a.target > b.target
		}
		if a.rec.Confidence != b.rec.Confidence {
			return a.rec.Confidence > b.rec.Confidence
		}
		return a.rec.Symbol < b.rec.Symbol
	})

	slots := p.params.SlotCount
	if slots <= 0 {
		slots = len(candidates)
	}
	for i, c := range candidates {
		if i < slots {
			included = append(included, c)
			continue
		}
		if c.current > 0 {
			excessHeld = append(excessHeld, c)
		} else {
			p.skip(c.rec.Symbol, SkipSlotLimit)
		}
	}
	return included, excessHeld, trims
}

// size runs one candidate through the cap, band, cost and minimum-order
// gates. Headroom is committed only when the candidate is traded or kept
// inside its band. A held trim-only position capped to zero is trimmed
// towards zero through the same gates.
func (p *planner) size(c candidate) {
	rec := c.rec
	category := rec.Category
	target := math.Max(0, math.Min(c.target, p.headroom(category)))

	if target <= 0 {
		if c.current <= 0 {
			p.skip(rec.Symbol, SkipCategoryLimit)
			return
		}
		if !rec.IsTrimOnly() {
			p.liquidate(rec.Symbol, category, KindRebalance, &rec)
			return
		}
	}

	delta := target - c.current
	kind := KindRebalance
	if rec.IsTrimOnly() {
		if delta >= 0 {
			if c.current > 0 {
				p.keep(rec.Symbol, category)
				p.usage[category] += math.Min(target, c.current)
			}
			p.skip(rec.Symbol, SkipTrimOnly)
			return
		}
		kind = KindTrim
	}

	if math.Abs(delta) <= Band(target, p.params, p.policy) {
		if c.current > 0 {
			p.keep(rec.Symbol, category)
		}
		p.usage[category] += target
		p.skip(rec.Symbol, SkipBand)
		return
	}

	edge := valueOr(rec.ExpectedEdgeRate, p.params.DefaultExpectedEdgeRate)
	cost := valueOr(rec.EstimatedCostRate, p.params.DefaultEstimatedCostRate)
	if edge <= cost*p.params.CostGuardMultiplier {
		if c.current > 0 {
			p.keep(rec.Symbol, category)
		}
		p.skip(rec.Symbol, SkipCost)
		return
	}

	diff := delta
	if delta < 0 {
		diff = math.Max(-1, delta/c.current)
	}
	if !p.meetsMinOrder(rec.Symbol, diff) {
		if c.current > 0 {
			p.keep(rec.Symbol, category)
		}
		p.skip(rec.Symbol, SkipMinOrder)
		return
	}

	p.usage[category] += target
	if diff <= -1 {
		delete(p.holdings, rec.Symbol)
	} else {
		p.keep(rec.Symbol, category)
	}
	p.plan.Deltas = append(p.plan.Deltas, TradeDelta{
		Symbol:        rec.Symbol,
		Category:      category,
		Kind:          kind,
		Diff:          diff,
		TargetWeight:  target,
		CurrentWeight: c.current,
		Inference:     &rec,
	})
}

// meetsMinOrder checks the order value of diff. Sells with an unknown
// tradable value are allowed.
func (p *planner) meetsMinOrder(symbol string, diff float64) bool {
	if diff < 0 {
		tradable, ok := p.in.Snapshot.TradableValue(symbol)
		if !ok {
			return true
		}
		return tradable*math.Abs(diff) >= p.params.MinOrderValue
	}
	return p.in.Snapshot.TotalMarketValue*diff >= p.params.MinOrderValue
}

func (p *planner) liquidate(symbol, category string, kind DeltaKind, rec *model.Recommendation) {
	if !p.in.Snapshot.IsOrderable(symbol) {
		p.keep(symbol, category)
		p.skip(symbol, SkipNotOrderable)
		return
	}
	if !p.meetsMinOrder(symbol, -1) {
		p.keep(symbol, category)
		p.skip(symbol, SkipMinOrder)
		return
	}
	delete(p.holdings, symbol)
	p.plan.Deltas = append(p.plan.Deltas, TradeDelta{
		Symbol:        symbol,
		Category:      category,
		Kind:          kind,
		Diff:          -1,
		CurrentWeight: p.in.Snapshot.Weight(symbol),
		Inference:     rec,
	})
}

// liquidateMissing sells managed holdings that dropped out of the
// recommendations for at least the grace window.
func (p *planner) liquidateMissing() {
	recommended := map[string]bool{}
	for _, rec := range p.in.Recommendations {
		recommended[strings.ToUpper(strings.TrimSpace(rec.Symbol))] = true
	}

	managed := append([]model.Holding(nil), p.in.Managed...)
	sort.Slice(managed, func(i, j int) bool { return managed[i].Symbol < managed[j].Symbol })

	seen := map[string]bool{}
	for _, h := range managed {
		if recommended[h.Symbol] || seen[h.Symbol] || !p.in.Snapshot.IsHeld(h.Symbol) {
			continue
		}
		seen[h.Symbol] = true
		if p.in.MissingCounts[h.Symbol] < p.params.MissingGraceCycles {
			p.keep(h.Symbol, h.Category)
			p.skip(h.Symbol, SkipGraceWindow)
			continue
		}
		p.liquidate(h.Symbol, h.Category, KindMissingLiquidate, nil)
	}
}

// applyTurnoverCap bounds the sum of buy diffs, walking buys from the
// smallest up and truncating the one that crosses the cap.
func (p *planner) applyTurnoverCap() {
	var buys, rest []TradeDelta
	for _, d := range p.plan.Deltas {
		if d.Diff > 0 {
			buys = append(buys, d)
		} else {
			rest = append(rest, d)
		}
	}
	sort.SliceStable(buys, func(i, j int) bool {
		if buys[i].Diff != buys[j].Diff {
			return buys[i].Diff < buys[j].Diff
		}
		return buys[i].Symbol < buys[j].Symbol
	})

	remaining := p.policy.TurnoverCap
	for _, d := range buys {
		if remaining <= 0 {
			p.dropBuy(d)
			continue
		}
		if d.Diff > remaining {
			d.Diff = remaining
			if !p.meetsMinOrder(d.Symbol, d.Diff) {
				p.dropBuy(d)
				remaining = 0
				continue
			}
		}
		remaining -= d.Diff
		rest = append(rest, d)
	}
	p.plan.Deltas = rest
}

func (p *planner) dropBuy(d TradeDelta) {
	p.usage[d.Category] -= d.TargetWeight
	if d.CurrentWeight <= 0 {
		delete(p.holdings, d.Symbol)
	}
	p.skip(d.Symbol, SkipTurnover)
}
