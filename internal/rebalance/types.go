package rebalance

import (
	"math"

	"github.com/blnkfinance/rebalancer/model"
)

// Policy is the market-regime input of one cycle.
type Policy struct {
	ExposureMultiplier      float64            `json:"exposureMultiplier"`
	RebalanceBandMultiplier float64            `json:"rebalanceBandMultiplier"`
	TurnoverCap             float64            `json:"turnoverCap"`
	CategoryExposureCaps    map[string]float64 `json:"categoryExposureCaps"`
}

// normalized replaces unusable multipliers with neutral values.
func (p Policy) normalized() Policy {
	if !finite(p.ExposureMultiplier) || p.ExposureMultiplier < 0 {
		p.ExposureMultiplier = 1
	}
	if !finite(p.RebalanceBandMultiplier) || p.RebalanceBandMultiplier <= 0 {
		p.RebalanceBandMultiplier = 1
	}
	if !finite(p.TurnoverCap) || p.TurnoverCap <= 0 {
		p.TurnoverCap = 1
	}
	return p
}

// Params are the static sizing settings.
type Params struct {
	MinBand                  float64
	BandRatio                float64
	CostGuardMultiplier      float64
	DefaultExpectedEdgeRate  float64
	DefaultEstimatedCostRate float64
	MinOrderValue            float64
	SlotCount                int
	MissingGraceCycles       int
	SignalWeightScale        float64
	DefaultCategoryCap       float64
}

func DefaultParams() Params {
	return Params{
		MinBand:                  0.01,
		BandRatio:                0.1,
		CostGuardMultiplier:      2,
		DefaultExpectedEdgeRate:  0.01,
		DefaultEstimatedCostRate: 0.002,
		MinOrderValue:            5000,
		SlotCount:                10,
		MissingGraceCycles:       2,
		SignalWeightScale:        0.2,
		DefaultCategoryCap:       1,
	}
}

// Input is everything the engine reads for one user and one cycle.
type Input struct {
	Snapshot        *model.PortfolioSnapshot
	Recommendations []model.Recommendation
	Policy          Policy
	Mode            model.AllocationMode
	// Managed are the holdings the rebalancer owns. Only these are
	// liquidated when they drop out of the recommendations.
	Managed []model.Holding
	// MissingCounts are the consecutive-missing counters after this cycle.
	MissingCounts map[string]int
}

type DeltaKind string

const (
	KindRebalance        DeltaKind = "rebalance"
	KindTrim             DeltaKind = "trim"
	KindMissingLiquidate DeltaKind = "missing_liquidation"
	KindSlotLiquidate    DeltaKind = "slot_liquidation"
)

// TradeDelta is one order intent. For sells Diff is the fraction of the
// position to sell (-1 sells everything); for buys it is the fraction of
// the total portfolio value to spend.
type TradeDelta struct {
	Symbol        string                `json:"symbol"`
	Category      string                `json:"category"`
	Kind          DeltaKind             `json:"kind"`
	Diff          float64               `json:"diff"`
	TargetWeight  float64               `json:"targetWeight"`
	CurrentWeight float64               `json:"currentWeight"`
	Inference     *model.Recommendation `json:"inference,omitempty"`
}

func (d TradeDelta) IsSell() bool {
	return d.Diff < 0
}

func (d TradeDelta) IsFullLiquidation() bool {
	return d.Diff <= -1
}

type SkipReason string

const (
	SkipDuplicate     SkipReason = "duplicate_recommendation"
	SkipNotHeld       SkipReason = "not_held"
	SkipNotOrderable  SkipReason = "not_orderable"
	SkipNoTarget      SkipReason = "no_target"
	SkipSlotLimit     SkipReason = "slot_limit"
	SkipBand          SkipReason = "within_band"
	SkipCost          SkipReason = "cost_guard"
	SkipMinOrder      SkipReason = "min_order"
	SkipTrimOnly      SkipReason = "trim_only"
	SkipGraceWindow   SkipReason = "grace_window"
	SkipTurnover      SkipReason = "turnover_cap"
	SkipCategoryLimit SkipReason = "category_cap"
)

type Skip struct {
	Symbol string     `json:"symbol"`
	Reason SkipReason `json:"reason"`
}

// Plan is the engine output.
type Plan struct {
	// Deltas are sorted ascending by Diff.
	Deltas  []TradeDelta `json:"deltas"`
	Skipped []Skip       `json:"skipped"`
	// CategoryUsage is the committed target weight per category.
	CategoryUsage map[string]float64 `json:"categoryUsage"`
	// Holdings are the managed holdings after the plan is executed.
	Holdings []model.Holding `json:"holdings"`
}

func (p *Plan) Sells() []TradeDelta {
	var out []TradeDelta
	for _, d := range p.Deltas {
		if d.IsSell() {
			out = append(out, d)
		}
	}
	return out
}

func (p *Plan) Buys() []TradeDelta {
	var out []TradeDelta
	for _, d := range p.Deltas {
		if !d.IsSell() {
			out = append(out, d)
		}
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	if !finite(v) || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 1
	}
	return v
}

func finiteInRange(v *float64) bool {
	return v != nil && finite(*v) && *v >= 0 && *v <= 1
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil || !finite(*v) {
		return fallback
	}
	return *v
}
