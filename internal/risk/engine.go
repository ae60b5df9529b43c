package risk

import (
	"github.com/shopspring/decimal"

	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/pricing"
	"dexadapter/pkg/exception"
)

// Config defines simple pre-trade limits. Zero values disable a check.
type Config struct {
	KillSwitch        bool            `yaml:"killSwitch" json:"killSwitch"`
	MaxOrderQty       decimal.Decimal `yaml:"maxOrderQty" json:"maxOrderQty"`
	MaxPriceImpactBps int64           `yaml:"maxPriceImpactBps" json:"maxPriceImpactBps"`
}

// Reason explains a denial.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonKillSwitch
	ReasonSize
	ReasonMaxQty
	ReasonNoLiquidity
	ReasonPriceImpact
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonKillSwitch:
		return "kill switch"
	case ReasonSize:
		return "size outside instrument limits"
	case ReasonMaxQty:
		return "size above max order quantity"
	case ReasonNoLiquidity:
		return "not enough liquidity"
	case ReasonPriceImpact:
		return "price impact above limit"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Evaluate. Mid and ExpectedPrice are set
// whenever the pool could be priced.
type Decision struct {
	Allow         bool
	Reason        Reason
	Mid           decimal.Decimal
	ExpectedPrice decimal.Decimal
	ImpactBps     decimal.Decimal
}

// Err maps a denial to its sentinel.
func (d Decision) Err() error {
	switch d.Reason {
	case ReasonNone:
		return nil
	case ReasonSize, ReasonMaxQty:
		return exception.ErrOrderSizeOutOfRange
	case ReasonNoLiquidity:
		return exception.ErrOrderNoLiquidity
	case ReasonPriceImpact:
		return exception.ErrOrderPriceImpact
	default:
		return exception.ErrOrderInvalidRequest
	}
}

// Engine evaluates risk decisions.
type Engine struct {
	cfg Config
}

// NewEngine creates a risk engine with static limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate checks an order of qty base against the latest pool state.
func (e *Engine) Evaluate(inst model.Instrument, state model.PoolState, side enum.OrderSide, qty decimal.Decimal) Decision {
	decision := Decision{Reason: ReasonNone}

	if e.cfg.KillSwitch {
		return deny(decision, ReasonKillSwitch)
	}
	if !inst.CheckSize(qty) {
		return deny(decision, ReasonSize)
	}
	if e.cfg.MaxOrderQty.IsPositive() && qty.GreaterThan(e.cfg.MaxOrderQty) {
		return deny(decision, ReasonMaxQty)
	}

	mid, exec, err := Expected(inst, state, side, qty)
	if err != nil {
		return deny(decision, ReasonNoLiquidity)
	}
	decision.Mid = mid
	decision.ExpectedPrice = exec
	decision.ImpactBps = pricing.ImpactBps(mid, exec)

	if exceedsImpact(decision.ImpactBps, e.cfg.MaxPriceImpactBps) {
		return deny(decision, ReasonPriceImpact)
	}

	decision.Allow = true
	return decision
}

// Expected returns the mid and average execution price for qty.
func Expected(inst model.Instrument, state model.PoolState, side enum.OrderSide, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if state.Kind == enum.PoolKindOrderBook {
		bids, asks := state.Bids(), state.Asks()
		mid, ok := pricing.BookMid(bids, asks)
		if !ok {
			return decimal.Zero, decimal.Zero, exception.ErrOrderNoLiquidity
		}
		levels := asks
		if side == enum.OrderSideSell {
			levels = bids
		}
		px, filled, err := pricing.WalkBook(levels, qty)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if filled.LessThan(qty) {
			return decimal.Zero, decimal.Zero, exception.ErrOrderNoLiquidity
		}
		return mid, px, nil
	}

	mid, err := pricing.MidPrice(state.ReserveBase, state.ReserveQuote)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	exec, err := pricing.ExecutionPrice(state.ReserveBase, state.ReserveQuote, qty, inst.FeeRate(), side)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return mid, exec, nil
}

func deny(d Decision, reason Reason) Decision {
	d.Allow = false
	d.Reason = reason
	return d
}

func exceedsImpact(impact decimal.Decimal, bps int64) bool {
	if bps <= 0 {
		return false
	}
	return impact.GreaterThan(decimal.NewFromInt(bps))
}
