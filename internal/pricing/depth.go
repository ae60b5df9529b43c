package pricing

import (
	"github.com/shopspring/decimal"

	"dexadapter/internal/model"
	"dexadapter/pkg/exception"
)

// BookConfig shapes a synthetic book.
type BookConfig struct {
	Levels       int
	StepFraction decimal.Decimal
}

func DefaultBookConfig() BookConfig {
	return BookConfig{Levels: 10, StepFraction: decimal.New(1, -3)}
}

// SyntheticLevels turns a curve into book levels. Level i holds step base;
// its price is the average execution price for the cumulative size step*i.
// Bids are descending and asks ascending.
func SyntheticLevels(reserveBase, reserveQuote, fee decimal.Decimal, cfg BookConfig) ([]model.Level, []model.Level, error) {
	if _, err := MidPrice(reserveBase, reserveQuote); err != nil {
		return nil, nil, err
	}
	if cfg.Levels <= 0 {
		cfg.Levels = DefaultBookConfig().Levels
	}
	if !cfg.StepFraction.IsPositive() {
		cfg.StepFraction = DefaultBookConfig().StepFraction
	}
	step := reserveBase.Mul(cfg.StepFraction)
	if !step.IsPositive() {
		return nil, nil, nil
	}

	bids := make([]model.Level, 0, cfg.Levels)
	asks := make([]model.Level, 0, cfg.Levels)
	for i := 1; i <= cfg.Levels; i++ {
		cumulative := step.Mul(decimal.NewFromInt(int64(i)))
		if cumulative.GreaterThanOrEqual(reserveBase) {
			break
		}
		cost, err := BuyCost(reserveBase, reserveQuote, cumulative, fee)
		if err != nil {
			break
		}
		proceeds, err := SellProceeds(reserveBase, reserveQuote, cumulative, fee)
		if err != nil {
			break
		}
		asks = append(asks, model.Level{Price: cost.Div(cumulative), Size: step})
		bids = append(bids, model.Level{Price: proceeds.Div(cumulative), Size: step})
	}
	return bids, asks, nil
}

// WalkBook fills size against levels best first and returns the average
// price and filled size. Levels must already be sorted best first.
func WalkBook(levels []model.Level, size decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if !size.IsPositive() {
		return decimal.Zero, decimal.Zero, exception.ErrInvalidArgument
	}
	remaining := size
	notional := decimal.Zero
	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lvl.Size)
		notional = notional.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
	}
	filled := size.Sub(remaining)
	if !filled.IsPositive() {
		return decimal.Zero, decimal.Zero, exception.ErrOrderNoLiquidity
	}
	return notional.Div(filled), filled, nil
}

// BookMid is the midpoint of the best bid and ask.
func BookMid(bids, asks []model.Level) (decimal.Decimal, bool) {
	switch {
	case len(bids) > 0 && len(asks) > 0:
		return bids[0].Price.Add(asks[0].Price).Div(decimal.NewFromInt(2)), true
	case len(bids) > 0:
		return bids[0].Price, true
	case len(asks) > 0:
		return asks[0].Price, true
	default:
		return decimal.Zero, false
	}
}
