// Package pricing holds the pure price functions for each pool kind.
// Constant product pools and the active tick of a concentrated liquidity
// pool share the x*y=k curve; order book pools are priced by walking levels.
package pricing

import (
	"github.com/shopspring/decimal"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model/enum"
	"dexadapter/pkg/exception"
)

var (
	one          = decimal.NewFromInt(1)
	bpsDivisor   = decimal.NewFromInt(10_000)
	errNoReserve = errs.WithKind(errs.KindMalformedResponse, errs.Wrap(exception.ErrOrderNoLiquidity, "reserves must be positive"))
)

// MidPrice is reserveQuote / reserveBase.
func MidPrice(reserveBase, reserveQuote decimal.Decimal) (decimal.Decimal, error) {
	if !reserveBase.IsPositive() || !reserveQuote.IsPositive() {
		return decimal.Zero, errNoReserve
	}
	return reserveQuote.Div(reserveBase), nil
}

// AmountOut is what a swap of amountIn returns with the fee taken from the
// input: out = rOut * in(1-f) / (rIn + in(1-f)).
func AmountOut(amountIn, reserveIn, reserveOut, fee decimal.Decimal) (decimal.Decimal, error) {
	if !reserveIn.IsPositive() || !reserveOut.IsPositive() {
		return decimal.Zero, errNoReserve
	}
	if !amountIn.IsPositive() {
		return decimal.Zero, nil
	}
	in := amountIn.Mul(one.Sub(fee))
	return reserveOut.Mul(in).Div(reserveIn.Add(in)), nil
}

// AmountIn is the input needed to take amountOut out of the pool:
// in = rIn * out / ((rOut - out)(1-f)). Taking the whole reserve is impossible.
func AmountIn(amountOut, reserveIn, reserveOut, fee decimal.Decimal) (decimal.Decimal, error) {
	if !reserveIn.IsPositive() || !reserveOut.IsPositive() {
		return decimal.Zero, errNoReserve
	}
	if !amountOut.IsPositive() {
		return decimal.Zero, nil
	}
	if amountOut.GreaterThanOrEqual(reserveOut) {
		return decimal.Zero, exception.ErrOrderNoLiquidity
	}
	return reserveIn.Mul(amountOut).Div(reserveOut.Sub(amountOut).Mul(one.Sub(fee))), nil
}

// BuyCost is the quote paid to receive size base.
func BuyCost(reserveBase, reserveQuote, size, fee decimal.Decimal) (decimal.Decimal, error) {
	return AmountIn(size, reserveQuote, reserveBase, fee)
}

// SellProceeds is the quote received for size base.
func SellProceeds(reserveBase, reserveQuote, size, fee decimal.Decimal) (decimal.Decimal, error) {
	return AmountOut(size, reserveBase, reserveQuote, fee)
}

// ExecutionPrice is the average quote per base for trading size against the
// curve. It is always worse than the mid and worsens with size.
func ExecutionPrice(reserveBase, reserveQuote, size, fee decimal.Decimal, side enum.OrderSide) (decimal.Decimal, error) {
	if !size.IsPositive() {
		return decimal.Zero, errs.Wrap(exception.ErrInvalidArgument, "size must be positive")
	}
	var (
		quote decimal.Decimal
		err   error
	)
	switch side {
	case enum.OrderSideBuy:
		quote, err = BuyCost(reserveBase, reserveQuote, size, fee)
	case enum.OrderSideSell:
		quote, err = SellProceeds(reserveBase, reserveQuote, size, fee)
	default:
		return decimal.Zero, errs.Wrap(exception.ErrInvalidArgument, "unknown side")
	}
	if err != nil {
		return decimal.Zero, err
	}
	return quote.Div(size), nil
}

// ImpactBps is |exec - mid| / mid in basis points.
func ImpactBps(mid, exec decimal.Decimal) decimal.Decimal {
	if !mid.IsPositive() {
		return decimal.Zero
	}
	return exec.Sub(mid).Abs().Div(mid).Mul(bpsDivisor)
}

// ApplySlippage lowers amount by bps basis points.
func ApplySlippage(amount decimal.Decimal, bps int64) decimal.Decimal {
	return amount.Mul(bpsDivisor.Sub(decimal.NewFromInt(bps))).Div(bpsDivisor)
}
