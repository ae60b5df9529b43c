package pricing

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const floatPrec = 256

var q96 = new(big.Float).SetPrec(floatPrec).SetMantExp(big.NewFloat(1), 96)

// VirtualReserves maps the active tick of a concentrated liquidity pool onto
// an equivalent constant product pool: x = L/√P and y = L·√P with
// √P = sqrtPriceX96 / 2^96. Both are in raw token units (token0, token1).
func VirtualReserves(liquidity, sqrtPriceX96 *big.Int) (decimal.Decimal, decimal.Decimal, error) {
	if liquidity == nil || sqrtPriceX96 == nil || liquidity.Sign() <= 0 || sqrtPriceX96.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, errNoReserve
	}
	l := new(big.Float).SetPrec(floatPrec).SetInt(liquidity)
	sqrtP := new(big.Float).SetPrec(floatPrec).SetInt(sqrtPriceX96)
	sqrtP.Quo(sqrtP, q96)

	x := new(big.Float).SetPrec(floatPrec).Quo(l, sqrtP)
	y := new(big.Float).SetPrec(floatPrec).Mul(l, sqrtP)
	return fromFloat(x), fromFloat(y), nil
}

// SqrtPriceToPrice returns token1 per token0 in raw units.
func SqrtPriceToPrice(sqrtPriceX96 *big.Int) decimal.Decimal {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return decimal.Zero
	}
	sqrtP := new(big.Float).SetPrec(floatPrec).SetInt(sqrtPriceX96)
	sqrtP.Quo(sqrtP, q96)
	return fromFloat(sqrtP.Mul(sqrtP, sqrtP))
}

func fromFloat(f *big.Float) decimal.Decimal {
	d, err := decimal.NewFromString(f.Text('f', 24))
	if err != nil {
		return decimal.Zero
	}
	return d
}
