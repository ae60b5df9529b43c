package pricing

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"dexadapter/internal/model/enum"
	"dexadapter/pkg/exception"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestMidAndExecutionPrice(t *testing.T) {
	rb, rq := d("100"), d("20000")

	mid, err := MidPrice(rb, rq)
	require.NoError(t, err)
	assert.True(t, mid.Equal(d("200")))

	buy, err := ExecutionPrice(rb, rq, d("10"), decimal.Zero, enum.OrderSideBuy)
	require.NoError(t, err)
	assert.True(t, buy.GreaterThan(mid))
	assert.Equal(t, "222.22", buy.StringFixed(2))

	sell, err := ExecutionPrice(rb, rq, d("10"), decimal.Zero, enum.OrderSideSell)
	require.NoError(t, err)
	assert.Equal(t, "181.82", sell.StringFixed(2))
}

func TestPriceErrors(t *testing.T) {
	_, err := MidPrice(decimal.Zero, d("1"))
	assert.Error(t, err)

	_, err = BuyCost(d("100"), d("20000"), d("100"), decimal.Zero)
	assert.ErrorIs(t, err, exception.ErrOrderNoLiquidity)

	_, err = ExecutionPrice(d("100"), d("20000"), decimal.Zero, decimal.Zero, enum.OrderSideBuy)
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestFeeMakesPriceWorse(t *testing.T) {
	rb, rq, size := d("1000"), d("2000000"), d("1")
	fee := d("0.003")

	noFee, err := ExecutionPrice(rb, rq, size, decimal.Zero, enum.OrderSideBuy)
	require.NoError(t, err)
	withFee, err := ExecutionPrice(rb, rq, size, fee, enum.OrderSideBuy)
	require.NoError(t, err)
	assert.True(t, withFee.GreaterThan(noFee))

	out, err := AmountOut(d("1"), rb, rq, fee)
	require.NoError(t, err)
	in, err := AmountIn(out, rb, rq, fee)
	require.NoError(t, err)
	assert.True(t, in.Sub(d("1")).Abs().LessThan(d("0.000000001")))
}

func TestApplySlippage(t *testing.T) {
	assert.True(t, ApplySlippage(d("10"), 50).Equal(d("9.95")))
	assert.True(t, ApplySlippage(d("10"), 0).Equal(d("10")))
	assert.True(t, ImpactBps(d("200"), d("222.22")).Round(0).Equal(d("1111")))
}

func reserves(t *rapid.T) (decimal.Decimal, decimal.Decimal) {
	rb := decimal.NewFromInt(rapid.Int64Range(1, 1_000_000).Draw(t, "rb"))
	rq := decimal.NewFromInt(rapid.Int64Range(1, 1_000_000).Draw(t, "rq"))
	return rb, rq
}

func TestMidPriceProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rb, rq := reserves(t)
		mid, err := MidPrice(rb, rq)
		require.NoError(t, err)
		assert.True(t, mid.Mul(rb).Sub(rq).Abs().LessThan(d("0.000001")))

		bigger, err := MidPrice(rb.Add(decimal.NewFromInt(1)), rq)
		require.NoError(t, err)
		assert.True(t, bigger.LessThan(mid))
	})
}

func TestExecutionPriceProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rb, rq := reserves(t)
		fee := decimal.New(rapid.SampledFrom([]int64{0, 100, 500, 3000, 10000}).Draw(t, "tier"), -6)
		k1 := rapid.Int64Range(1, 899).Draw(t, "k1")
		k2 := rapid.Int64Range(k1+1, 900).Draw(t, "k2")
		s1 := rb.Mul(decimal.New(k1, -3))
		s2 := rb.Mul(decimal.New(k2, -3))
		mid, err := MidPrice(rb, rq)
		require.NoError(t, err)

		buy1, err := ExecutionPrice(rb, rq, s1, fee, enum.OrderSideBuy)
		require.NoError(t, err)
		buy2, err := ExecutionPrice(rb, rq, s2, fee, enum.OrderSideBuy)
		require.NoError(t, err)
		assert.True(t, buy1.GreaterThan(mid), "buy %s mid %s", buy1, mid)
		assert.True(t, buy2.GreaterThan(buy1))

		sell1, err := ExecutionPrice(rb, rq, s1, fee, enum.OrderSideSell)
		require.NoError(t, err)
		sell2, err := ExecutionPrice(rb, rq, s2, fee, enum.OrderSideSell)
		require.NoError(t, err)
		assert.True(t, sell1.LessThan(mid), "sell %s mid %s", sell1, mid)
		assert.True(t, sell2.LessThan(sell1))
	})
}

func TestVirtualReserves(t *testing.T) {
	// sqrtP = 2 in Q96, L = 1000 -> x = 500, y = 2000
	sqrtPriceX96 := new(big.Int).Lsh(big.NewInt(2), 96)
	x, y, err := VirtualReserves(big.NewInt(1000), sqrtPriceX96)
	require.NoError(t, err)
	assert.True(t, x.Equal(d("500")), x.String())
	assert.True(t, y.Equal(d("2000")), y.String())
	assert.True(t, SqrtPriceToPrice(sqrtPriceX96).Equal(d("4")))

	_, _, err = VirtualReserves(big.NewInt(0), sqrtPriceX96)
	assert.Error(t, err)
}
