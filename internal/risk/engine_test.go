package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/pkg/exception"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var ammInst = model.Instrument{
	ID:            model.NewInstrumentID("WETH", "USDC", "DEX"),
	Kind:          enum.PoolKindConstantProduct,
	FeeTier:       3000,
	SizePrecision: 8,
	MinSize:       d("0.00000001"),
}

var ammState = model.PoolState{
	InstrumentID: ammInst.ID,
	Kind:         enum.PoolKindConstantProduct,
	ReserveBase:  d("1000"),
	ReserveQuote: d("2000000"),
}

func TestEvaluate(t *testing.T) {
	testCases := []struct {
		desc   string
		cfg    Config
		side   enum.OrderSide
		qty    string
		reason Reason
		err    error
	}{
		{desc: "allow", side: enum.OrderSideBuy, qty: "1", reason: ReasonNone},
		{desc: "kill switch", cfg: Config{KillSwitch: true}, side: enum.OrderSideBuy, qty: "1", reason: ReasonKillSwitch, err: exception.ErrOrderInvalidRequest},
		{desc: "below min", side: enum.OrderSideBuy, qty: "0.000000001", reason: ReasonSize, err: exception.ErrOrderSizeOutOfRange},
		{desc: "above max qty", cfg: Config{MaxOrderQty: d("5")}, side: enum.OrderSideSell, qty: "6", reason: ReasonMaxQty, err: exception.ErrOrderSizeOutOfRange},
		{desc: "whole reserve", side: enum.OrderSideBuy, qty: "1000", reason: ReasonNoLiquidity, err: exception.ErrOrderNoLiquidity},
		{desc: "impact", cfg: Config{MaxPriceImpactBps: 100}, side: enum.OrderSideBuy, qty: "50", reason: ReasonPriceImpact, err: exception.ErrOrderPriceImpact},
		{desc: "impact within limit", cfg: Config{MaxPriceImpactBps: 100}, side: enum.OrderSideSell, qty: "1", reason: ReasonNone},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got := NewEngine(tc.cfg).Evaluate(ammInst, ammState, tc.side, d(tc.qty))
			assert.Equal(t, tc.reason, got.Reason, got.Reason.String())
			assert.Equal(t, tc.reason == ReasonNone, got.Allow)
			assert.Equal(t, tc.err, got.Err())
		})
	}
}

func TestExpectedOrderBook(t *testing.T) {
	inst := ammInst
	inst.Kind = enum.PoolKindOrderBook
	state := model.NewBookState(inst.ID,
		[]model.Level{{Price: d("99"), Size: d("1")}},
		[]model.Level{{Price: d("101"), Size: d("1")}, {Price: d("103"), Size: d("1")}},
		1, 0)

	mid, px, err := Expected(inst, state, enum.OrderSideBuy, d("2"))
	assert.NoError(t, err)
	assert.True(t, mid.Equal(d("100")))
	assert.True(t, px.Equal(d("102")))

	_, _, err = Expected(inst, state, enum.OrderSideSell, d("2"))
	assert.ErrorIs(t, err, exception.ErrOrderNoLiquidity)
}
