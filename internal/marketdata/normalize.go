package marketdata

import (
	"math/big"
	"slices"

	"github.com/shopspring/decimal"

	"dexadapter/internal/chain"
	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/pricing"
)

// scale converts raw token units into whole tokens.
func scale(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

func scaleDecimal(raw decimal.Decimal, decimals uint8) decimal.Decimal {
	return raw.Shift(-int32(decimals))
}

// Normalize orients a raw pool state to the instrument's base and quote and
// adjusts it by token decimals.
func Normalize(inst model.Instrument, raw chain.PoolState) (model.PoolState, error) {
	if raw.Kind != inst.Kind {
		return model.PoolState{}, errs.Newf(errs.KindMalformedResponse, "pool %s reported kind %s, registry has %s", raw.Pool.Hex(), raw.Kind, inst.Kind)
	}
	t0, t1 := inst.Tokens()

	switch inst.Kind {
	case enum.PoolKindConstantProduct:
		return fromReserves(inst, scale(raw.Reserve0, t0.Decimals), scale(raw.Reserve1, t1.Decimals), raw.Block, raw.TsEvent), nil
	case enum.PoolKindConcentratedLiquidity:
		x, y, err := pricing.VirtualReserves(raw.Liquidity, raw.SqrtPriceX96)
		if err != nil {
			return model.PoolState{}, err
		}
		state := fromReserves(inst, scaleDecimal(x, t0.Decimals), scaleDecimal(y, t1.Decimals), raw.Block, raw.TsEvent)
		state.Liquidity = decimal.NewFromBigInt(raw.Liquidity, 0)
		state.SqrtPriceX96 = decimal.NewFromBigInt(raw.SqrtPriceX96, 0)
		state.Tick = raw.Tick
		return state, nil
	case enum.PoolKindOrderBook:
		return model.NewBookState(inst.ID, levels(inst, raw.Bids, true), levels(inst, raw.Asks, false), raw.Block, raw.TsEvent), nil
	default:
		return model.PoolState{}, errs.Newf(errs.KindMalformedResponse, "pool %s has unknown kind", raw.Pool.Hex())
	}
}

func fromReserves(inst model.Instrument, r0, r1 decimal.Decimal, block uint64, ts int64) model.PoolState {
	base, quote := r0, r1
	if !inst.BaseIsToken0 {
		base, quote = r1, r0
	}
	return model.PoolState{
		InstrumentID: inst.ID,
		Kind:         inst.Kind,
		ReserveBase:  base,
		ReserveQuote: quote,
		Block:        block,
		TsEvent:      ts,
	}
}

// BookPrice converts a raw order book price (quote raw per whole base).
func BookPrice(inst model.Instrument, raw *big.Int) decimal.Decimal {
	return scale(raw, inst.Quote.Decimals)
}

func BookSize(inst model.Instrument, raw *big.Int) decimal.Decimal {
	return scale(raw, inst.Base.Decimals)
}

// levels drops empty levels and orders the rest best first, whatever order
// the contract returned them in.
func levels(inst model.Instrument, raw []chain.RawLevel, bids bool) []model.Level {
	out := make([]model.Level, 0, len(raw))
	for _, l := range raw {
		if l.Price == nil || l.Size == nil || l.Size.Sign() <= 0 {
			continue
		}
		out = append(out, model.Level{Price: BookPrice(inst, l.Price), Size: BookSize(inst, l.Size)})
	}
	slices.SortStableFunc(out, func(a, b model.Level) int {
		if bids {
			return b.Price.Cmp(a.Price)
		}
		return a.Price.Cmp(b.Price)
	})
	return out
}
