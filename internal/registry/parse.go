package registry

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"dexadapter/internal/chain"
	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/pkg/exception"
)

const (
	maxTokenDecimals = 36
	pricePrecision   = 6
	maxSizePrecision = 8
)

// ParseInstrument turns pool metadata into an instrument. base picks the
// base token; the zero address means token0.
func ParseInstrument(meta chain.PoolMetadata, base common.Address, venue string, tsInit int64) (model.Instrument, error) {
	if !meta.Kind.IsAvailable() {
		return model.Instrument{}, invalidMetadata("pool %s has unknown kind %d", meta.Pool.Hex(), meta.Kind)
	}
	for _, tok := range []chain.TokenInfo{meta.Token0, meta.Token1} {
		if err := checkToken(meta.Pool, tok); err != nil {
			return model.Instrument{}, err
		}
	}
	if meta.Token0.Address == meta.Token1.Address {
		return model.Instrument{}, invalidMetadata("pool %s trades %s against itself", meta.Pool.Hex(), meta.Token0.Symbol)
	}

	baseIsToken0 := true
	switch base {
	case common.Address{}, meta.Token0.Address:
	case meta.Token1.Address:
		baseIsToken0 = false
	default:
		return model.Instrument{}, invalidMetadata("base %s is not a token of pool %s", base.Hex(), meta.Pool.Hex())
	}
	// the order book contract always quotes token1 per token0
	if meta.Kind == enum.PoolKindOrderBook && !baseIsToken0 {
		return model.Instrument{}, invalidMetadata("order book %s must use token0 as base", meta.Pool.Hex())
	}

	baseTok, quoteTok := meta.Token0, meta.Token1
	if !baseIsToken0 {
		baseTok, quoteTok = meta.Token1, meta.Token0
	}

	sizePrecision := min(int32(baseTok.Decimals), maxSizePrecision)
	return model.Instrument{
		ID:             model.NewInstrumentID(baseTok.Symbol, quoteTok.Symbol, venue),
		Kind:           meta.Kind,
		Pool:           meta.Pool,
		Base:           currency(baseTok),
		Quote:          currency(quoteTok),
		BaseIsToken0:   baseIsToken0,
		FeeTier:        meta.Fee,
		TickSpacing:    meta.TickSpacing,
		PricePrecision: pricePrecision,
		SizePrecision:  sizePrecision,
		MinSize:        decimal.New(1, -sizePrecision),
		MaxSize:        decimal.Zero,
		TsInit:         tsInit,
	}, nil
}

func checkToken(pool common.Address, tok chain.TokenInfo) error {
	if tok.Symbol == "" {
		return invalidMetadata("pool %s token %s has no symbol", pool.Hex(), tok.Address.Hex())
	}
	if tok.Decimals > maxTokenDecimals {
		return invalidMetadata("pool %s token %s has %d decimals", pool.Hex(), tok.Symbol, tok.Decimals)
	}
	return nil
}

func currency(tok chain.TokenInfo) model.Currency {
	return model.Currency{Symbol: tok.Symbol, Address: tok.Address, Decimals: tok.Decimals}
}

func invalidMetadata(format string, args ...any) error {
	return errs.WithKind(errs.KindMalformedResponse, fmt.Errorf("%w: %s", exception.ErrRegistryInvalidMetadata, fmt.Sprintf(format, args...)))
}
