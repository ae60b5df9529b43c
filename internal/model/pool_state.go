package model

import (
	"slices"

	"github.com/shopspring/decimal"

	"dexadapter/internal/model/enum"
)

// Level is one price level of a book.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// PoolState is a normalised snapshot of a pool, oriented base/quote and
// adjusted by token decimals. A new value is built for every poll or event;
// nothing mutates it after construction.
type PoolState struct {
	InstrumentID InstrumentID
	Kind         enum.PoolKind

	// Constant product: actual reserves.
	// Concentrated liquidity: virtual reserves of the active tick.
	ReserveBase  decimal.Decimal
	ReserveQuote decimal.Decimal

	// Concentrated liquidity only.
	Liquidity    decimal.Decimal
	SqrtPriceX96 decimal.Decimal
	Tick         int32

	// Order book only. Bids descending, asks ascending.
	bids []Level
	asks []Level

	Block   uint64
	TsEvent int64
}

// NewBookState copies the levels so the caller cannot mutate the snapshot.
func NewBookState(id InstrumentID, bids, asks []Level, block uint64, ts int64) PoolState {
	return PoolState{
		InstrumentID: id,
		Kind:         enum.PoolKindOrderBook,
		bids:         slices.Clone(bids),
		asks:         slices.Clone(asks),
		Block:        block,
		TsEvent:      ts,
	}
}

// Bids returns a copy of the bid levels.
func (s PoolState) Bids() []Level {
	return slices.Clone(s.bids)
}

// Asks returns a copy of the ask levels.
func (s PoolState) Asks() []Level {
	return slices.Clone(s.asks)
}

func (s PoolState) BookDepth() (int, int) {
	return len(s.bids), len(s.asks)
}
