package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"dexadapter/internal/model/enum"
)

type QuoteTick struct {
	InstrumentID InstrumentID
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	BidSize      decimal.Decimal
	AskSize      decimal.Decimal
	Block        uint64
	TsEvent      int64
	TsInit       int64
}

type TradeTick struct {
	InstrumentID InstrumentID
	Price        decimal.Decimal
	Size         decimal.Decimal
	Aggressor    enum.OrderSide
	TradeID      string
	TxHash       common.Hash
	Block        uint64
	LogIndex     uint
	TsEvent      int64
	TsInit       int64
}

// OrderBookDelta is one incremental book update. Side is OrderSideBuy for bids.
type OrderBookDelta struct {
	Action enum.BookAction
	Side   enum.OrderSide
	Price  decimal.Decimal
	Size   decimal.Decimal
}

// OrderBookDeltas groups the deltas produced by one state change. A snapshot
// always starts with a CLEAR delta.
type OrderBookDeltas struct {
	InstrumentID InstrumentID
	Deltas       []OrderBookDelta
	Snapshot     bool
	Block        uint64
	LogIndex     uint
	TsEvent      int64
	TsInit       int64
}
