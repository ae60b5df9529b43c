package marketdata

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"dexadapter/internal/chain"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
)

// LogUpdate is what one pool log produces. State is set when the log
// carries a full pool state (Sync, V3 Swap) and should go through OnState.
type LogUpdate struct {
	Trade  *model.TradeTick
	Deltas *model.OrderBookDeltas
	State  *model.PoolState
}

// Topics lists the log signatures the synthesizer understands for a kind.
func Topics(kind enum.PoolKind) []common.Hash {
	switch kind {
	case enum.PoolKindConstantProduct:
		return []common.Hash{chain.TopicV2Swap, chain.TopicV2Sync}
	case enum.PoolKindConcentratedLiquidity:
		return []common.Hash{chain.TopicV3Swap}
	case enum.PoolKindOrderBook:
		return []common.Hash{chain.TopicLevelUpdated, chain.TopicBookTrade}
	default:
		return nil
	}
}

// OnLog decodes a pool log. Logs at or before the last (block, index) seen
// for the instrument are dropped; ok is false for those and for logs the
// synthesizer does not use.
func (s *Synthesizer) OnLog(inst model.Instrument, l chain.Log) (LogUpdate, bool, error) {
	if l.Removed || len(l.Topics) == 0 {
		return LogUpdate{}, false, nil
	}
	st := s.track(inst.ID)
	if st.hasLog && !(chain.Log{Block: st.logBlock, Index: st.logIndex}).Before(l) {
		s.metrics.IncStale()
		return LogUpdate{}, false, nil
	}

	up, ok, err := s.decode(inst, l)
	if err != nil {
		s.metrics.IncMalformed()
		return LogUpdate{}, false, malformed(err)
	}
	st.logBlock, st.logIndex, st.hasLog = l.Block, l.Index, true
	return up, ok, nil
}

func (s *Synthesizer) decode(inst model.Instrument, l chain.Log) (LogUpdate, bool, error) {
	tsInit := s.now().UnixNano()
	switch l.Topics[0] {
	case chain.TopicV2Swap:
		ev, err := chain.DecodeV2Swap(l)
		if err != nil {
			return LogUpdate{}, false, err
		}
		baseIn, quoteIn, baseOut, quoteOut := ev.Amount0In, ev.Amount1In, ev.Amount0Out, ev.Amount1Out
		if !inst.BaseIsToken0 {
			baseIn, quoteIn, baseOut, quoteOut = ev.Amount1In, ev.Amount0In, ev.Amount1Out, ev.Amount0Out
		}
		var trade *model.TradeTick
		if baseIn.Sign() > 0 {
			trade = swapTrade(inst, l, enum.OrderSideSell, baseIn, quoteOut, tsInit)
		} else {
			trade = swapTrade(inst, l, enum.OrderSideBuy, baseOut, quoteIn, tsInit)
		}
		return LogUpdate{Trade: trade}, trade != nil, nil

	case chain.TopicV2Sync:
		ev, err := chain.DecodeV2Sync(l)
		if err != nil {
			return LogUpdate{}, false, err
		}
		t0, t1 := inst.Tokens()
		state := fromReserves(inst, scale(ev.Reserve0, t0.Decimals), scale(ev.Reserve1, t1.Decimals), l.Block, tsInit)
		return LogUpdate{State: &state}, true, nil

	case chain.TopicV3Swap:
		ev, err := chain.DecodeV3Swap(l)
		if err != nil {
			return LogUpdate{}, false, err
		}
		baseAmt, quoteAmt := ev.Amount0, ev.Amount1
		if !inst.BaseIsToken0 {
			baseAmt, quoteAmt = ev.Amount1, ev.Amount0
		}
		// positive base flowed into the pool: the taker sold base
		side := enum.OrderSideBuy
		if baseAmt.Sign() > 0 {
			side = enum.OrderSideSell
		}
		up := LogUpdate{Trade: swapTrade(inst, l, side, new(big.Int).Abs(baseAmt), new(big.Int).Abs(quoteAmt), tsInit)}
		state, err := Normalize(inst, chain.PoolState{
			Pool:         l.Address,
			Kind:         enum.PoolKindConcentratedLiquidity,
			Block:        l.Block,
			TsEvent:      tsInit,
			SqrtPriceX96: ev.SqrtPriceX96,
			Liquidity:    ev.Liquidity,
			Tick:         ev.Tick,
		})
		if err == nil {
			up.State = &state
		}
		return up, true, nil

	case chain.TopicBookTrade:
		ev, err := chain.DecodeBookTrade(l)
		if err != nil {
			return LogUpdate{}, false, err
		}
		side := enum.OrderSideSell
		if ev.IsBuy {
			side = enum.OrderSideBuy
		}
		trade := &model.TradeTick{
			InstrumentID: inst.ID,
			Price:        BookPrice(inst, ev.Price),
			Size:         BookSize(inst, ev.Size),
			Aggressor:    side,
			TradeID:      tradeID(l),
			TxHash:       l.TxHash,
			Block:        l.Block,
			LogIndex:     l.Index,
			TsEvent:      tsInit,
			TsInit:       tsInit,
		}
		return LogUpdate{Trade: trade}, true, nil

	case chain.TopicLevelUpdated:
		ev, err := chain.DecodeLevelUpdate(l)
		if err != nil {
			return LogUpdate{}, false, err
		}
		delta := model.OrderBookDelta{
			Action: enum.BookActionUpdate,
			Side:   enum.OrderSideSell,
			Price:  BookPrice(inst, ev.Price),
			Size:   BookSize(inst, ev.Size),
		}
		if ev.IsBid {
			delta.Side = enum.OrderSideBuy
		}
		if ev.Size.Sign() == 0 {
			delta.Action = enum.BookActionDelete
		}
		return LogUpdate{Deltas: &model.OrderBookDeltas{
			InstrumentID: inst.ID,
			Deltas:       []model.OrderBookDelta{delta},
			Block:        l.Block,
			LogIndex:     l.Index,
			TsEvent:      tsInit,
			TsInit:       tsInit,
		}}, true, nil
	}
	return LogUpdate{}, false, nil
}

func swapTrade(inst model.Instrument, l chain.Log, side enum.OrderSide, baseRaw, quoteRaw *big.Int, tsInit int64) *model.TradeTick {
	size := scale(baseRaw, inst.Base.Decimals)
	if !size.IsPositive() {
		return nil
	}
	price := scale(quoteRaw, inst.Quote.Decimals).Div(size)
	return &model.TradeTick{
		InstrumentID: inst.ID,
		Price:        price.Round(inst.PricePrecision),
		Size:         size.Round(max(inst.SizePrecision, int32(inst.Base.Decimals))),
		Aggressor:    side,
		TradeID:      tradeID(l),
		TxHash:       l.TxHash,
		Block:        l.Block,
		LogIndex:     l.Index,
		TsEvent:      tsInit,
		TsInit:       tsInit,
	}
}

func tradeID(l chain.Log) string {
	return l.TxHash.Hex() + "-" + strconv.FormatUint(uint64(l.Index), 10)
}
