// Package marketdata turns pool state and pool logs into quote, trade and
// book events.
package marketdata

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/obs"
	"dexadapter/internal/pricing"
)

// Update is what one new pool state produces. Book is a full snapshot.
type Update struct {
	State model.PoolState
	Quote *model.QuoteTick
	Book  *model.OrderBookDeltas
}

type instrumentState struct {
	hash     uint64
	hasState bool
	block    uint64

	logBlock uint64
	logIndex uint
	hasLog   bool
}

// Synthesizer is owned by the worker goroutine and is not safe for
// concurrent use.
type Synthesizer struct {
	book    pricing.BookConfig
	metrics *obs.Metrics
	now     func() time.Time
	last    map[model.InstrumentID]*instrumentState
}

func NewSynthesizer(book pricing.BookConfig, metrics *obs.Metrics) *Synthesizer {
	return &Synthesizer{
		book:    book,
		metrics: metrics,
		now:     time.Now,
		last:    make(map[model.InstrumentID]*instrumentState),
	}
}

func (s *Synthesizer) track(id model.InstrumentID) *instrumentState {
	st, ok := s.last[id]
	if !ok {
		st = &instrumentState{}
		s.last[id] = st
	}
	return st
}

// Forget drops dedup and ordering memory for an instrument.
func (s *Synthesizer) Forget(id model.InstrumentID) {
	delete(s.last, id)
}

// OnState emits an update for a new state. It returns false when the state
// is older than the last one seen or carries identical content.
func (s *Synthesizer) OnState(inst model.Instrument, state model.PoolState) (Update, bool, error) {
	st := s.track(inst.ID)
	if st.hasState && state.Block < st.block {
		s.metrics.IncStale()
		return Update{}, false, nil
	}
	h := StateHash(state)
	if st.hasState && h == st.hash {
		s.metrics.IncDedup()
		st.block = max(st.block, state.Block)
		return Update{}, false, nil
	}

	up := Update{State: state}
	tsInit := s.now().UnixNano()
	quote, err := Quote(inst, state, tsInit)
	if err != nil {
		s.metrics.IncMalformed()
		return Update{}, false, err
	}
	up.Quote = quote
	book, err := s.Snapshot(inst, state, tsInit)
	if err != nil {
		s.metrics.IncMalformed()
		return Update{}, false, err
	}
	up.Book = book

	st.hash, st.hasState, st.block = h, true, state.Block
	return up, true, nil
}

// StateHash fingerprints the content of a state. Block height and
// timestamps are left out so an unchanged pool hashes the same.
func StateHash(state model.PoolState) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(state.InstrumentID.String())
	_, _ = d.WriteString(strconv.Itoa(int(state.Kind)))
	for _, v := range []decimal.Decimal{state.ReserveBase, state.ReserveQuote, state.Liquidity, state.SqrtPriceX96} {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(v.String())
	}
	_, _ = d.WriteString("|" + strconv.Itoa(int(state.Tick)))
	for _, side := range [][]model.Level{state.Bids(), state.Asks()} {
		_, _ = d.WriteString("#")
		for _, l := range side {
			_, _ = d.WriteString(l.Price.String())
			_, _ = d.WriteString("@")
			_, _ = d.WriteString(l.Size.String())
			_, _ = d.WriteString(";")
		}
	}
	return d.Sum64()
}

// Quote derives top of book. AMM quotes sit one fee away from the mid with
// the base reserve as size. Books without both sides produce no quote.
func Quote(inst model.Instrument, state model.PoolState, tsInit int64) (*model.QuoteTick, error) {
	q := &model.QuoteTick{InstrumentID: inst.ID, Block: state.Block, TsEvent: state.TsEvent, TsInit: tsInit}
	if state.Kind == enum.PoolKindOrderBook {
		bids, asks := state.Bids(), state.Asks()
		if len(bids) == 0 || len(asks) == 0 {
			return nil, nil
		}
		q.Bid, q.BidSize = bids[0].Price, bids[0].Size
		q.Ask, q.AskSize = asks[0].Price, asks[0].Size
		return q, nil
	}

	mid, err := pricing.MidPrice(state.ReserveBase, state.ReserveQuote)
	if err != nil {
		return nil, err
	}
	fee := inst.FeeRate()
	one := decimal.NewFromInt(1)
	q.Bid = mid.Mul(one.Sub(fee)).RoundFloor(inst.PricePrecision)
	q.Ask = mid.Mul(one.Add(fee)).RoundCeil(inst.PricePrecision)
	size := state.ReserveBase.RoundFloor(inst.SizePrecision)
	q.BidSize, q.AskSize = size, size
	return q, nil
}

// Snapshot builds a full book: one CLEAR delta, then bids descending, then
// asks ascending.
func (s *Synthesizer) Snapshot(inst model.Instrument, state model.PoolState, tsInit int64) (*model.OrderBookDeltas, error) {
	var bids, asks []model.Level
	if state.Kind == enum.PoolKindOrderBook {
		bids, asks = state.Bids(), state.Asks()
	} else {
		var err error
		bids, asks, err = pricing.SyntheticLevels(state.ReserveBase, state.ReserveQuote, inst.FeeRate(), s.book)
		if err != nil {
			return nil, err
		}
	}

	deltas := make([]model.OrderBookDelta, 0, 1+len(bids)+len(asks))
	deltas = append(deltas, model.OrderBookDelta{Action: enum.BookActionClear})
	for _, l := range bids {
		deltas = append(deltas, model.OrderBookDelta{
			Action: enum.BookActionAdd,
			Side:   enum.OrderSideBuy,
			Price:  l.Price.RoundFloor(inst.PricePrecision),
			Size:   l.Size.RoundFloor(inst.SizePrecision),
		})
	}
	for _, l := range asks {
		deltas = append(deltas, model.OrderBookDelta{
			Action: enum.BookActionAdd,
			Side:   enum.OrderSideSell,
			Price:  l.Price.RoundCeil(inst.PricePrecision),
			Size:   l.Size.RoundFloor(inst.SizePrecision),
		})
	}
	return &model.OrderBookDeltas{
		InstrumentID: inst.ID,
		Deltas:       deltas,
		Snapshot:     true,
		Block:        state.Block,
		TsEvent:      state.TsEvent,
		TsInit:       tsInit,
	}, nil
}

func malformed(err error) error {
	if errs.KindOf(err) == errs.KindMalformedResponse {
		return err
	}
	return errs.WithKind(errs.KindMalformedResponse, err)
}
