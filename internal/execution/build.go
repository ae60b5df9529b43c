package execution

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"dexadapter/internal/chain"
	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/pricing"
	"dexadapter/pkg/exception"
)

// plan is a priced transaction ready to be signed.
type plan struct {
	to       common.Address
	data     []byte
	amountIn decimal.Decimal
	minOut   decimal.Decimal
	limit    decimal.Decimal
}

func (c *Client) build(inst model.Instrument, req model.OrderRequest, expected decimal.Decimal, state model.PoolState) (plan, error) {
	switch inst.Kind {
	case enum.PoolKindConstantProduct, enum.PoolKindConcentratedLiquidity:
		return c.buildSwap(inst, req, state)
	case enum.PoolKindOrderBook:
		return c.buildBookOrder(inst, req, expected)
	default:
		return plan{}, errs.Wrap(exception.ErrChainUnknownPoolKind, inst.Kind.String())
	}
}

// buildSwap sizes an exact-input swap. A buy spends the quote cost of q base
// and accepts q less slippage; a sell spends q base and accepts the expected
// proceeds less slippage.
func (c *Client) buildSwap(inst model.Instrument, req model.OrderRequest, state model.PoolState) (plan, error) {
	fee := inst.FeeRate()
	var (
		p                 plan
		tokenIn, tokenOut model.Currency
	)
	switch req.Side {
	case enum.OrderSideBuy:
		cost, err := pricing.BuyCost(state.ReserveBase, state.ReserveQuote, req.Quantity, fee)
		if err != nil {
			return plan{}, err
		}
		p.amountIn = cost.RoundCeil(int32(inst.Quote.Decimals))
		p.minOut = pricing.ApplySlippage(req.Quantity, c.cfg.MaxSlippageBps).RoundFloor(int32(inst.Base.Decimals))
		tokenIn, tokenOut = inst.Quote, inst.Base
	default:
		proceeds, err := pricing.SellProceeds(state.ReserveBase, state.ReserveQuote, req.Quantity, fee)
		if err != nil {
			return plan{}, err
		}
		p.amountIn = req.Quantity
		p.minOut = pricing.ApplySlippage(proceeds, c.cfg.MaxSlippageBps).RoundFloor(int32(inst.Quote.Decimals))
		tokenIn, tokenOut = inst.Base, inst.Quote
	}

	amountIn := toRaw(p.amountIn, tokenIn.Decimals, true)
	minOut := toRaw(p.minOut, tokenOut.Decimals, false)
	deadline := big.NewInt(c.now().Add(c.cfg.Deadline).Unix())
	recipient := c.signer.Address()

	var err error
	if inst.Kind == enum.PoolKindConstantProduct {
		p.to = c.cfg.Router
		p.data, err = chain.PackSwapExactTokensForTokens(amountIn, minOut, []common.Address{tokenIn.Address, tokenOut.Address}, recipient, deadline)
	} else {
		p.to = c.cfg.CLRouter
		p.data, err = chain.PackExactInputSingle(chain.ExactInputSingleParams{
			TokenIn:           tokenIn.Address,
			TokenOut:          tokenOut.Address,
			Fee:               big.NewInt(int64(inst.FeeTier)),
			Recipient:         recipient,
			Deadline:          deadline,
			AmountIn:          amountIn,
			AmountOutMinimum:  minOut,
			SqrtPriceLimitX96: new(big.Int),
		})
	}
	if err != nil {
		return plan{}, errs.Wrap(err, "pack swap")
	}
	return p, nil
}

// buildBookOrder places a limit order. Without a limit price the order is
// made marketable by moving the expected price by the slippage tolerance.
func (c *Client) buildBookOrder(inst model.Instrument, req model.OrderRequest, expected decimal.Decimal) (plan, error) {
	limit := req.LimitPrice
	if !limit.IsPositive() {
		if req.Side == enum.OrderSideBuy {
			limit = expected.Mul(decimal.NewFromInt(10_000 + c.cfg.MaxSlippageBps)).Div(decimal.NewFromInt(10_000)).RoundCeil(inst.PricePrecision)
		} else {
			limit = pricing.ApplySlippage(expected, c.cfg.MaxSlippageBps).RoundFloor(inst.PricePrecision)
		}
	}
	if !limit.IsPositive() {
		return plan{}, exception.ErrOrderNoLiquidity
	}

	price := toRaw(limit, inst.Quote.Decimals, req.Side == enum.OrderSideBuy)
	size := toRaw(req.Quantity, inst.Base.Decimals, false)
	data, err := chain.PackPlaceOrder(req.Side == enum.OrderSideBuy, price, size)
	if err != nil {
		return plan{}, errs.Wrap(err, "pack place order")
	}
	return plan{
		to:       inst.Pool,
		data:     data,
		amountIn: req.Quantity,
		limit:    limit,
	}, nil
}

func toRaw(amount decimal.Decimal, decimals uint8, roundUp bool) *big.Int {
	shifted := amount.Shift(int32(decimals))
	if roundUp {
		shifted = shifted.Ceil()
	} else {
		shifted = shifted.Floor()
	}
	return shifted.BigInt()
}

func fromRaw(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// fill is what a confirmed receipt says about one order.
type fill struct {
	qty      decimal.Decimal
	quote    decimal.Decimal
	avgPx    decimal.Decimal
	venueRef string
}

// readFill extracts the order's own fill from receipt logs. Only logs of the
// instrument's pool count.
func readFill(inst model.Instrument, o model.Order, logs []chain.Log) (fill, error) {
	f := fill{qty: decimal.Zero, quote: decimal.Zero, avgPx: decimal.Zero}
	var orderRef *big.Int

	for _, l := range logs {
		if l.Address != inst.Pool || len(l.Topics) == 0 {
			continue
		}
		switch l.Topics[0] {
		case chain.TopicV2Swap:
			s, err := chain.DecodeV2Swap(l)
			if err != nil {
				return f, err
			}
			in0, in1, out0, out1 := fromRaw(s.Amount0In, 0), fromRaw(s.Amount1In, 0), fromRaw(s.Amount0Out, 0), fromRaw(s.Amount1Out, 0)
			base, quote := in0.Add(out0), in1.Add(out1)
			if !inst.BaseIsToken0 {
				base, quote = in1.Add(out1), in0.Add(out0)
			}
			f.qty = f.qty.Add(base.Shift(-int32(inst.Base.Decimals)))
			f.quote = f.quote.Add(quote.Shift(-int32(inst.Quote.Decimals)))
		case chain.TopicV3Swap:
			s, err := chain.DecodeV3Swap(l)
			if err != nil {
				return f, err
			}
			base, quote := new(big.Int).Abs(s.Amount0), new(big.Int).Abs(s.Amount1)
			if !inst.BaseIsToken0 {
				base, quote = quote, base
			}
			f.qty = f.qty.Add(fromRaw(base, inst.Base.Decimals))
			f.quote = f.quote.Add(fromRaw(quote, inst.Quote.Decimals))
		case chain.TopicOrderPlaced:
			placed, err := chain.DecodeOrderPlaced(l)
			if err != nil {
				return f, err
			}
			orderRef = placed.OrderID
			f.venueRef = placed.OrderID.String()
		case chain.TopicBookTrade:
			t, err := chain.DecodeBookTrade(l)
			if err != nil {
				return f, err
			}
			if orderRef == nil || t.OrderID.Cmp(orderRef) != 0 {
				continue
			}
			size := fromRaw(t.Size, inst.Base.Decimals)
			f.qty = f.qty.Add(size)
			f.quote = f.quote.Add(fromRaw(t.Price, inst.Quote.Decimals).Mul(size))
		}
	}

	if inst.Kind == enum.PoolKindOrderBook && orderRef == nil {
		return f, errs.Newf(errs.KindMalformedResponse, "receipt of %s has no OrderPlaced log", o.TxHash.Hex())
	}
	if f.qty.IsPositive() {
		f.avgPx = f.quote.DivRound(f.qty, inst.PricePrecision+2)
	}
	return f, nil
}
