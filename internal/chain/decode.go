package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	errs "dexadapter/internal/errors"
	"dexadapter/pkg/exception"
)

type V2Swap struct {
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
}

type V2Sync struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// V3Swap amounts are signed from the pool's perspective: positive flows in.
type V3Swap struct {
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32
}

type LevelUpdate struct {
	IsBid bool
	Price *big.Int
	Size  *big.Int
}

type BookTrade struct {
	Taker   common.Address
	OrderID *big.Int
	IsBuy   bool
	Price   *big.Int
	Size    *big.Int
}

type OrderPlaced struct {
	OrderID *big.Int
	Owner   common.Address
	IsBuy   bool
	Price   *big.Int
	Size    *big.Int
}

func DecodeV2Swap(l Log) (V2Swap, error) {
	vals, err := unpackEvent(pairABI, "Swap", TopicV2Swap, l, 4)
	if err != nil {
		return V2Swap{}, err
	}
	out := V2Swap{}
	if out.Amount0In, err = asBig(vals[0]); err != nil {
		return V2Swap{}, err
	}
	if out.Amount1In, err = asBig(vals[1]); err != nil {
		return V2Swap{}, err
	}
	if out.Amount0Out, err = asBig(vals[2]); err != nil {
		return V2Swap{}, err
	}
	if out.Amount1Out, err = asBig(vals[3]); err != nil {
		return V2Swap{}, err
	}
	return out, nil
}

func DecodeV2Sync(l Log) (V2Sync, error) {
	vals, err := unpackEvent(pairABI, "Sync", TopicV2Sync, l, 2)
	if err != nil {
		return V2Sync{}, err
	}
	r0, err := asBig(vals[0])
	if err != nil {
		return V2Sync{}, err
	}
	r1, err := asBig(vals[1])
	if err != nil {
		return V2Sync{}, err
	}
	return V2Sync{Reserve0: r0, Reserve1: r1}, nil
}

func DecodeV3Swap(l Log) (V3Swap, error) {
	vals, err := unpackEvent(clPoolABI, "Swap", TopicV3Swap, l, 5)
	if err != nil {
		return V3Swap{}, err
	}
	bigs := make([]*big.Int, 5)
	for i := range vals {
		if bigs[i], err = asBig(vals[i]); err != nil {
			return V3Swap{}, err
		}
	}
	return V3Swap{
		Amount0:      bigs[0],
		Amount1:      bigs[1],
		SqrtPriceX96: bigs[2],
		Liquidity:    bigs[3],
		Tick:         int32(bigs[4].Int64()),
	}, nil
}

func DecodeLevelUpdate(l Log) (LevelUpdate, error) {
	vals, err := unpackEvent(clobABI, "LevelUpdated", TopicLevelUpdated, l, 3)
	if err != nil {
		return LevelUpdate{}, err
	}
	isBid, ok := vals[0].(bool)
	if !ok {
		return LevelUpdate{}, malformed("LevelUpdated.isBid has type %T", vals[0])
	}
	price, err := asBig(vals[1])
	if err != nil {
		return LevelUpdate{}, err
	}
	size, err := asBig(vals[2])
	if err != nil {
		return LevelUpdate{}, err
	}
	return LevelUpdate{IsBid: isBid, Price: price, Size: size}, nil
}

func DecodeBookTrade(l Log) (BookTrade, error) {
	vals, err := unpackEvent(clobABI, "Trade", TopicBookTrade, l, 3)
	if err != nil {
		return BookTrade{}, err
	}
	if len(l.Topics) < 3 {
		return BookTrade{}, malformed("Trade has %d topics", len(l.Topics))
	}
	isBuy, ok := vals[0].(bool)
	if !ok {
		return BookTrade{}, malformed("Trade.isBuy has type %T", vals[0])
	}
	price, err := asBig(vals[1])
	if err != nil {
		return BookTrade{}, err
	}
	size, err := asBig(vals[2])
	if err != nil {
		return BookTrade{}, err
	}
	return BookTrade{
		Taker:   common.BytesToAddress(l.Topics[1].Bytes()),
		OrderID: l.Topics[2].Big(),
		IsBuy:   isBuy,
		Price:   price,
		Size:    size,
	}, nil
}

func DecodeOrderPlaced(l Log) (OrderPlaced, error) {
	vals, err := unpackEvent(clobABI, "OrderPlaced", TopicOrderPlaced, l, 3)
	if err != nil {
		return OrderPlaced{}, err
	}
	if len(l.Topics) < 3 {
		return OrderPlaced{}, malformed("OrderPlaced has %d topics", len(l.Topics))
	}
	isBuy, ok := vals[0].(bool)
	if !ok {
		return OrderPlaced{}, malformed("OrderPlaced.isBuy has type %T", vals[0])
	}
	price, err := asBig(vals[1])
	if err != nil {
		return OrderPlaced{}, err
	}
	size, err := asBig(vals[2])
	if err != nil {
		return OrderPlaced{}, err
	}
	return OrderPlaced{
		OrderID: l.Topics[1].Big(),
		Owner:   common.BytesToAddress(l.Topics[2].Bytes()),
		IsBuy:   isBuy,
		Price:   price,
		Size:    size,
	}, nil
}

// DecodeOrderCanceled returns the canceled order id.
func DecodeOrderCanceled(l Log) (*big.Int, error) {
	if len(l.Topics) < 2 || l.Topics[0] != TopicOrderCanceled {
		return nil, malformed("not an OrderCanceled log")
	}
	return l.Topics[1].Big(), nil
}

func unpackEvent(contract abi.ABI, name string, topic common.Hash, l Log, n int) ([]any, error) {
	if len(l.Topics) == 0 || l.Topics[0] != topic {
		return nil, errs.WithKind(errs.KindMalformedResponse, exception.ErrChainUnexpectedLog)
	}
	vals, err := contract.Unpack(name, l.Data)
	if err != nil {
		return nil, errs.WithKind(errs.KindMalformedResponse, errs.Wrap(err, "unpack "+name))
	}
	if len(vals) != n {
		return nil, malformed("%s: want %d values, got %d", name, n, len(vals))
	}
	return vals, nil
}

func asBig(v any) (*big.Int, error) {
	b, ok := v.(*big.Int)
	if !ok || b == nil {
		return nil, malformed("want *big.Int, got %T", v)
	}
	return b, nil
}

func malformed(format string, args ...any) error {
	return errs.Newf(errs.KindMalformedResponse, format, args...)
}
