// Package chain talks to an EVM node. It knows contract interfaces and
// transport concerns but nothing about instruments or orders.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"dexadapter/internal/model/enum"
)

// Client is the request/response and subscription surface of a node.
type Client interface {
	Connect(ctx context.Context) error
	Close()
	Status() enum.ConnStatus

	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)

	PoolMetadata(ctx context.Context, kind enum.PoolKind, pool common.Address) (PoolMetadata, error)
	DiscoverPools(ctx context.Context, factory common.Address, limit int) ([]common.Address, error)
	FetchPoolState(ctx context.Context, kind enum.PoolKind, pool common.Address) (PoolState, error)

	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
	FilterLogs(ctx context.Context, filter Filter) ([]Log, error)

	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SubmitTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	// GetReceipt returns a receipt with ReceiptStatusPending while the
	// transaction is not mined.
	GetReceipt(ctx context.Context, hash common.Hash) (Receipt, error)

	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

type TokenInfo struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// PoolMetadata is what a pool contract says about itself.
type PoolMetadata struct {
	Pool        common.Address
	Kind        enum.PoolKind
	Token0      TokenInfo
	Token1      TokenInfo
	Fee         uint32
	TickSpacing int32
}

// RawLevel is an order book level in raw integer units.
type RawLevel struct {
	Price *big.Int
	Size  *big.Int
}

// PoolState is a pool read pinned to one block, in raw integer units and
// token0/token1 order.
type PoolState struct {
	Pool  common.Address
	Kind  enum.PoolKind
	Block uint64
	// TsEvent is unix nanos of the read.
	TsEvent int64

	Reserve0 *big.Int
	Reserve1 *big.Int

	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32

	Bids []RawLevel
	Asks []RawLevel
}

type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
	Block   uint64
	Index   uint
	TxHash  common.Hash
	Removed bool
}

// Before reports whether l precedes other in chain order.
func (l Log) Before(other Log) bool {
	if l.Block != other.Block {
		return l.Block < other.Block
	}
	return l.Index < other.Index
}

// Filter selects logs. ToBlock zero means latest.
type Filter struct {
	Addresses []common.Address
	Topics    [][]common.Hash
	FromBlock uint64
	ToBlock   uint64
}

// Subscription delivers logs in chain order until Unsubscribe.
type Subscription interface {
	Logs() <-chan Log
	Err() <-chan error
	Unsubscribe()
}

type CallMsg struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

type Receipt struct {
	TxHash            common.Hash
	Status            enum.ReceiptStatus
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Block             uint64
	Logs              []Log
	RevertReason      string
}

// GasCost is gasUsed * effectiveGasPrice in wei.
func (r Receipt) GasCost() *big.Int {
	if r.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
}

func fromTypesLog(l types.Log) Log {
	return Log{
		Address: l.Address,
		Topics:  l.Topics,
		Data:    l.Data,
		Block:   l.BlockNumber,
		Index:   l.Index,
		TxHash:  l.TxHash,
		Removed: l.Removed,
	}
}
