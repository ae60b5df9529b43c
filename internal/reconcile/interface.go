package reconcile

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dexadapter/internal/chain"
	"dexadapter/internal/model"
)

//go:generate mockgen -source=interface.go -destination=mock/interface_mock.go -package=mock

// ChainReader is the authoritative side of a reconciliation.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetReceipt(ctx context.Context, hash common.Hash) (chain.Receipt, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// OrderSource is the local side: every order the adapter tracks.
type OrderSource interface {
	Orders() []model.Order
}
