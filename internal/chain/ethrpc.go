package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/yanun0323/logs"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/obs"
	"dexadapter/pkg/exception"
)

const (
	defaultBookDepth = 20
	logBuffer        = 256
	v2DefaultFee     = 3000
)

// backend is the subset of *ethclient.Client the adapter uses.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

type dialFunc func(ctx context.Context, url string) (backend, error)

func dialEthclient(ctx context.Context, url string) (backend, error) {
	return ethclient.DialContext(ctx, url)
}

// RPCOption configures an RPCClient.
type RPCOption struct {
	URL     string
	WSURL   string
	ChainID int64
	Guard   GuardConfig
	// BookDepth bounds getLevels reads on order book venues.
	BookDepth uint8
}

// RPCClient is the go-ethereum backed Client.
type RPCClient struct {
	opt   RPCOption
	dial  dialFunc
	guard *Guard

	mu        sync.Mutex
	http      backend
	ws        backend
	connected atomic.Bool
}

var _ Client = (*RPCClient)(nil)

func NewRPCClient(opt RPCOption, metrics *obs.Metrics) *RPCClient {
	if opt.BookDepth == 0 {
		opt.BookDepth = defaultBookDepth
	}
	return &RPCClient{
		opt:   opt,
		dial:  dialEthclient,
		guard: NewGuard(opt.Guard, metrics),
	}
}

func (c *RPCClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	err := c.guard.Do(ctx, "dial", func(ctx context.Context) error {
		b, err := c.dial(ctx, c.opt.URL)
		if err != nil {
			return err
		}
		c.http = b
		return nil
	})
	if err != nil {
		return err
	}

	var chainID *big.Int
	err = c.guard.Do(ctx, "chain id", func(ctx context.Context) (err error) {
		chainID, err = c.http.ChainID(ctx)
		return err
	})
	if err != nil {
		c.http.Close()
		c.http = nil
		return err
	}
	if c.opt.ChainID != 0 && chainID.Int64() != c.opt.ChainID {
		c.http.Close()
		c.http = nil
		return errs.Newf(errs.KindConfiguration, "node chain id %s, configured %d", chainID, c.opt.ChainID)
	}

	if c.opt.WSURL != "" {
		ws, err := c.dial(ctx, c.opt.WSURL)
		if err != nil {
			logs.Errorf("dial ws rpc, falling back to log polling, err: %+v", err)
		} else {
			c.ws = ws
		}
	}

	c.connected.Store(true)
	logs.Infof("rpc connected, chain id %s, streaming %t", chainID, c.ws != nil)
	return nil
}

func (c *RPCClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	if c.http != nil {
		c.http.Close()
		c.http = nil
	}
	c.connected.Store(false)
}

func (c *RPCClient) Status() enum.ConnStatus {
	if !c.connected.Load() {
		return enum.ConnStatusDisconnected
	}
	if c.guard.Degraded() {
		return enum.ConnStatusDegraded
	}
	return enum.ConnStatusConnected
}

func (c *RPCClient) node() (backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		return nil, exception.ErrChainNotConnected
	}
	return c.http, nil
}

func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	b, err := c.node()
	if err != nil {
		return nil, err
	}
	var id *big.Int
	err = c.guard.Do(ctx, "chain id", func(ctx context.Context) (err error) {
		id, err = b.ChainID(ctx)
		return err
	})
	return id, err
}

func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	b, err := c.node()
	if err != nil {
		return 0, err
	}
	var n uint64
	err = c.guard.Do(ctx, "block number", func(ctx context.Context) (err error) {
		n, err = b.BlockNumber(ctx)
		return err
	})
	return n, err
}

// call packs, executes and unpacks a view function pinned to block (nil = latest).
func (c *RPCClient) call(ctx context.Context, contract abi.ABI, to common.Address, block *big.Int, method string, args ...any) ([]any, error) {
	b, err := c.node()
	if err != nil {
		return nil, err
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, errs.WithKind(errs.KindConfiguration, errs.Wrap(err, "pack "+method))
	}

	var out []byte
	err = c.guard.Do(ctx, method, func(ctx context.Context) (err error) {
		out, err = b.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errs.WithKind(errs.KindMalformedResponse, errs.Wrap(exception.ErrChainEmptyResponse, method+" on "+to.Hex()))
	}
	vals, err := contract.Unpack(method, out)
	if err != nil {
		return nil, errs.WithKind(errs.KindMalformedResponse, errs.Wrap(err, "unpack "+method))
	}
	return vals, nil
}

func (c *RPCClient) callAddress(ctx context.Context, contract abi.ABI, to common.Address, method string) (common.Address, error) {
	vals, err := c.call(ctx, contract, to, nil, method)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, malformed("%s returned %T", method, vals[0])
	}
	return addr, nil
}

func (c *RPCClient) token(ctx context.Context, addr common.Address) (TokenInfo, error) {
	vals, err := c.call(ctx, erc20ABI, addr, nil, "symbol")
	if err != nil {
		return TokenInfo{}, err
	}
	symbol, ok := vals[0].(string)
	if !ok {
		return TokenInfo{}, malformed("symbol returned %T", vals[0])
	}
	vals, err = c.call(ctx, erc20ABI, addr, nil, "decimals")
	if err != nil {
		return TokenInfo{}, err
	}
	decimals, ok := vals[0].(uint8)
	if !ok {
		return TokenInfo{}, malformed("decimals returned %T", vals[0])
	}
	return TokenInfo{Address: addr, Symbol: symbol, Decimals: decimals}, nil
}

func (c *RPCClient) PoolMetadata(ctx context.Context, kind enum.PoolKind, pool common.Address) (PoolMetadata, error) {
	meta := PoolMetadata{Pool: pool, Kind: kind}

	var (
		contract               abi.ABI
		token0Method, t1Method string
	)
	switch kind {
	case enum.PoolKindConstantProduct:
		contract, token0Method, t1Method = pairABI, "token0", "token1"
		meta.Fee = v2DefaultFee
	case enum.PoolKindConcentratedLiquidity:
		contract, token0Method, t1Method = clPoolABI, "token0", "token1"
	case enum.PoolKindOrderBook:
		contract, token0Method, t1Method = clobABI, "baseToken", "quoteToken"
	default:
		return PoolMetadata{}, errs.WithKind(errs.KindConfiguration, exception.ErrChainUnknownPoolKind)
	}

	addr0, err := c.callAddress(ctx, contract, pool, token0Method)
	if err != nil {
		return PoolMetadata{}, err
	}
	addr1, err := c.callAddress(ctx, contract, pool, t1Method)
	if err != nil {
		return PoolMetadata{}, err
	}
	if meta.Token0, err = c.token(ctx, addr0); err != nil {
		return PoolMetadata{}, err
	}
	if meta.Token1, err = c.token(ctx, addr1); err != nil {
		return PoolMetadata{}, err
	}

	switch kind {
	case enum.PoolKindConcentratedLiquidity:
		vals, err := c.call(ctx, clPoolABI, pool, nil, "fee")
		if err != nil {
			return PoolMetadata{}, err
		}
		fee, err := asBig(vals[0])
		if err != nil {
			return PoolMetadata{}, err
		}
		meta.Fee = uint32(fee.Uint64())

		vals, err = c.call(ctx, clPoolABI, pool, nil, "tickSpacing")
		if err != nil {
			return PoolMetadata{}, err
		}
		spacing, err := asBig(vals[0])
		if err != nil {
			return PoolMetadata{}, err
		}
		meta.TickSpacing = int32(spacing.Int64())
	case enum.PoolKindOrderBook:
		vals, err := c.call(ctx, clobABI, pool, nil, "takerFee")
		if err != nil {
			return PoolMetadata{}, err
		}
		fee, err := asBig(vals[0])
		if err != nil {
			return PoolMetadata{}, err
		}
		meta.Fee = uint32(fee.Uint64())
	}
	return meta, nil
}

func (c *RPCClient) DiscoverPools(ctx context.Context, factory common.Address, limit int) ([]common.Address, error) {
	vals, err := c.call(ctx, factoryABI, factory, nil, "allPairsLength")
	if err != nil {
		return nil, err
	}
	total, err := asBig(vals[0])
	if err != nil {
		return nil, err
	}
	n := total.Int64()
	if limit > 0 && int64(limit) < n {
		n = int64(limit)
	}

	pools := make([]common.Address, 0, n)
	for i := int64(0); i < n; i++ {
		vals, err := c.call(ctx, factoryABI, factory, nil, "allPairs", big.NewInt(i))
		if err != nil {
			return nil, err
		}
		addr, ok := vals[0].(common.Address)
		if !ok {
			return nil, malformed("allPairs returned %T", vals[0])
		}
		pools = append(pools, addr)
	}
	return pools, nil
}

func (c *RPCClient) FetchPoolState(ctx context.Context, kind enum.PoolKind, pool common.Address) (PoolState, error) {
	block, err := c.BlockNumber(ctx)
	if err != nil {
		return PoolState{}, err
	}
	at := new(big.Int).SetUint64(block)
	state := PoolState{Pool: pool, Kind: kind, Block: block, TsEvent: time.Now().UnixNano()}

	switch kind {
	case enum.PoolKindConstantProduct:
		vals, err := c.call(ctx, pairABI, pool, at, "getReserves")
		if err != nil {
			return PoolState{}, err
		}
		if state.Reserve0, err = asBig(vals[0]); err != nil {
			return PoolState{}, err
		}
		if state.Reserve1, err = asBig(vals[1]); err != nil {
			return PoolState{}, err
		}
	case enum.PoolKindConcentratedLiquidity:
		vals, err := c.call(ctx, clPoolABI, pool, at, "slot0")
		if err != nil {
			return PoolState{}, err
		}
		if state.SqrtPriceX96, err = asBig(vals[0]); err != nil {
			return PoolState{}, err
		}
		tick, err := asBig(vals[1])
		if err != nil {
			return PoolState{}, err
		}
		state.Tick = int32(tick.Int64())

		vals, err = c.call(ctx, clPoolABI, pool, at, "liquidity")
		if err != nil {
			return PoolState{}, err
		}
		if state.Liquidity, err = asBig(vals[0]); err != nil {
			return PoolState{}, err
		}
	case enum.PoolKindOrderBook:
		vals, err := c.call(ctx, clobABI, pool, at, "getLevels", c.opt.BookDepth)
		if err != nil {
			return PoolState{}, err
		}
		if state.Bids, err = zipLevels(vals[0], vals[1]); err != nil {
			return PoolState{}, err
		}
		if state.Asks, err = zipLevels(vals[2], vals[3]); err != nil {
			return PoolState{}, err
		}
	default:
		return PoolState{}, errs.WithKind(errs.KindConfiguration, exception.ErrChainUnknownPoolKind)
	}
	return state, nil
}

func zipLevels(prices, sizes any) ([]RawLevel, error) {
	p, ok := prices.([]*big.Int)
	if !ok {
		return nil, malformed("level prices have type %T", prices)
	}
	s, ok := sizes.([]*big.Int)
	if !ok {
		return nil, malformed("level sizes have type %T", sizes)
	}
	if len(p) != len(s) {
		return nil, malformed("%d level prices for %d sizes", len(p), len(s))
	}
	levels := make([]RawLevel, len(p))
	for i := range p {
		levels[i] = RawLevel{Price: p[i], Size: s[i]}
	}
	return levels, nil
}

func toQuery(f Filter) ethereum.FilterQuery {
	q := ethereum.FilterQuery{Addresses: f.Addresses, Topics: f.Topics}
	if f.FromBlock > 0 {
		q.FromBlock = new(big.Int).SetUint64(f.FromBlock)
	}
	if f.ToBlock > 0 {
		q.ToBlock = new(big.Int).SetUint64(f.ToBlock)
	}
	return q
}

func (c *RPCClient) FilterLogs(ctx context.Context, filter Filter) ([]Log, error) {
	b, err := c.node()
	if err != nil {
		return nil, err
	}
	var raw []types.Log
	err = c.guard.Do(ctx, "filter logs", func(ctx context.Context) (err error) {
		raw, err = b.FilterLogs(ctx, toQuery(filter))
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Log, len(raw))
	for i := range raw {
		out[i] = fromTypesLog(raw[i])
	}
	return out, nil
}

func (c *RPCClient) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil, exception.ErrChainSubscriptionUnsupport
	}

	raw := make(chan types.Log, logBuffer)
	var sub ethereum.Subscription
	err := c.guard.Do(ctx, "subscribe logs", func(ctx context.Context) (err error) {
		sub, err = ws.SubscribeFilterLogs(ctx, toQuery(filter), raw)
		return err
	})
	if err != nil {
		return nil, err
	}

	s := &logStream{
		logs: make(chan Log, logBuffer),
		errs: make(chan error, 1),
		done: make(chan struct{}),
		sub:  sub,
	}
	go s.forward(raw)
	return s, nil
}

type logStream struct {
	logs chan Log
	errs chan error
	done chan struct{}
	once sync.Once
	sub  ethereum.Subscription
}

func (s *logStream) forward(raw <-chan types.Log) {
	defer close(s.logs)
	for {
		select {
		case <-s.done:
			return
		case err := <-s.sub.Err():
			if err != nil {
				s.errs <- Classify(err)
			}
			return
		case l := <-raw:
			select {
			case s.logs <- fromTypesLog(l):
			case <-s.done:
				return
			}
		}
	}
}

func (s *logStream) Logs() <-chan Log { return s.logs }

func (s *logStream) Err() <-chan error { return s.errs }

func (s *logStream) Unsubscribe() {
	s.once.Do(func() {
		s.sub.Unsubscribe()
		close(s.done)
	})
}

func (c *RPCClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	b, err := c.node()
	if err != nil {
		return 0, err
	}
	var gas uint64
	err = c.guard.Do(ctx, "estimate gas", func(ctx context.Context) (err error) {
		gas, err = b.EstimateGas(ctx, ethereum.CallMsg{From: msg.From, To: &msg.To, Data: msg.Data, Value: msg.Value})
		return err
	})
	return gas, err
}

func (c *RPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	b, err := c.node()
	if err != nil {
		return nil, err
	}
	var price *big.Int
	err = c.guard.Do(ctx, "gas price", func(ctx context.Context) (err error) {
		price, err = b.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (c *RPCClient) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	b, err := c.node()
	if err != nil {
		return 0, err
	}
	var nonce uint64
	err = c.guard.Do(ctx, "pending nonce", func(ctx context.Context) (err error) {
		nonce, err = b.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// SubmitTransaction is safe to retry: a resend of the same signed
// transaction is reported as already known by the node.
func (c *RPCClient) SubmitTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	b, err := c.node()
	if err != nil {
		return common.Hash{}, err
	}
	err = c.guard.Do(ctx, "send transaction", func(ctx context.Context) error {
		err := b.SendTransaction(ctx, tx)
		if err != nil && isAlreadyKnown(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func (c *RPCClient) GetReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	b, err := c.node()
	if err != nil {
		return Receipt{}, err
	}
	var raw *types.Receipt
	err = c.guard.Do(ctx, "receipt", func(ctx context.Context) (err error) {
		raw, err = b.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return Receipt{TxHash: hash, Status: enum.ReceiptStatusPending}, nil
	}
	if err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{
		TxHash:            hash,
		Status:            enum.ReceiptStatusSuccess,
		GasUsed:           raw.GasUsed,
		EffectiveGasPrice: raw.EffectiveGasPrice,
		Logs:              make([]Log, 0, len(raw.Logs)),
	}
	if raw.BlockNumber != nil {
		receipt.Block = raw.BlockNumber.Uint64()
	}
	for _, l := range raw.Logs {
		if l != nil {
			receipt.Logs = append(receipt.Logs, fromTypesLog(*l))
		}
	}
	if raw.Status == types.ReceiptStatusFailed {
		receipt.Status = enum.ReceiptStatusReverted
		receipt.RevertReason = c.revertReason(ctx, b, hash, raw.BlockNumber)
	}
	return receipt, nil
}

// revertReason replays the transaction on the state before its block.
// Best effort only.
func (c *RPCClient) revertReason(ctx context.Context, b backend, hash common.Hash, block *big.Int) string {
	const fallback = "execution reverted"

	var at *big.Int
	if block != nil && block.Sign() > 0 {
		at = new(big.Int).Sub(block, common.Big1)
	}

	tx, _, err := b.TransactionByHash(ctx, hash)
	if err != nil || tx == nil || tx.To() == nil {
		return fallback
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return fallback
	}
	_, err = b.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, at)
	if err == nil {
		return fallback
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if reason, uerr := abi.UnpackRevert(common.FromHex(hexData)); uerr == nil {
				return reason
			}
		}
	}
	return err.Error()
}

func (c *RPCClient) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	b, err := c.node()
	if err != nil {
		return nil, err
	}
	var bal *big.Int
	err = c.guard.Do(ctx, "balance", func(ctx context.Context) (err error) {
		bal, err = b.BalanceAt(ctx, account, nil)
		return err
	})
	return bal, err
}

func (c *RPCClient) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	vals, err := c.call(ctx, erc20ABI, token, nil, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return asBig(vals[0])
}
