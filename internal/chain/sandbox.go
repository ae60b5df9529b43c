package chain

import (
	"context"
	"math"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model/enum"
	"dexadapter/pkg/exception"
)

const (
	feeDenominator      = 1_000_000
	sandboxGasEstimate  = 150_000
	sandboxGasUsed      = 120_000
	sandboxSubBuffer    = 4096
	sandboxDefaultDepth = 20
)

// Well known sandbox addresses.
var (
	SandboxRouter   = common.HexToAddress("0x0000000000000000000000000000000000005001")
	SandboxCLRouter = common.HexToAddress("0x0000000000000000000000000000000000005002")
	SandboxFactory  = common.HexToAddress("0x0000000000000000000000000000000000005003")

	SandboxWETH = common.HexToAddress("0x000000000000000000000000000000000000e001")
	SandboxUSDC = common.HexToAddress("0x000000000000000000000000000000000000e002")
	SandboxWBTC = common.HexToAddress("0x000000000000000000000000000000000000e003")

	SandboxWETHUSDC = common.HexToAddress("0x000000000000000000000000000000000000a001")
	SandboxWBTCUSDC = common.HexToAddress("0x000000000000000000000000000000000000a002")
)

// Outcome scripts what happens to the next submitted transaction.
type Outcome struct {
	// MineAfterPolls is the receipt poll on which the transaction is mined.
	// Zero means the first poll.
	MineAfterPolls int
	Revert         bool
	Reason         string
	// Withhold keeps the transaction pending forever.
	Withhold bool
}

// SeedPool names a pool the sandbox knows about.
type SeedPool struct {
	Address common.Address
	Kind    enum.PoolKind
}

type sandboxPool struct {
	meta     PoolMetadata
	reserve0 *big.Int
	reserve1 *big.Int
	// order book: price -> size
	bids map[string]RawLevel
	asks map[string]RawLevel
}

type sandboxOrder struct {
	id    int64
	pool  common.Address
	owner common.Address
	isBuy bool
	price *big.Int
	size  *big.Int
}

type sandboxTx struct {
	tx      *types.Transaction
	from    common.Address
	outcome Outcome
	polls   int
	receipt *Receipt
}

// Sandbox is a deterministic in-process chain. It executes the router and
// order book calls the adapter sends, so sandbox mode and tests exercise the
// same code paths as a real node.
type Sandbox struct {
	mu sync.Mutex

	chainID     *big.Int
	signer      types.Signer
	block       uint64
	gasPrice    *big.Int
	gasEstimate uint64
	now         func() time.Time

	tokens    map[common.Address]TokenInfo
	pools     map[common.Address]*sandboxPool
	poolOrder []common.Address
	balances  map[common.Address]map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	txs       map[common.Hash]*sandboxTx
	logs      []Log
	subs      map[*sandboxSub]struct{}
	outcomes  []Outcome
	faults    map[string][]error
	orders    map[int64]*sandboxOrder
	nextOrder int64
	connected bool
}

var _ Client = (*Sandbox)(nil)

func NewSandbox(chainID int64) *Sandbox {
	id := big.NewInt(chainID)
	return &Sandbox{
		chainID:     id,
		signer:      types.LatestSignerForChainID(id),
		block:       1,
		gasPrice:    big.NewInt(1_000_000_000),
		gasEstimate: sandboxGasEstimate,
		now:         time.Now,
		tokens:      make(map[common.Address]TokenInfo),
		pools:       make(map[common.Address]*sandboxPool),
		balances:    make(map[common.Address]map[common.Address]*big.Int),
		nonces:      make(map[common.Address]uint64),
		txs:         make(map[common.Hash]*sandboxTx),
		subs:        make(map[*sandboxSub]struct{}),
		faults:      make(map[string][]error),
		orders:      make(map[int64]*sandboxOrder),
		nextOrder:   1,
	}
}

// NewSeededSandbox holds a WETH-USDC constant product pool (fee 3000,
// 1000 WETH / 2,000,000 USDC) and a WBTC-USDC order book.
func NewSeededSandbox(chainID int64) *Sandbox {
	s := NewSandbox(chainID)
	s.AddToken(SandboxWETH, "WETH", 18)
	s.AddToken(SandboxUSDC, "USDC", 6)
	s.AddToken(SandboxWBTC, "WBTC", 8)
	s.AddPool(SandboxWETHUSDC, enum.PoolKindConstantProduct, SandboxWETH, SandboxUSDC, 3000,
		Units(1000, 18), Units(2_000_000, 6))
	s.AddPool(SandboxWBTCUSDC, enum.PoolKindOrderBook, SandboxWBTC, SandboxUSDC, 500, nil, nil)
	for i := int64(0); i < 5; i++ {
		s.setLevel(SandboxWBTCUSDC, true, Units(60_000-10*i, 6), Units(1, 7))
		s.setLevel(SandboxWBTCUSDC, false, Units(60_010+10*i, 6), Units(1, 7))
	}
	return s
}

// FundDefaults gives owner enough of every seeded token to trade.
func (s *Sandbox) FundDefaults(owner common.Address) {
	s.Fund(owner, common.Address{}, Units(100, 18))
	s.Fund(owner, SandboxWETH, Units(100, 18))
	s.Fund(owner, SandboxUSDC, Units(1_000_000, 6))
	s.Fund(owner, SandboxWBTC, Units(10, 8))
}

// Units returns n * 10^decimals.
func Units(n int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func (s *Sandbox) AddToken(addr common.Address, symbol string, decimals uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[addr] = TokenInfo{Address: addr, Symbol: symbol, Decimals: decimals}
}

// AddPool registers a pool. For order books token0 is the base token.
func (s *Sandbox) AddPool(addr common.Address, kind enum.PoolKind, token0, token1 common.Address, fee uint32, reserve0, reserve1 *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &sandboxPool{
		meta: PoolMetadata{
			Pool:   addr,
			Kind:   kind,
			Token0: s.tokens[token0],
			Token1: s.tokens[token1],
			Fee:    fee,
		},
		reserve0: cloneBig(reserve0),
		reserve1: cloneBig(reserve1),
		bids:     make(map[string]RawLevel),
		asks:     make(map[string]RawLevel),
	}
	if kind == enum.PoolKindConcentratedLiquidity {
		p.meta.TickSpacing = 60
	}
	if _, ok := s.pools[addr]; !ok {
		s.poolOrder = append(s.poolOrder, addr)
	}
	s.pools[addr] = p
}

// Pools lists registered pools in insertion order.
func (s *Sandbox) Pools() []SeedPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SeedPool, 0, len(s.poolOrder))
	for _, addr := range s.poolOrder {
		out = append(out, SeedPool{Address: addr, Kind: s.pools[addr].meta.Kind})
	}
	return out
}

func (s *Sandbox) Fund(owner, token common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(token, owner, amount)
}

// QueueOutcome scripts the next submitted transaction.
func (s *Sandbox) QueueOutcome(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
}

// InjectFault makes the next calls of op fail with errs in order. op is a
// method name, optionally suffixed with ":" and a pool address.
func (s *Sandbox) InjectFault(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

func (s *Sandbox) SetGasEstimate(gas uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gasEstimate = gas
}

// SetReserves mines a block that moves a pool's reserves and emits Sync.
func (s *Sandbox) SetReserves(pool common.Address, reserve0, reserve1 *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[pool]
	if !ok {
		return
	}
	s.block++
	p.reserve0, p.reserve1 = cloneBig(reserve0), cloneBig(reserve1)
	var logs []Log
	if p.meta.Kind == enum.PoolKindConstantProduct {
		logs = append(logs, s.syncLog(p, common.Hash{}, 0))
	}
	s.publish(logs)
}

// Swap mines a third party swap of amountIn token0 (zeroForOne) or token1.
func (s *Sandbox) Swap(pool common.Address, zeroForOne bool, amountIn *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[pool]
	if !ok || !p.meta.Kind.IsAMM() {
		return
	}
	s.block++
	txHash := common.BigToHash(new(big.Int).SetUint64(s.block << 32))
	logs, _ := s.swapPool(p, zeroForOne, amountIn, common.Address{}, txHash)
	s.publish(logs)
}

// SetBookLevel mines a block that sets a level size; zero deletes it.
func (s *Sandbox) SetBookLevel(pool common.Address, isBid bool, price, size *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[pool]; !ok {
		return
	}
	s.block++
	s.publish([]Log{s.setLevel(pool, isBid, price, size)})
}

// AdvanceBlock mines an empty block.
func (s *Sandbox) AdvanceBlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block++
}

func (s *Sandbox) fault(op, subject string) error {
	for _, key := range []string{op + ":" + subject, op} {
		queue := s.faults[key]
		if len(queue) == 0 {
			continue
		}
		err := queue[0]
		s.faults[key] = queue[1:]
		return err
	}
	return nil
}

func (s *Sandbox) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("Connect", ""); err != nil {
		return err
	}
	s.connected = true
	return nil
}

func (s *Sandbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	for sub := range s.subs {
		sub.stop()
	}
	clear(s.subs)
}

func (s *Sandbox) Status() enum.ConnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return enum.ConnStatusConnected
	}
	return enum.ConnStatusDisconnected
}

func (s *Sandbox) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

func (s *Sandbox) BlockNumber(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("BlockNumber", ""); err != nil {
		return 0, err
	}
	return s.block, nil
}

func (s *Sandbox) PoolMetadata(ctx context.Context, kind enum.PoolKind, pool common.Address) (PoolMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("PoolMetadata", pool.Hex()); err != nil {
		return PoolMetadata{}, err
	}
	p, ok := s.pools[pool]
	if !ok {
		return PoolMetadata{}, errs.WithKind(errs.KindMalformedResponse, errs.Wrap(exception.ErrChainEmptyResponse, pool.Hex()))
	}
	if p.meta.Kind != kind {
		return PoolMetadata{}, errs.Newf(errs.KindMalformedResponse, "pool %s is %s, not %s", pool.Hex(), p.meta.Kind, kind)
	}
	return p.meta, nil
}

func (s *Sandbox) DiscoverPools(ctx context.Context, factory common.Address, limit int) ([]common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DiscoverPools", ""); err != nil {
		return nil, err
	}
	out := make([]common.Address, 0, len(s.poolOrder))
	for _, addr := range s.poolOrder {
		if s.pools[addr].meta.Kind != enum.PoolKindConstantProduct {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, addr)
	}
	return out, nil
}

func (s *Sandbox) FetchPoolState(ctx context.Context, kind enum.PoolKind, pool common.Address) (PoolState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("FetchPoolState", pool.Hex()); err != nil {
		return PoolState{}, err
	}
	p, ok := s.pools[pool]
	if !ok {
		return PoolState{}, errs.WithKind(errs.KindMalformedResponse, errs.Wrap(exception.ErrChainUnknownPool, pool.Hex()))
	}

	state := PoolState{Pool: pool, Kind: p.meta.Kind, Block: s.block, TsEvent: s.now().UnixNano()}
	switch p.meta.Kind {
	case enum.PoolKindConstantProduct:
		state.Reserve0, state.Reserve1 = cloneBig(p.reserve0), cloneBig(p.reserve1)
	case enum.PoolKindConcentratedLiquidity:
		state.SqrtPriceX96, state.Liquidity, state.Tick = virtualSlot(p.reserve0, p.reserve1)
	case enum.PoolKindOrderBook:
		state.Bids = sortedLevels(p.bids, true, sandboxDefaultDepth)
		state.Asks = sortedLevels(p.asks, false, sandboxDefaultDepth)
	}
	return state, nil
}

// virtualSlot derives a concentrated liquidity slot from virtual reserves.
func virtualSlot(r0, r1 *big.Int) (*big.Int, *big.Int, int32) {
	if r0 == nil || r1 == nil || r0.Sign() <= 0 || r1.Sign() <= 0 {
		return new(big.Int), new(big.Int), 0
	}
	num := new(big.Int).Lsh(r1, 192)
	sqrtP := new(big.Int).Sqrt(num.Div(num, r0))
	liquidity := new(big.Int).Sqrt(new(big.Int).Mul(r0, r1))
	price, _ := new(big.Float).Quo(new(big.Float).SetInt(r1), new(big.Float).SetInt(r0)).Float64()
	tick := int32(math.Floor(math.Log(price) / math.Log(1.0001)))
	return sqrtP, liquidity, tick
}

func sortedLevels(levels map[string]RawLevel, desc bool, depth int) []RawLevel {
	out := make([]RawLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, RawLevel{Price: cloneBig(l.Price), Size: cloneBig(l.Size)})
	}
	slices.SortFunc(out, func(a, b RawLevel) int {
		if desc {
			return b.Price.Cmp(a.Price)
		}
		return a.Price.Cmp(b.Price)
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

func (s *Sandbox) FilterLogs(ctx context.Context, filter Filter) ([]Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("FilterLogs", ""); err != nil {
		return nil, err
	}
	var out []Log
	for _, l := range s.logs {
		if l.Block < filter.FromBlock || (filter.ToBlock > 0 && l.Block > filter.ToBlock) {
			continue
		}
		if matches(filter, l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func matches(f Filter, l Log) bool {
	if len(f.Addresses) > 0 && !slices.Contains(f.Addresses, l.Address) {
		return false
	}
	for i, want := range f.Topics {
		if len(want) == 0 {
			continue
		}
		if i >= len(l.Topics) || !slices.Contains(want, l.Topics[i]) {
			return false
		}
	}
	return true
}

type sandboxSub struct {
	filter Filter
	logs   chan Log
	errs   chan error
	once   sync.Once
	owner  *Sandbox
}

func (sub *sandboxSub) Logs() <-chan Log { return sub.logs }

func (sub *sandboxSub) Err() <-chan error { return sub.errs }

func (sub *sandboxSub) Unsubscribe() {
	sub.owner.mu.Lock()
	delete(sub.owner.subs, sub)
	sub.owner.mu.Unlock()
	sub.stop()
}

func (sub *sandboxSub) stop() {
	sub.once.Do(func() { close(sub.logs) })
}

func (s *Sandbox) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("Subscribe", ""); err != nil {
		return nil, err
	}
	sub := &sandboxSub{
		filter: filter,
		logs:   make(chan Log, sandboxSubBuffer),
		errs:   make(chan error, 1),
		owner:  s,
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// publish stores logs and fans them out. Caller holds s.mu.
func (s *Sandbox) publish(logs []Log) {
	s.logs = append(s.logs, logs...)
	for sub := range s.subs {
		for _, l := range logs {
			if !matches(sub.filter, l) {
				continue
			}
			select {
			case sub.logs <- l:
			default:
				select {
				case sub.errs <- errs.Newf(errs.KindTransientNetwork, "sandbox subscription overflow"):
				default:
				}
			}
		}
	}
}

func (s *Sandbox) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("EstimateGas", ""); err != nil {
		return 0, err
	}
	return s.gasEstimate, nil
}

func (s *Sandbox) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.gasPrice), nil
}

func (s *Sandbox) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[account], nil
}

func (s *Sandbox) SubmitTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SubmitTransaction", ""); err != nil {
		return common.Hash{}, err
	}
	hash := tx.Hash()
	if _, ok := s.txs[hash]; ok {
		return hash, nil
	}
	from, err := types.Sender(s.signer, tx)
	if err != nil {
		return common.Hash{}, errs.WithKind(errs.KindAuthentication, errs.Wrap(err, "recover sender"))
	}
	if tx.Nonce() != s.nonces[from] {
		return common.Hash{}, errs.Newf(errs.KindTransactionReverted, "nonce too low: have %d, want %d", tx.Nonce(), s.nonces[from])
	}
	s.nonces[from]++

	var outcome Outcome
	if len(s.outcomes) > 0 {
		outcome, s.outcomes = s.outcomes[0], s.outcomes[1:]
	}
	s.txs[hash] = &sandboxTx{tx: tx, from: from, outcome: outcome}
	return hash, nil
}

func (s *Sandbox) GetReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetReceipt", ""); err != nil {
		return Receipt{}, err
	}
	pending := Receipt{TxHash: hash, Status: enum.ReceiptStatusPending}
	t, ok := s.txs[hash]
	if !ok {
		return pending, nil
	}
	if t.receipt != nil {
		return *t.receipt, nil
	}
	t.polls++
	if t.outcome.Withhold || t.polls < max(t.outcome.MineAfterPolls, 1) {
		return pending, nil
	}
	s.mine(t)
	return *t.receipt, nil
}

// mine executes t in a new block. Caller holds s.mu.
func (s *Sandbox) mine(t *sandboxTx) {
	s.block++
	hash := t.tx.Hash()
	receipt := &Receipt{
		TxHash:            hash,
		Status:            enum.ReceiptStatusSuccess,
		GasUsed:           sandboxGasUsed,
		EffectiveGasPrice: new(big.Int).Set(s.gasPrice),
		Block:             s.block,
	}
	s.debit(common.Address{}, t.from, receipt.GasCost())

	var (
		logs   []Log
		reason string
	)
	if t.outcome.Revert {
		reason = t.outcome.Reason
		if reason == "" {
			reason = "execution reverted"
		}
	} else {
		logs, reason = s.execute(t.from, t.tx, hash)
	}
	if reason != "" {
		receipt.Status = enum.ReceiptStatusReverted
		receipt.RevertReason = reason
	} else {
		receipt.Logs = logs
		s.publish(logs)
	}
	t.receipt = receipt
}

// execute runs calldata and returns the emitted logs or a revert reason.
func (s *Sandbox) execute(from common.Address, tx *types.Transaction, hash common.Hash) ([]Log, string) {
	to := tx.To()
	if to == nil || len(tx.Data()) < 4 {
		return nil, ""
	}
	switch {
	case *to == SandboxRouter:
		method, err := routerABI.MethodById(tx.Data()[:4])
		if err != nil || method.Name != "swapExactTokensForTokens" {
			return nil, "unknown router method"
		}
		args, err := method.Inputs.Unpack(tx.Data()[4:])
		if err != nil || len(args) != 5 {
			return nil, "bad router calldata"
		}
		amountIn, _ := args[0].(*big.Int)
		minOut, _ := args[1].(*big.Int)
		path, _ := args[2].([]common.Address)
		if amountIn == nil || minOut == nil || len(path) != 2 {
			return nil, "bad router calldata"
		}
		return s.routerSwap(from, path[0], path[1], amountIn, minOut, hash)
	case *to == SandboxCLRouter:
		method, err := clRouterABI.MethodById(tx.Data()[:4])
		if err != nil || method.Name != "exactInputSingle" {
			return nil, "unknown router method"
		}
		args, err := method.Inputs.Unpack(tx.Data()[4:])
		if err != nil || len(args) != 1 {
			return nil, "bad router calldata"
		}
		params, ok := abiConvert[ExactInputSingleParams](args[0])
		if !ok {
			return nil, "bad router calldata"
		}
		return s.routerSwap(from, params.TokenIn, params.TokenOut, params.AmountIn, params.AmountOutMinimum, hash)
	default:
		p, ok := s.pools[*to]
		if !ok || p.meta.Kind != enum.PoolKindOrderBook {
			return nil, ""
		}
		return s.bookCall(from, p, tx.Data(), hash)
	}
}

func (s *Sandbox) routerSwap(from, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int, hash common.Hash) ([]Log, string) {
	var pool *sandboxPool
	var zeroForOne bool
	for _, addr := range s.poolOrder {
		p := s.pools[addr]
		if !p.meta.Kind.IsAMM() {
			continue
		}
		if p.meta.Token0.Address == tokenIn && p.meta.Token1.Address == tokenOut {
			pool, zeroForOne = p, true
			break
		}
		if p.meta.Token1.Address == tokenIn && p.meta.Token0.Address == tokenOut {
			pool, zeroForOne = p, false
			break
		}
	}
	if pool == nil {
		return nil, "NO_POOL"
	}
	if s.balanceOf(tokenIn, from).Cmp(amountIn) < 0 {
		return nil, "TRANSFER_FROM_FAILED"
	}
	reserveIn, reserveOut := pool.reserve0, pool.reserve1
	if !zeroForOne {
		reserveIn, reserveOut = pool.reserve1, pool.reserve0
	}
	out := amountOut(amountIn, reserveIn, reserveOut, pool.meta.Fee)
	if out.Cmp(minOut) < 0 {
		return nil, "INSUFFICIENT_OUTPUT_AMOUNT"
	}
	s.debit(tokenIn, from, amountIn)
	s.credit(tokenOut, from, out)
	logs, _ := s.swapPool(pool, zeroForOne, amountIn, from, hash)
	return logs, ""
}

// amountOut is the constant product output with the fee taken from the input.
func amountOut(amountIn, reserveIn, reserveOut *big.Int, fee uint32) *big.Int {
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(feeDenominator-fee)))
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Add(new(big.Int).Mul(reserveIn, big.NewInt(feeDenominator)), inWithFee)
	return num.Div(num, den)
}

// swapPool moves reserves and returns the pool's logs. Caller holds s.mu.
func (s *Sandbox) swapPool(p *sandboxPool, zeroForOne bool, amountIn *big.Int, sender common.Address, hash common.Hash) ([]Log, *big.Int) {
	reserveIn, reserveOut := p.reserve0, p.reserve1
	if !zeroForOne {
		reserveIn, reserveOut = p.reserve1, p.reserve0
	}
	out := amountOut(amountIn, reserveIn, reserveOut, p.meta.Fee)
	reserveIn.Add(reserveIn, amountIn)
	reserveOut.Sub(reserveOut, out)

	zero := new(big.Int)
	var logs []Log
	switch p.meta.Kind {
	case enum.PoolKindConstantProduct:
		a0in, a1in, a0out, a1out := amountIn, zero, zero, out
		if !zeroForOne {
			a0in, a1in, a0out, a1out = zero, amountIn, out, zero
		}
		data, _ := pairABI.Events["Swap"].Inputs.NonIndexed().Pack(a0in, a1in, a0out, a1out)
		logs = append(logs, Log{
			Address: p.meta.Pool,
			Topics:  []common.Hash{TopicV2Swap, addressTopic(sender), addressTopic(sender)},
			Data:    data,
			Block:   s.block,
			TxHash:  hash,
		})
		logs = append(logs, s.syncLog(p, hash, 1))
	case enum.PoolKindConcentratedLiquidity:
		amount0, amount1 := new(big.Int).Set(amountIn), new(big.Int).Neg(out)
		if !zeroForOne {
			amount0, amount1 = new(big.Int).Neg(out), new(big.Int).Set(amountIn)
		}
		sqrtP, liquidity, tick := virtualSlot(p.reserve0, p.reserve1)
		data, _ := clPoolABI.Events["Swap"].Inputs.NonIndexed().Pack(amount0, amount1, sqrtP, liquidity, big.NewInt(int64(tick)))
		logs = append(logs, Log{
			Address: p.meta.Pool,
			Topics:  []common.Hash{TopicV3Swap, addressTopic(sender), addressTopic(sender)},
			Data:    data,
			Block:   s.block,
			TxHash:  hash,
		})
	}
	return logs, out
}

func (s *Sandbox) syncLog(p *sandboxPool, hash common.Hash, index uint) Log {
	data, _ := pairABI.Events["Sync"].Inputs.NonIndexed().Pack(p.reserve0, p.reserve1)
	return Log{
		Address: p.meta.Pool,
		Topics:  []common.Hash{TopicV2Sync},
		Data:    data,
		Block:   s.block,
		Index:   index,
		TxHash:  hash,
	}
}

// setLevel changes a book level and returns its LevelUpdated log. Caller holds s.mu.
func (s *Sandbox) setLevel(pool common.Address, isBid bool, price, size *big.Int) Log {
	p := s.pools[pool]
	side := p.asks
	if isBid {
		side = p.bids
	}
	key := price.String()
	if size.Sign() == 0 {
		delete(side, key)
	} else {
		side[key] = RawLevel{Price: cloneBig(price), Size: cloneBig(size)}
	}
	data, _ := clobABI.Events["LevelUpdated"].Inputs.NonIndexed().Pack(isBid, price, size)
	return Log{
		Address: pool,
		Topics:  []common.Hash{TopicLevelUpdated},
		Data:    data,
		Block:   s.block,
	}
}

func (s *Sandbox) bookCall(from common.Address, p *sandboxPool, data []byte, hash common.Hash) ([]Log, string) {
	method, err := clobABI.MethodById(data[:4])
	if err != nil {
		return nil, "unknown book method"
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, "bad book calldata"
	}

	var logs []Log
	switch method.Name {
	case "placeOrder":
		isBuy, _ := args[0].(bool)
		price, _ := args[1].(*big.Int)
		size, _ := args[2].(*big.Int)
		if price == nil || size == nil || size.Sign() <= 0 {
			return nil, "bad order"
		}
		id := s.nextOrder
		s.nextOrder++
		placedData, _ := clobABI.Events["OrderPlaced"].Inputs.NonIndexed().Pack(isBuy, price, size)
		logs = append(logs, Log{
			Address: p.meta.Pool,
			Topics:  []common.Hash{TopicOrderPlaced, common.BigToHash(big.NewInt(id)), addressTopic(from)},
			Data:    placedData,
		})

		remaining := new(big.Int).Set(size)
		opposite := sortedLevels(p.asks, false, 0)
		if !isBuy {
			opposite = sortedLevels(p.bids, true, 0)
		}
		for _, lvl := range opposite {
			if remaining.Sign() == 0 {
				break
			}
			if isBuy && lvl.Price.Cmp(price) > 0 || !isBuy && lvl.Price.Cmp(price) < 0 {
				break
			}
			fill := bigMin(remaining, lvl.Size)
			remaining.Sub(remaining, fill)
			s.settleBookFill(p, from, isBuy, lvl.Price, fill)
			tradeData, _ := clobABI.Events["Trade"].Inputs.NonIndexed().Pack(isBuy, lvl.Price, fill)
			logs = append(logs, Log{
				Address: p.meta.Pool,
				Topics:  []common.Hash{TopicBookTrade, addressTopic(from), common.BigToHash(big.NewInt(id))},
				Data:    tradeData,
			})
			logs = append(logs, s.setLevel(p.meta.Pool, !isBuy, lvl.Price, new(big.Int).Sub(lvl.Size, fill)))
		}
		if remaining.Sign() > 0 {
			side := p.asks
			if isBuy {
				side = p.bids
			}
			resting := new(big.Int).Set(remaining)
			if cur, ok := side[price.String()]; ok {
				resting.Add(resting, cur.Size)
			}
			logs = append(logs, s.setLevel(p.meta.Pool, isBuy, price, resting))
			s.orders[id] = &sandboxOrder{id: id, pool: p.meta.Pool, owner: from, isBuy: isBuy, price: cloneBig(price), size: remaining}
		}
	case "cancelOrder":
		orderID, _ := args[0].(*big.Int)
		if orderID == nil {
			return nil, "bad order id"
		}
		o, ok := s.orders[orderID.Int64()]
		if !ok || o.owner != from || o.pool != p.meta.Pool {
			return nil, "NOT_CANCELABLE"
		}
		delete(s.orders, o.id)
		side := p.asks
		if o.isBuy {
			side = p.bids
		}
		left := new(big.Int)
		if cur, ok := side[o.price.String()]; ok {
			left.Sub(cur.Size, o.size)
			if left.Sign() < 0 {
				left.SetInt64(0)
			}
		}
		logs = append(logs, s.setLevel(p.meta.Pool, o.isBuy, o.price, left))
		logs = append(logs, Log{
			Address: p.meta.Pool,
			Topics:  []common.Hash{TopicOrderCanceled, common.BigToHash(orderID), addressTopic(from)},
		})
	default:
		return nil, "unknown book method"
	}

	for i := range logs {
		logs[i].Block = s.block
		logs[i].Index = uint(i)
		logs[i].TxHash = hash
	}
	return logs, ""
}

// settleBookFill moves balances for a taker fill. Price is quote raw per whole base.
func (s *Sandbox) settleBookFill(p *sandboxPool, taker common.Address, isBuy bool, price, size *big.Int) {
	base, quote := p.meta.Token0, p.meta.Token1
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(base.Decimals)), nil)
	notional := new(big.Int).Mul(price, size)
	notional.Div(notional, scale)
	if isBuy {
		s.debit(quote.Address, taker, notional)
		s.credit(base.Address, taker, size)
		return
	}
	s.debit(base.Address, taker, size)
	s.credit(quote.Address, taker, notional)
}

func (s *Sandbox) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("NativeBalance", ""); err != nil {
		return nil, err
	}
	return s.balanceOf(common.Address{}, account), nil
}

func (s *Sandbox) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("TokenBalance", ""); err != nil {
		return nil, err
	}
	return s.balanceOf(token, owner), nil
}

func (s *Sandbox) balanceOf(token, owner common.Address) *big.Int {
	if bal, ok := s.balances[token][owner]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (s *Sandbox) credit(token, owner common.Address, amount *big.Int) {
	if s.balances[token] == nil {
		s.balances[token] = make(map[common.Address]*big.Int)
	}
	cur := s.balanceOf(token, owner)
	s.balances[token][owner] = cur.Add(cur, amount)
}

func (s *Sandbox) debit(token, owner common.Address, amount *big.Int) {
	s.credit(token, owner, new(big.Int).Neg(amount))
}

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func cloneBig(b *big.Int) *big.Int {
	if b == nil {
		return nil
	}
	return new(big.Int).Set(b)
}

func bigMin(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// abiConvert turns an unpacked anonymous tuple struct into T.
func abiConvert[T any](v any) (out T, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	converted, ok := abi.ConvertType(v, new(T)).(*T)
	if !ok || converted == nil {
		return out, false
	}
	return *converted, true
}
