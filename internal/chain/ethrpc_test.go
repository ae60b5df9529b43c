package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/obs"
	"dexadapter/pkg/exception"
	"dexadapter/pkg/retry"
)

const (
	httpURL = "https://node.test"
	wsURL   = "wss://node.test/ws"
)

type fakeBackend struct {
	chainID  int64
	head     uint64
	call     func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	send     error
	receipt  *types.Receipt
	receiptE error
	tx       *types.Transaction
	stream   []types.Log

	mu      sync.Mutex
	closed  bool
	callsAt []*big.Int
	subs    []*fakeSub
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(f.chainID), nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.callsAt = append(f.callsAt, block)
	f.mu.Unlock()
	if f.call == nil {
		return nil, nil
	}
	return f.call(msg, block)
}

func (f *fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	for _, l := range f.stream {
		ch <- l
	}
	sub := &fakeSub{errs: make(chan error, 1)}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return sub, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21_000, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }

func (f *fakeBackend) SendTransaction(context.Context, *types.Transaction) error { return f.send }

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptE
}

func (f *fakeBackend) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	if f.tx == nil {
		return nil, false, ethereum.NotFound
	}
	return f.tx, false, nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeBackend) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSub struct {
	errs chan error
	once sync.Once
	gone bool
}

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() {
		s.gone = true
		close(s.errs)
	})
}

func (s *fakeSub) Err() <-chan error { return s.errs }

// revertData is what a node returns for require(false, reason).
type revertData struct {
	reason string
}

func (e revertData) Error() string { return "execution reverted: " + e.reason }

func (e revertData) ErrorData() interface{} {
	typ, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: typ}}.Pack(e.reason)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return "0x" + common.Bytes2Hex(append(selector, packed...))
}

func newTestRPC(t *testing.T, opt RPCOption, nodes map[string]*fakeBackend) *RPCClient {
	t.Helper()
	opt.URL = httpURL
	opt.Guard = GuardConfig{
		CallTimeout: time.Second,
		Retry: retry.Policy{
			Backoff:     retry.Backoff{Min: time.Millisecond, Max: time.Millisecond, Factor: 1},
			MaxAttempts: 2,
		},
		Breaker: BreakerConfig{FailureThreshold: 10, Cooldown: time.Hour},
	}
	c := NewRPCClient(opt, obs.NewMetrics())
	c.dial = func(_ context.Context, url string) (backend, error) {
		b, ok := nodes[url]
		if !ok {
			return nil, errors.New("dial " + url + ": connection refused")
		}
		return b, nil
	}
	t.Cleanup(c.Close)
	return c
}

func TestRPCConnectChainIDMismatch(t *testing.T) {
	node := &fakeBackend{chainID: 5}
	c := newTestRPC(t, RPCOption{ChainID: 1}, map[string]*fakeBackend{httpURL: node})

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfiguration))
	assert.True(t, node.isClosed())
	assert.Equal(t, enum.ConnStatusDisconnected, c.Status())

	_, err = c.BlockNumber(t.Context())
	require.ErrorIs(t, err, exception.ErrChainNotConnected)
}

func TestRPCSubscribeWithoutWebSocket(t *testing.T) {
	node := &fakeBackend{chainID: 1}
	c := newTestRPC(t, RPCOption{ChainID: 1, WSURL: wsURL}, map[string]*fakeBackend{httpURL: node})

	// the ws dial fails, which leaves the client on polling
	require.NoError(t, c.Connect(t.Context()))
	assert.Equal(t, enum.ConnStatusConnected, c.Status())

	_, err := c.Subscribe(t.Context(), Filter{})
	require.ErrorIs(t, err, exception.ErrChainSubscriptionUnsupport)
}

func TestRPCSubscribeForwardsLogs(t *testing.T) {
	pool := common.HexToAddress("0xa001")
	ws := &fakeBackend{chainID: 1, stream: []types.Log{
		{Address: pool, BlockNumber: 7, Index: 1},
		{Address: pool, BlockNumber: 7, Index: 2},
	}}
	nodes := map[string]*fakeBackend{httpURL: {chainID: 1}, wsURL: ws}
	c := newTestRPC(t, RPCOption{WSURL: wsURL}, nodes)
	require.NoError(t, c.Connect(t.Context()))

	sub, err := c.Subscribe(t.Context(), Filter{Addresses: []common.Address{pool}})
	require.NoError(t, err)
	for _, want := range []uint{1, 2} {
		select {
		case l := <-sub.Logs():
			assert.Equal(t, pool, l.Address)
			assert.Equal(t, uint64(7), l.Block)
			assert.Equal(t, want, l.Index)
		case <-time.After(time.Second):
			t.Fatal("log not forwarded")
		}
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Len(t, ws.subs, 1)
	assert.True(t, ws.subs[0].gone)
	select {
	case _, open := <-sub.Logs():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
}

func TestRPCGetReceipt(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	router := common.HexToAddress("0x5001")
	signed, err := types.SignTx(
		types.NewTx(&types.LegacyTx{Nonce: 3, To: &router, Gas: 200_000, GasPrice: big.NewInt(1e9), Data: []byte{0x01}}),
		types.LatestSignerForChainID(big.NewInt(1)), key)
	require.NoError(t, err)

	testCases := []struct {
		desc     string
		node     *fakeBackend
		assertFn func(t *testing.T, node *fakeBackend, r Receipt, err error)
	}{
		{
			desc: "not mined yet",
			node: &fakeBackend{chainID: 1, receiptE: ethereum.NotFound},
			assertFn: func(t *testing.T, _ *fakeBackend, r Receipt, err error) {
				require.NoError(t, err)
				assert.Equal(t, enum.ReceiptStatusPending, r.Status)
				assert.Equal(t, signed.Hash(), r.TxHash)
			},
		},
		{
			desc: "success",
			node: &fakeBackend{chainID: 1, receipt: &types.Receipt{
				Status:      types.ReceiptStatusSuccessful,
				GasUsed:     90_000,
				BlockNumber: big.NewInt(10),
				Logs:        []*types.Log{{BlockNumber: 10, Index: 4}, nil},
			}},
			assertFn: func(t *testing.T, _ *fakeBackend, r Receipt, err error) {
				require.NoError(t, err)
				assert.Equal(t, enum.ReceiptStatusSuccess, r.Status)
				assert.Equal(t, uint64(10), r.Block)
				assert.Equal(t, uint64(90_000), r.GasUsed)
				require.Len(t, r.Logs, 1)
				assert.Equal(t, uint(4), r.Logs[0].Index)
			},
		},
		{
			desc: "reverted with reason",
			node: &fakeBackend{
				chainID: 1,
				receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(10)},
				tx:      signed,
				call: func(ethereum.CallMsg, *big.Int) ([]byte, error) {
					return nil, revertData{reason: "INSUFFICIENT_OUTPUT_AMOUNT"}
				},
			},
			assertFn: func(t *testing.T, node *fakeBackend, r Receipt, err error) {
				require.NoError(t, err)
				assert.Equal(t, enum.ReceiptStatusReverted, r.Status)
				assert.Equal(t, "INSUFFICIENT_OUTPUT_AMOUNT", r.RevertReason)
				// replayed on the state the transaction saw
				require.Len(t, node.callsAt, 1)
				assert.Equal(t, int64(9), node.callsAt[0].Int64())
			},
		},
		{
			desc: "reverted without replay",
			node: &fakeBackend{chainID: 1, receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(10)}},
			assertFn: func(t *testing.T, _ *fakeBackend, r Receipt, err error) {
				require.NoError(t, err)
				assert.Equal(t, enum.ReceiptStatusReverted, r.Status)
				assert.Equal(t, "execution reverted", r.RevertReason)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			c := newTestRPC(t, RPCOption{ChainID: 1}, map[string]*fakeBackend{httpURL: tc.node})
			require.NoError(t, c.Connect(t.Context()))
			r, err := c.GetReceipt(t.Context(), signed.Hash())
			tc.assertFn(t, tc.node, r, err)
		})
	}
}

func TestRPCSubmitTransaction(t *testing.T) {
	to := common.HexToAddress("0x5001")
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, To: &to, Gas: 21_000, GasPrice: big.NewInt(1)})

	testCases := []struct {
		desc    string
		sendErr error
		wantErr bool
	}{
		{desc: "accepted"},
		{desc: "resend is already known", sendErr: errors.New("already known")},
		{desc: "resend is a known transaction", sendErr: errors.New("Known transaction: 0xabc")},
		{desc: "rejected", sendErr: errors.New("nonce too low"), wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			node := &fakeBackend{chainID: 1, send: tc.sendErr}
			c := newTestRPC(t, RPCOption{}, map[string]*fakeBackend{httpURL: node})
			require.NoError(t, c.Connect(t.Context()))

			hash, err := c.SubmitTransaction(t.Context(), tx)
			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, common.Hash{}, hash)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tx.Hash(), hash)
		})
	}
}

func TestRPCFetchPoolStatePinsBlock(t *testing.T) {
	out, err := pairABI.Methods["getReserves"].Outputs.Pack(big.NewInt(1000), big.NewInt(2_000_000), uint32(0))
	require.NoError(t, err)
	node := &fakeBackend{chainID: 1, head: 42, call: func(ethereum.CallMsg, *big.Int) ([]byte, error) {
		return out, nil
	}}
	c := newTestRPC(t, RPCOption{}, map[string]*fakeBackend{httpURL: node})
	require.NoError(t, c.Connect(t.Context()))

	state, err := c.FetchPoolState(t.Context(), enum.PoolKindConstantProduct, common.HexToAddress("0xa001"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), state.Block)
	assert.Equal(t, int64(1000), state.Reserve0.Int64())
	assert.Equal(t, int64(2_000_000), state.Reserve1.Int64())
	require.Len(t, node.callsAt, 1)
	assert.Equal(t, int64(42), node.callsAt[0].Int64())

	node.call = func(ethereum.CallMsg, *big.Int) ([]byte, error) { return nil, nil }
	_, err = c.FetchPoolState(t.Context(), enum.PoolKindConstantProduct, common.HexToAddress("0xa001"))
	require.ErrorIs(t, err, exception.ErrChainEmptyResponse)
	assert.True(t, errs.IsKind(err, errs.KindMalformedResponse))
}

func TestZipLevels(t *testing.T) {
	prices := []*big.Int{big.NewInt(100), big.NewInt(99)}
	sizes := []*big.Int{big.NewInt(1), big.NewInt(2)}

	levels, err := zipLevels(prices, sizes)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, int64(99), levels[1].Price.Int64())
	assert.Equal(t, int64(2), levels[1].Size.Int64())

	testCases := []struct {
		desc          string
		prices, sizes any
	}{
		{desc: "length mismatch", prices: prices, sizes: sizes[:1]},
		{desc: "prices type", prices: []uint64{100}, sizes: sizes},
		{desc: "sizes type", prices: prices, sizes: "nope"},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := zipLevels(tc.prices, tc.sizes)
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindMalformedResponse))
		})
	}
}
