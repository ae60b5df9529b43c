package marketdata

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"dexadapter/internal/chain"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/obs"
	"dexadapter/internal/pricing"
	"dexadapter/internal/registry"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func loadSandbox(t *testing.T) (*chain.Sandbox, *registry.Snapshot) {
	t.Helper()
	sb := chain.NewSeededSandbox(1)
	reg := registry.New(sb, registry.Option{Venue: "DEX", Sources: []registry.Source{
		{Pool: chain.SandboxWETHUSDC, Kind: enum.PoolKindConstantProduct},
		{Pool: chain.SandboxWBTCUSDC, Kind: enum.PoolKindOrderBook},
	}})
	snap, err := reg.LoadAll(t.Context())
	require.NoError(t, err)
	return sb, snap
}

func TestNormalizeConstantProduct(t *testing.T) {
	sb, snap := loadSandbox(t)
	inst, ok := snap.ByPool(chain.SandboxWETHUSDC)
	require.True(t, ok)

	raw, err := sb.FetchPoolState(t.Context(), inst.Kind, inst.Pool)
	require.NoError(t, err)
	state, err := Normalize(inst, raw)
	require.NoError(t, err)
	assert.True(t, state.ReserveBase.Equal(d("1000")))
	assert.True(t, state.ReserveQuote.Equal(d("2000000")))

	q, err := Quote(inst, state, 0)
	require.NoError(t, err)
	assert.Equal(t, "1994", q.Bid.String())
	assert.Equal(t, "2006", q.Ask.String())
	assert.True(t, q.BidSize.Equal(d("1000")))
}

func TestNormalizeFlipsBase(t *testing.T) {
	inst := model.Instrument{
		ID:           model.NewInstrumentID("WETH", "USDC", "DEX"),
		Kind:         enum.PoolKindConstantProduct,
		Base:         model.Currency{Symbol: "WETH", Decimals: 18},
		Quote:        model.Currency{Symbol: "USDC", Decimals: 6},
		BaseIsToken0: false,
	}
	state, err := Normalize(inst, chain.PoolState{
		Kind:     enum.PoolKindConstantProduct,
		Reserve0: chain.Units(2_000_000, 6),
		Reserve1: chain.Units(1000, 18),
	})
	require.NoError(t, err)
	assert.True(t, state.ReserveBase.Equal(d("1000")))
	assert.True(t, state.ReserveQuote.Equal(d("2000000")))

	_, err = Normalize(inst, chain.PoolState{Kind: enum.PoolKindOrderBook})
	assert.Error(t, err)
}

func TestNormalizeConcentrated(t *testing.T) {
	inst := model.Instrument{
		ID:           model.NewInstrumentID("A", "B", "DEX"),
		Kind:         enum.PoolKindConcentratedLiquidity,
		Base:         model.Currency{Symbol: "A"},
		Quote:        model.Currency{Symbol: "B"},
		BaseIsToken0: true,
	}
	state, err := Normalize(inst, chain.PoolState{
		Kind:         enum.PoolKindConcentratedLiquidity,
		Liquidity:    big.NewInt(1000),
		SqrtPriceX96: new(big.Int).Lsh(big.NewInt(2), 96),
	})
	require.NoError(t, err)
	assert.True(t, state.ReserveBase.Equal(d("500")))
	assert.True(t, state.ReserveQuote.Equal(d("2000")))
	mid, err := pricing.MidPrice(state.ReserveBase, state.ReserveQuote)
	require.NoError(t, err)
	assert.True(t, mid.Equal(d("4")))
}

func TestNormalizeOrdersBookBestFirst(t *testing.T) {
	inst := model.Instrument{
		ID:    model.NewInstrumentID("WBTC", "USDC", "DEX"),
		Kind:  enum.PoolKindOrderBook,
		Base:  model.Currency{Symbol: "WBTC", Decimals: 8},
		Quote: model.Currency{Symbol: "USDC", Decimals: 6},
	}
	level := func(price, size int64) chain.RawLevel {
		return chain.RawLevel{Price: chain.Units(price, 6), Size: chain.Units(size, 7)}
	}
	state, err := Normalize(inst, chain.PoolState{
		Kind: enum.PoolKindOrderBook,
		Bids: []chain.RawLevel{level(59_980, 1), level(60_000, 1), {Price: chain.Units(59_000, 6), Size: big.NewInt(0)}, level(59_990, 2)},
		Asks: []chain.RawLevel{level(60_030, 1), level(60_010, 3), level(60_020, 1)},
	})
	require.NoError(t, err)

	var bids, asks []string
	for _, l := range state.Bids() {
		bids = append(bids, l.Price.String())
	}
	for _, l := range state.Asks() {
		asks = append(asks, l.Price.String())
	}
	assert.Equal(t, []string{"60000", "59990", "59980"}, bids)
	assert.Equal(t, []string{"60010", "60020", "60030"}, asks)
	assert.True(t, state.Asks()[0].Size.Equal(d("0.3")))

	q, err := Quote(inst, state, 0)
	require.NoError(t, err)
	assert.Equal(t, "60000", q.Bid.String())
	assert.Equal(t, "60010", q.Ask.String())
}

func TestOnStateDedupAndStale(t *testing.T) {
	sb, snap := loadSandbox(t)
	inst, _ := snap.ByPool(chain.SandboxWETHUSDC)
	metrics := obs.NewMetrics()
	syn := NewSynthesizer(pricing.BookConfig{Levels: 3, StepFraction: d("0.01")}, metrics)

	raw, err := sb.FetchPoolState(t.Context(), inst.Kind, inst.Pool)
	require.NoError(t, err)
	state, err := Normalize(inst, raw)
	require.NoError(t, err)

	up, ok, err := syn.OnState(inst, state)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, up.Quote)
	require.NotNil(t, up.Book)

	book := up.Book.Deltas
	require.Len(t, book, 7)
	assert.Equal(t, enum.BookActionClear, book[0].Action)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, enum.OrderSideBuy, book[i].Side)
		assert.Equal(t, enum.OrderSideSell, book[i+3].Side)
	}
	assert.True(t, book[1].Price.GreaterThan(book[2].Price))
	assert.True(t, book[4].Price.LessThan(book[5].Price))

	sb.AdvanceBlock()
	again, err := sb.FetchPoolState(t.Context(), inst.Kind, inst.Pool)
	require.NoError(t, err)
	replay, err := Normalize(inst, again)
	require.NoError(t, err)
	_, ok, err = syn.OnState(inst, replay)
	require.NoError(t, err)
	assert.False(t, ok)

	older := state
	older.Block = 0
	older.ReserveBase = d("999")
	_, ok, err = syn.OnState(inst, older)
	require.NoError(t, err)
	assert.False(t, ok)

	snapM := metrics.Snapshot()
	assert.Equal(t, uint64(1), snapM.DedupSuppressed)
	assert.Equal(t, uint64(1), snapM.StaleDropped)
}

func TestOnStateIdempotent(t *testing.T) {
	inst := model.Instrument{
		ID:             model.NewInstrumentID("A", "B", "DEX"),
		Kind:           enum.PoolKindConstantProduct,
		FeeTier:        3000,
		PricePrecision: 6,
		SizePrecision:  8,
	}
	rapid.Check(t, func(t *rapid.T) {
		syn := NewSynthesizer(pricing.DefaultBookConfig(), nil)
		state := model.PoolState{
			InstrumentID: inst.ID,
			Kind:         inst.Kind,
			ReserveBase:  decimal.NewFromInt(rapid.Int64Range(1, 1<<40).Draw(t, "rb")),
			ReserveQuote: decimal.NewFromInt(rapid.Int64Range(1, 1<<40).Draw(t, "rq")),
			Block:        rapid.Uint64Range(1, 1<<30).Draw(t, "block"),
		}
		emitted := 0
		for range 2 {
			up, ok, err := syn.OnState(inst, state)
			if err != nil {
				t.Fatalf("on state: %v", err)
			}
			if ok && up.Quote != nil {
				emitted++
			}
		}
		if emitted != 1 {
			t.Fatalf("emitted %d quotes for a replayed state", emitted)
		}
	})
}

func TestOrderBookQuote(t *testing.T) {
	sb, snap := loadSandbox(t)
	inst, ok := snap.ByPool(chain.SandboxWBTCUSDC)
	require.True(t, ok)

	raw, err := sb.FetchPoolState(t.Context(), inst.Kind, inst.Pool)
	require.NoError(t, err)
	state, err := Normalize(inst, raw)
	require.NoError(t, err)

	q, err := Quote(inst, state, 0)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.True(t, q.Bid.Equal(d("60000")))
	assert.True(t, q.Ask.Equal(d("60010")))
	assert.True(t, q.BidSize.Equal(d("0.1")))

	empty, err := Quote(inst, model.NewBookState(inst.ID, nil, state.Asks(), 1, 0), 0)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestOnLogSwapAndSync(t *testing.T) {
	sb, snap := loadSandbox(t)
	inst, _ := snap.ByPool(chain.SandboxWETHUSDC)
	syn := NewSynthesizer(pricing.DefaultBookConfig(), nil)

	sb.Swap(chain.SandboxWETHUSDC, true, chain.Units(1, 18))
	logs, err := sb.FilterLogs(t.Context(), chain.Filter{Addresses: []common.Address{inst.Pool}})
	require.NoError(t, err)
	require.Len(t, logs, 2)

	up, ok, err := syn.OnLog(inst, logs[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, up.Trade)
	assert.Equal(t, enum.OrderSideSell, up.Trade.Aggressor)
	assert.True(t, up.Trade.Size.Equal(d("1")))
	assert.True(t, up.Trade.Price.LessThan(d("2000")))
	assert.Equal(t, logs[0].TxHash.Hex()+"-0", up.Trade.TradeID)

	up, ok, err = syn.OnLog(inst, logs[1])
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, up.State)
	assert.True(t, up.State.ReserveBase.Equal(d("1001")))

	_, ok, err = syn.OnLog(inst, logs[0])
	require.NoError(t, err)
	assert.False(t, ok, "replayed log is stale")
}

func TestOnLogLevelUpdated(t *testing.T) {
	sb, snap := loadSandbox(t)
	inst, _ := snap.ByPool(chain.SandboxWBTCUSDC)
	syn := NewSynthesizer(pricing.DefaultBookConfig(), nil)

	sb.SetBookLevel(chain.SandboxWBTCUSDC, true, chain.Units(60_000, 6), big.NewInt(0))
	sb.SetBookLevel(chain.SandboxWBTCUSDC, false, chain.Units(60_005, 6), chain.Units(2, 7))
	logs, err := sb.FilterLogs(t.Context(), chain.Filter{Addresses: []common.Address{inst.Pool}})
	require.NoError(t, err)
	require.Len(t, logs, 2)

	up, ok, err := syn.OnLog(inst, logs[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, up.Deltas.Deltas, 1)
	assert.Equal(t, enum.BookActionDelete, up.Deltas.Deltas[0].Action)
	assert.Equal(t, enum.OrderSideBuy, up.Deltas.Deltas[0].Side)

	up, ok, err = syn.OnLog(inst, logs[1])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, enum.BookActionUpdate, up.Deltas.Deltas[0].Action)
	assert.True(t, up.Deltas.Deltas[0].Price.Equal(d("60005")))
	assert.True(t, up.Deltas.Deltas[0].Size.Equal(d("0.2")))
}

func TestOnLogMalformed(t *testing.T) {
	_, snap := loadSandbox(t)
	inst, _ := snap.ByPool(chain.SandboxWETHUSDC)
	metrics := obs.NewMetrics()
	syn := NewSynthesizer(pricing.DefaultBookConfig(), metrics)

	_, ok, err := syn.OnLog(inst, chain.Log{Topics: []common.Hash{chain.TopicV2Sync}, Data: []byte{1, 2, 3}, Block: 5})
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), metrics.Snapshot().MalformedSkipped)
}
