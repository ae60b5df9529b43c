package execution

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexadapter/internal/chain"
	errs "dexadapter/internal/errors"
	"dexadapter/internal/marketdata"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/obs"
	"dexadapter/internal/registry"
	"dexadapter/internal/risk"
	"dexadapter/internal/wallet"
	"dexadapter/pkg/exception"
)

const (
	testKeyEnv = "DEX_EXECUTION_TEST_KEY"
	testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

var (
	wethID = model.NewInstrumentID("WETH", "USDC", "DEX")
	wbtcID = model.NewInstrumentID("WBTC", "USDC", "DEX")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recorder struct {
	events []model.Event
}

func (r *recorder) emit(e model.Event) {
	r.events = append(r.events, e)
}

func (r *recorder) of(kind enum.EventKind) []model.Event {
	var out []model.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type memJournal struct {
	entries []model.ReconciliationEntry
}

func (j *memJournal) Append(e model.ReconciliationEntry) {
	j.entries = append(j.entries, e)
}

type memLedger struct {
	fills int
	base  decimal.Decimal
	quote decimal.Decimal
	gas   decimal.Decimal
}

func (l *memLedger) ApplyFill(inst model.Instrument, side enum.OrderSide, base, quote decimal.Decimal) {
	l.fills++
	l.base = l.base.Add(base)
	l.quote = l.quote.Add(quote)
}

func (l *memLedger) ApplyGas(fee decimal.Decimal) {
	l.gas = l.gas.Add(fee)
}

type fixture struct {
	sb      *chain.Sandbox
	snap    *registry.Snapshot
	signer  *wallet.Signer
	client  *Client
	rec     *recorder
	journal *memJournal
	ledger  *memLedger
	metrics *obs.Metrics
}

func newFixture(t *testing.T, mutate func(opt *Option)) *fixture {
	t.Helper()
	sb := chain.NewSeededSandbox(1)
	reg := registry.New(sb, registry.Option{Venue: "DEX", Sources: []registry.Source{
		{Pool: chain.SandboxWETHUSDC, Kind: enum.PoolKindConstantProduct},
		{Pool: chain.SandboxWBTCUSDC, Kind: enum.PoolKindOrderBook},
	}})
	snap, err := reg.LoadAll(t.Context())
	require.NoError(t, err)

	t.Setenv(testKeyEnv, testKeyHex)
	ref, err := wallet.ParseKeyRef("env:" + testKeyEnv)
	require.NoError(t, err)
	keyring := wallet.NewKeyring()
	t.Cleanup(keyring.Close)
	signer, err := keyring.Open(ref)
	require.NoError(t, err)
	sb.FundDefaults(signer.Address())

	f := &fixture{
		sb:      sb,
		snap:    snap,
		signer:  signer,
		rec:     &recorder{},
		journal: &memJournal{},
		ledger:  &memLedger{},
		metrics: obs.NewMetrics(),
	}
	opt := Option{
		Config: Config{
			ChainID:            big.NewInt(1),
			MaxSlippageBps:     50,
			GasLimit:           300_000,
			GasMarginPct:       20,
			ReceiptMaxAttempts: 5,
			Router:             chain.SandboxRouter,
			CLRouter:           chain.SandboxCLRouter,
		},
		Chain:   sb,
		Signer:  signer,
		Journal: f.journal,
		Ledger:  f.ledger,
		Metrics: f.metrics,
		Emit:    f.rec.emit,
	}
	if mutate != nil {
		mutate(&opt)
	}
	f.client = New(opt)
	return f
}

func (f *fixture) submit(t *testing.T, req model.OrderRequest) (model.Order, error) {
	t.Helper()
	inst, ok := f.snap.Get(req.InstrumentID)
	require.True(t, ok)
	raw, err := f.sb.FetchPoolState(t.Context(), inst.Kind, inst.Pool)
	require.NoError(t, err)
	state, err := marketdata.Normalize(inst, raw)
	require.NoError(t, err)
	return f.client.Submit(t.Context(), req, inst, state)
}

func (f *fixture) pollUntilQuiet(t *testing.T, rounds int) int {
	t.Helper()
	total := 0
	for i := 0; i < rounds; i++ {
		n, err := f.client.Poll(t.Context())
		require.NoError(t, err)
		total += n
	}
	return total
}

func buy(id string, instrument model.InstrumentID, qty string) model.OrderRequest {
	return model.OrderRequest{ClientOrderID: id, InstrumentID: instrument, Side: enum.OrderSideBuy, Quantity: d(qty)}
}

func TestSwapBuyConfirms(t *testing.T) {
	f := newFixture(t, nil)
	before, err := f.sb.TokenBalance(t.Context(), chain.SandboxWETH, f.signer.Address())
	require.NoError(t, err)

	o, err := f.submit(t, buy("b-1", wethID, "1"))
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusSubmitted, o.Status)
	assert.NotEmpty(t, o.VenueOrderID())
	assert.True(t, o.MinAmountOut.Equal(d("0.995")), o.MinAmountOut.String())
	assert.True(t, o.AmountIn.GreaterThan(d("2006")), o.AmountIn.String())
	assert.Equal(t, uint64(180_000), o.GasLimit)

	require.Len(t, f.rec.of(enum.EventOrderAccepted), 1)
	assert.Equal(t, 1, f.pollUntilQuiet(t, 3))

	report, err := f.client.Query("b-1")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusConfirmed, report.Status)
	filled, _ := report.FilledQty.Float64()
	assert.InDelta(t, 1.0, filled, 1e-6)
	assert.True(t, report.AvgPx.GreaterThan(d("2006")))

	fills := f.rec.of(enum.EventOrderFilled)
	require.Len(t, fills, 1)
	ev := fills[0].Order
	assert.Equal(t, o.VenueOrderID(), ev.VenueOrderID)
	assert.Equal(t, "0.00012", ev.Commission.String())
	assert.Equal(t, "ETH", ev.CommissionCurrency)

	after, err := f.sb.TokenBalance(t.Context(), chain.SandboxWETH, f.signer.Address())
	require.NoError(t, err)
	gained := decimal.NewFromBigInt(new(big.Int).Sub(after, before), -18)
	assert.True(t, gained.Equal(report.FilledQty), "%s != %s", gained, report.FilledQty)

	assert.Equal(t, 1, f.ledger.fills)
	assert.True(t, f.ledger.gas.Equal(d("0.00012")))
	assert.Equal(t, uint64(1), f.metrics.Snapshot().ConfirmLatency.Count)
}

func TestSwapSellSpendsExactBase(t *testing.T) {
	f := newFixture(t, nil)
	req := buy("s-1", wethID, "2")
	req.Side = enum.OrderSideSell

	o, err := f.submit(t, req)
	require.NoError(t, err)
	assert.True(t, o.AmountIn.Equal(d("2")))
	assert.True(t, o.MinAmountOut.LessThan(d("3988")), o.MinAmountOut.String())
	f.pollUntilQuiet(t, 2)

	report, err := f.client.Query("s-1")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusConfirmed, report.Status)
	assert.True(t, report.FilledQty.Equal(d("2")))
	assert.True(t, report.AvgPx.LessThan(d("2000")))
}

func TestScenarioRevertEmitsOneRejection(t *testing.T) {
	f := newFixture(t, nil)
	f.sb.QueueOutcome(chain.Outcome{MineAfterPolls: 3, Revert: true, Reason: "INSUFFICIENT_OUTPUT_AMOUNT"})

	o, err := f.submit(t, buy("r-1", wethID, "1"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		n, err := f.client.Poll(t.Context())
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	report, err := f.client.Query("r-1")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusPending, report.Status)

	n, err := f.client.Poll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.pollUntilQuiet(t, 3)

	rejected := f.rec.of(enum.EventOrderRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, o.TxHash.Hex(), rejected[0].Order.VenueOrderID)
	assert.Equal(t, enum.OrderStatusReverted, rejected[0].Order.Status)
	assert.Equal(t, "INSUFFICIENT_OUTPUT_AMOUNT", rejected[0].Order.Reason)
	assert.Empty(t, f.rec.of(enum.EventOrderFilled))

	report, err = f.client.Query("r-1")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusReverted, report.Status)
	assert.True(t, report.FilledQty.IsZero())
	assert.Zero(t, f.ledger.fills)
	assert.True(t, f.ledger.gas.IsPositive())
}

func TestScenarioMissingReceiptEndsUnknown(t *testing.T) {
	f := newFixture(t, nil)
	f.sb.QueueOutcome(chain.Outcome{Withhold: true})

	_, err := f.submit(t, buy("u-1", wethID, "1"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.pollUntilQuiet(t, 8))

	report, err := f.client.Query("u-1")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusUnknown, report.Status)

	require.Len(t, f.journal.entries, 1)
	entry := f.journal.entries[0]
	assert.Equal(t, "u-1", entry.ClientOrderID)
	assert.Equal(t, enum.OrderStatusUnknown, entry.Status)
	assert.Equal(t, report.VenueOrderID, entry.VenueOrderID)

	reports := f.rec.of(enum.EventOrderStatusReport)
	require.Len(t, reports, 1)
	assert.Equal(t, enum.OrderStatusUnknown, reports[0].Report.Status)
	assert.Empty(t, f.rec.of(enum.EventOrderRejected))
	assert.Empty(t, f.rec.of(enum.EventOrderFilled))
	assert.Equal(t, uint64(5), f.metrics.Snapshot().ReceiptPolls)
}

func TestUncertainBroadcastIsTracked(t *testing.T) {
	f := newFixture(t, nil)
	f.sb.InjectFault("SubmitTransaction", errs.Newf(errs.KindTransientNetwork, "connection reset"))

	o, err := f.submit(t, buy("t-1", wethID, "1"))
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusSubmitted, o.Status)
	assert.NotEmpty(t, o.VenueOrderID())

	f.pollUntilQuiet(t, 5)
	report, err := f.client.Query("t-1")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusUnknown, report.Status)
	assert.Len(t, f.journal.entries, 1)
}

func TestSubmitRejections(t *testing.T) {
	t.Run("gas above limit", func(t *testing.T) {
		f := newFixture(t, nil)
		f.sb.SetGasEstimate(400_000)
		o, err := f.submit(t, buy("g-1", wethID, "1"))
		require.ErrorIs(t, err, exception.ErrOrderGasAboveLimit)
		assert.Equal(t, enum.OrderStatusRejected, o.Status)
		assert.Empty(t, o.VenueOrderID())
		require.Len(t, f.rec.of(enum.EventOrderRejected), 1)
		assert.Empty(t, f.rec.of(enum.EventOrderAccepted))
	})

	t.Run("margin capped at limit", func(t *testing.T) {
		f := newFixture(t, func(opt *Option) { opt.Config.GasLimit = 170_000 })
		o, err := f.submit(t, buy("g-2", wethID, "1"))
		require.NoError(t, err)
		assert.Equal(t, uint64(170_000), o.GasLimit)
	})

	t.Run("kill switch", func(t *testing.T) {
		f := newFixture(t, func(opt *Option) { opt.Risk = risk.NewEngine(risk.Config{KillSwitch: true}) })
		o, err := f.submit(t, buy("k-1", wethID, "1"))
		require.Error(t, err)
		assert.Equal(t, enum.OrderStatusRejected, o.Status)
		ev := f.rec.of(enum.EventOrderRejected)
		require.Len(t, ev, 1)
		assert.Equal(t, risk.ReasonKillSwitch.String(), ev[0].Order.Reason)
	})

	t.Run("price impact", func(t *testing.T) {
		f := newFixture(t, func(opt *Option) { opt.Risk = risk.NewEngine(risk.Config{MaxPriceImpactBps: 100}) })
		_, err := f.submit(t, buy("i-1", wethID, "50"))
		require.ErrorIs(t, err, exception.ErrOrderPriceImpact)
	})

	t.Run("estimate reverts", func(t *testing.T) {
		f := newFixture(t, nil)
		f.sb.InjectFault("EstimateGas", errs.Newf(errs.KindTransactionReverted, "execution reverted: TRANSFER_FROM_FAILED"))
		o, err := f.submit(t, buy("e-1", wethID, "1"))
		require.Error(t, err)
		assert.True(t, errs.IsKind(err, errs.KindTransactionReverted))
		assert.Equal(t, enum.OrderStatusRejected, o.Status)
	})

	t.Run("duplicate id", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.submit(t, buy("dup", wethID, "1"))
		require.NoError(t, err)
		_, err = f.submit(t, buy("dup", wethID, "1"))
		require.ErrorIs(t, err, exception.ErrOrderDuplicate)

		report, err := f.client.Query("dup")
		require.NoError(t, err)
		assert.Equal(t, enum.OrderStatusSubmitted, report.Status)
		assert.Len(t, f.rec.of(enum.EventOrderRejected), 1)
	})

	t.Run("unknown instrument", func(t *testing.T) {
		f := newFixture(t, nil)
		req := buy("x-1", model.NewInstrumentID("FOO", "BAR", "DEX"), "1")
		err := f.client.Reject(req, exception.ErrRegistryInstrumentNotFound)
		require.ErrorIs(t, err, exception.ErrRegistryInstrumentNotFound)
		report, err := f.client.Query("x-1")
		require.NoError(t, err)
		assert.Equal(t, enum.OrderStatusRejected, report.Status)
	})
}

func TestGeneratesClientOrderID(t *testing.T) {
	f := newFixture(t, nil)
	o, err := f.submit(t, buy("", wethID, "1"))
	require.NoError(t, err)
	assert.Len(t, o.ClientOrderID, 36)
}

func TestBookOrderFillsAcrossLevels(t *testing.T) {
	f := newFixture(t, nil)
	o, err := f.submit(t, buy("ob-1", wbtcID, "0.25"))
	require.NoError(t, err)
	assert.True(t, o.LimitPrice.GreaterThan(d("60030")), o.LimitPrice.String())

	f.pollUntilQuiet(t, 2)
	report, err := f.client.Query("ob-1")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusConfirmed, report.Status)
	assert.True(t, report.FilledQty.Equal(d("0.25")), report.FilledQty.String())
	assert.True(t, report.AvgPx.Equal(d("60018")), report.AvgPx.String())

	// fully filled orders have nothing left to cancel
	require.ErrorIs(t, f.client.Cancel(t.Context(), "ob-1"), exception.ErrCancelNotCancelable)
	assert.Len(t, f.rec.of(enum.EventOrderCancelRejected), 1)
}

func TestBookOrderRestsAndCancels(t *testing.T) {
	f := newFixture(t, nil)
	req := buy("ob-2", wbtcID, "0.1")
	req.LimitPrice = d("59000")
	_, err := f.submit(t, req)
	require.NoError(t, err)

	// not confirmed yet
	require.ErrorIs(t, f.client.Cancel(t.Context(), "ob-2"), exception.ErrCancelNotCancelable)

	f.pollUntilQuiet(t, 1)
	report, err := f.client.Query("ob-2")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusConfirmed, report.Status)
	assert.True(t, report.FilledQty.IsZero())
	require.Len(t, f.rec.of(enum.EventOrderStatusReport), 1)

	raw, err := f.sb.FetchPoolState(t.Context(), enum.PoolKindOrderBook, chain.SandboxWBTCUSDC)
	require.NoError(t, err)
	assert.Equal(t, chain.Units(59_000, 6), raw.Bids[len(raw.Bids)-1].Price)

	require.NoError(t, f.client.Cancel(t.Context(), "ob-2"))
	require.ErrorIs(t, f.client.Cancel(t.Context(), "ob-2"), exception.ErrCancelNotCancelable)
	assert.Equal(t, 1, f.pollUntilQuiet(t, 2))

	report, err = f.client.Query("ob-2")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusCanceled, report.Status)
	require.Len(t, f.rec.of(enum.EventOrderCanceled), 1)

	raw, err = f.sb.FetchPoolState(t.Context(), enum.PoolKindOrderBook, chain.SandboxWBTCUSDC)
	require.NoError(t, err)
	for _, lvl := range raw.Bids {
		assert.NotEqual(t, chain.Units(59_000, 6), lvl.Price)
	}
}

func TestCancelUnsupportedOnAMM(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.submit(t, buy("c-1", wethID, "1"))
	require.NoError(t, err)
	f.pollUntilQuiet(t, 1)

	require.ErrorIs(t, f.client.Cancel(t.Context(), "c-1"), exception.ErrCancelUnsupported)
	ev := f.rec.of(enum.EventOrderCancelRejected)
	require.Len(t, ev, 1)
	assert.Equal(t, exception.ErrCancelUnsupported.Error(), ev[0].Order.Reason)

	report, err := f.client.Query("c-1")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusConfirmed, report.Status)

	require.ErrorIs(t, f.client.Cancel(t.Context(), "missing"), exception.ErrOrderNotFound)
}

func TestQueryUnknownOrder(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.client.Query("nope")
	require.ErrorIs(t, err, exception.ErrOrderNotFound)
}
