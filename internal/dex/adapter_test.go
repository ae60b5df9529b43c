package dex

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/scheduler"
	"dexadapter/internal/wallet"
	"dexadapter/pkg/exception"
)

const (
	testKeyEnv = "DEX_ADAPTER_TEST_KEY"
	testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

var wethID = model.NewInstrumentID("WETH", "USDC", "DEX")

func sandboxAdapter(t *testing.T) *Adapter {
	t.Helper()
	t.Setenv(testKeyEnv, testKeyHex)
	ref, err := wallet.ParseKeyRef("env:" + testKeyEnv)
	require.NoError(t, err)
	keyring := wallet.NewKeyring()
	t.Cleanup(keyring.Close)
	return New(Option{
		Keyring: keyring,
		Config: Config{
			SandboxMode:  true,
			WalletKeyRef: ref,
			Scheduler: scheduler.Config{
				PollInterval:      5 * time.Millisecond,
				ReconcileInterval: time.Hour,
			},
		},
	})
}

func waitFor(t *testing.T, a *Adapter, kind enum.EventKind) model.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-a.Events():
			require.True(t, ok, "event queue closed before %s", kind)
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestAdapterSandboxSession(t *testing.T) {
	a := sandboxAdapter(t)
	require.NoError(t, a.Connect(t.Context()))
	require.ErrorIs(t, a.Connect(t.Context()), exception.ErrAdapterAlreadyConnected)
	assert.Len(t, a.Instruments(), 2)

	status := waitFor(t, a, enum.EventVenueStatus)
	assert.Equal(t, enum.ConnStatusConnected, status.Status.Status)
	assert.Equal(t, enum.ConnStatusConnected, a.Status())

	require.NoError(t, a.Subscribe(wethID, enum.ChannelQuotes))
	quote := waitFor(t, a, enum.EventQuote)
	assert.Equal(t, wethID, quote.InstrumentID)

	id, err := a.SubmitOrder(model.OrderRequest{
		InstrumentID: wethID,
		Side:         enum.OrderSideBuy,
		Quantity:     decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Len(t, id, 36)

	filled := waitFor(t, a, enum.EventOrderFilled)
	assert.Equal(t, id, filled.Order.ClientOrderID)
	report, err := a.QueryOrderStatus(id)
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusConfirmed, report.Status)

	require.NoError(t, a.CancelOrder(id))
	rejected := waitFor(t, a, enum.EventOrderCancelRejected)
	assert.Equal(t, id, rejected.Order.ClientOrderID)

	require.NoError(t, a.Disconnect())
	for range a.Events() {
	}
	assert.Equal(t, enum.ConnStatusDisconnected, a.Status())
	require.ErrorIs(t, a.Subscribe(wethID, enum.ChannelQuotes), exception.ErrAdapterNotConnected)
	require.ErrorIs(t, a.Disconnect(), exception.ErrAdapterNotConnected)
	require.ErrorIs(t, a.Connect(t.Context()), exception.ErrQueueClosed)
}

func TestAdapterBeforeConnect(t *testing.T) {
	a := sandboxAdapter(t)
	assert.Equal(t, enum.ConnStatusDisconnected, a.Status())
	assert.Empty(t, a.Instruments())

	_, err := a.SubmitOrder(model.OrderRequest{InstrumentID: wethID})
	require.ErrorIs(t, err, exception.ErrAdapterNotConnected)
	require.ErrorIs(t, a.CancelOrder("x"), exception.ErrAdapterNotConnected)
	_, err = a.QueryOrderStatus("x")
	require.ErrorIs(t, err, exception.ErrAdapterNotConnected)
	require.ErrorIs(t, a.Reconcile(), exception.ErrAdapterNotConnected)
}

func TestAdapterSubscribeValidation(t *testing.T) {
	a := sandboxAdapter(t)
	require.NoError(t, a.Connect(t.Context()))
	t.Cleanup(func() { _ = a.Disconnect() })

	require.ErrorIs(t, a.Subscribe(model.NewInstrumentID("FOO", "BAR", "DEX"), enum.ChannelQuotes), exception.ErrRegistryInstrumentNotFound)
	require.ErrorIs(t, a.Subscribe(wethID, enum.Channel(0)), exception.ErrInvalidArgument)
	require.NoError(t, a.RefreshInstruments(wethID))
	require.NoError(t, a.Reconcile())
	waitFor(t, a, enum.EventReconciliation)
}

func TestAdapterConnectWithoutKey(t *testing.T) {
	ref, err := wallet.ParseKeyRef("env:DEX_ADAPTER_MISSING_KEY")
	require.NoError(t, err)
	a := New(Option{Config: Config{SandboxMode: true, WalletKeyRef: ref}})

	err = a.Connect(t.Context())
	require.ErrorIs(t, err, exception.ErrWalletKeyUnavailable)
	assert.True(t, errs.IsKind(err, errs.KindAuthentication))
	assert.Equal(t, enum.ConnStatusDisconnected, a.Status())
}
