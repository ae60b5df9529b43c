package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/pkg/exception"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const fullYAML = `
rpcUrl: https://node.example.com
wsRpcUrl: wss://node.example.com/ws
chainId: 8453
walletKeyRef: env:TRADER_KEY
maxSlippageBps: 25
router: "0x00000000000000000000000000000000000000aa"
pools:
  - address: "0x0000000000000000000000000000000000000001"
    kind: constantProduct
subscribe:
  - instrument: WETH-USDC
    channels: [quotes, book]
  - instrument: WBTC-USDC.DEX
retry:
  maxAttempts: 4
  jitter: 0
queue:
  capacity: 64
  policy: dropOldest
book:
  levels: 5
  stepFraction: "0.01"
risk:
  maxOrderQty: "10"
cache:
  kind: file
  path: /tmp/instruments.json
journal:
  dir: /tmp/journal
  segmentMaxMb: 16
`

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", fullYAML)
	loaded, err := load(path, map[string]string{})
	require.NoError(t, err)

	cfg := loaded.Adapter
	assert.Equal(t, "https://node.example.com", cfg.RPCURL)
	assert.Equal(t, "wss://node.example.com/ws", cfg.WSURL)
	assert.Equal(t, int64(8453), cfg.ChainID)
	assert.Equal(t, model.DefaultVenue, cfg.Venue)
	assert.Equal(t, "env:TRADER_KEY", cfg.WalletKeyRef.String())
	assert.Equal(t, int64(25), cfg.Execution.MaxSlippageBps)
	assert.Equal(t, int64(8453), cfg.Execution.ChainID.Int64())
	assert.Equal(t, common.HexToAddress("0xaa"), cfg.Execution.Router)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, enum.PoolKindConstantProduct, cfg.Sources[0].Kind)

	assert.Equal(t, 4, cfg.Guard.Retry.MaxAttempts)
	assert.Zero(t, cfg.Guard.Retry.Backoff.Jitter)
	assert.Equal(t, 64, cfg.QueueCapacity)
	assert.Equal(t, enum.BackpressureDropOldest, cfg.Backpressure)
	assert.Equal(t, 5, cfg.Book.Levels)
	assert.True(t, decimal.RequireFromString("0.01").Equal(cfg.Book.StepFraction))
	assert.True(t, decimal.NewFromInt(10).Equal(cfg.Risk.MaxOrderQty))
	assert.Equal(t, CacheFile, loaded.Cache.Kind)
	require.NotNil(t, loaded.Journal)
	assert.Equal(t, "/tmp/journal", loaded.Journal.Dir)
	assert.Equal(t, int64(16<<20), loaded.Journal.SegmentMaxBytes)

	require.Len(t, loaded.Subscriptions, 2)
	assert.Equal(t, model.NewInstrumentID("WETH", "USDC", "DEX"), loaded.Subscriptions[0].Instrument)
	assert.Equal(t, []enum.Channel{enum.ChannelQuotes, enum.ChannelBook}, loaded.Subscriptions[0].Channels)
	assert.Equal(t, []enum.Channel{enum.ChannelQuotes}, loaded.Subscriptions[1].Channels)
}

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{"sandboxMode": true, "walletKeyRef": "env:K"}`)
	loaded, err := load(path, map[string]string{})
	require.NoError(t, err)

	cfg := loaded.Adapter
	assert.True(t, cfg.SandboxMode)
	assert.Equal(t, int64(1), cfg.ChainID)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, time.Minute, cfg.Scheduler.ReconcileInterval)
	assert.Equal(t, int64(50), cfg.Execution.MaxSlippageBps)
	assert.Equal(t, uint64(300_000), cfg.Execution.GasLimit)
	assert.Equal(t, 10*time.Second, cfg.Guard.CallTimeout)
	assert.Equal(t, enum.BackpressureBlock, cfg.Backpressure)
	assert.Equal(t, CacheNone, loaded.Cache.Kind)
	assert.Empty(t, loaded.Subscriptions)
	assert.Nil(t, loaded.Journal)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", fullYAML)
	dotenv := writeFile(t, ".env", `
DEX_RPC_URL=https://other.example.com
DEX_POLL_INTERVAL_MS=500
DEX_MAX_SLIPPAGE_BPS=0
DEX_KAFKA_BROKERS=k1:9092,k2:9092
`)
	environ, err := godotenv.Read(dotenv)
	require.NoError(t, err)

	loaded, err := load(path, environ)
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com", loaded.Adapter.RPCURL)
	assert.Equal(t, 500*time.Millisecond, loaded.Adapter.Scheduler.PollInterval)
	assert.Zero(t, loaded.Adapter.Execution.MaxSlippageBps)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, loaded.Sink.KafkaBrokers)
}

func TestLoadRejects(t *testing.T) {
	testCases := []struct {
		desc    string
		body    string
		environ map[string]string
		target  error
	}{
		{desc: "missing rpc", body: `{"walletKeyRef": "env:K", "factory": "0x0000000000000000000000000000000000000001"}`, target: exception.ErrConfigRequired},
		{desc: "bad scheme", body: `{"rpcUrl": "ftp://x", "walletKeyRef": "env:K", "factory": "0x0000000000000000000000000000000000000001"}`, target: exception.ErrConfigInvalid},
		{desc: "missing key", body: `{"sandboxMode": true}`, target: exception.ErrConfigRequired},
		{desc: "slippage range", body: `{"sandboxMode": true, "walletKeyRef": "env:K", "maxSlippageBps": 10001}`, target: exception.ErrConfigInvalid},
		{desc: "no pools", body: `{"rpcUrl": "https://x", "walletKeyRef": "env:K"}`, target: exception.ErrConfigRequired},
		{desc: "pool address", body: `{"sandboxMode": true, "walletKeyRef": "env:K", "pools": [{"address": "nope", "kind": "constantProduct"}]}`, target: exception.ErrConfigInvalid},
		{desc: "pool kind", body: `{"sandboxMode": true, "walletKeyRef": "env:K", "pools": [{"address": "0x0000000000000000000000000000000000000001", "kind": "weird"}]}`, target: exception.ErrConfigInvalid},
		{desc: "queue policy", body: `{"sandboxMode": true, "walletKeyRef": "env:K", "queue": {"policy": "dropNewest"}}`, target: exception.ErrConfigInvalid},
		{desc: "channel", body: `{"sandboxMode": true, "walletKeyRef": "env:K", "subscribe": [{"instrument": "A-B", "channels": ["ohlc"]}]}`, target: exception.ErrConfigInvalid},
		{desc: "cache kind", body: `{"sandboxMode": true, "walletKeyRef": "env:K", "cache": {"kind": "memcached"}}`, target: exception.ErrConfigInvalid},
		{desc: "redis addr", body: `{"sandboxMode": true, "walletKeyRef": "env:K", "cache": {"kind": "redis"}}`, target: exception.ErrConfigRequired},
		{desc: "step fraction", body: `{"sandboxMode": true, "walletKeyRef": "env:K", "book": {"stepFraction": "1.5"}}`, target: exception.ErrConfigInvalid},
		{desc: "env bool", body: `{"walletKeyRef": "env:K"}`, environ: map[string]string{"DEX_SANDBOX_MODE": "maybe"}, target: exception.ErrConfigInvalid},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			path := writeFile(t, "config.json", tc.body)
			environ := tc.environ
			if environ == nil {
				environ = map[string]string{}
			}
			_, err := load(path, environ)
			require.ErrorIs(t, err, tc.target)
			assert.True(t, errs.IsKind(err, errs.KindConfiguration))
		})
	}
}

func TestLoadUnreadableFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"), map[string]string{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfiguration))

	path := writeFile(t, "config.yaml", "rpcUrl: [unterminated")
	_, err = load(path, map[string]string{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfiguration))
}
