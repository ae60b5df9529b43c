package ops

import (
	"math/big"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"dexadapter/internal/chain"
	"dexadapter/internal/dex"
	errs "dexadapter/internal/errors"
	"dexadapter/internal/execution"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/pricing"
	"dexadapter/internal/recorder"
	"dexadapter/internal/registry"
	"dexadapter/internal/risk"
	"dexadapter/internal/scheduler"
	"dexadapter/internal/wallet"
	"dexadapter/pkg/exception"
	"dexadapter/pkg/retry"
)

// FileConfig mirrors the YAML config layout. JSON files parse as well.
type FileConfig struct {
	RPCURL              string `yaml:"rpcUrl"`
	WSRPCURL            string `yaml:"wsRpcUrl"`
	ChainID             int64  `yaml:"chainId"`
	Venue               string `yaml:"venue"`
	PollIntervalMs      int64  `yaml:"pollIntervalMs"`
	MaxSlippageBps      *int64 `yaml:"maxSlippageBps"`
	GasLimit            uint64 `yaml:"gasLimit"`
	GasMarginPct        *uint64 `yaml:"gasMarginPct"`
	SandboxMode         bool   `yaml:"sandboxMode"`
	WalletKeyRef        string `yaml:"walletKeyRef"`
	ReceiptMaxAttempts  int    `yaml:"receiptMaxAttempts"`
	ReconcileIntervalMs int64  `yaml:"reconcileIntervalMs"`
	CallTimeoutMs       int64  `yaml:"callTimeoutMs"`
	DeadlineSec         int64  `yaml:"deadlineSec"`
	NativeSymbol        string `yaml:"nativeSymbol"`
	Router              string `yaml:"router"`
	CLRouter            string `yaml:"clRouter"`
	Factory             string `yaml:"factory"`
	DiscoveryLimit      int    `yaml:"discoveryLimit"`

	Pools     []PoolConfig         `yaml:"pools"`
	Subscribe []SubscriptionConfig `yaml:"subscribe"`
	Retry     RetryConfig          `yaml:"retry"`
	RateLimit RateLimitConfig      `yaml:"rateLimit"`
	Breaker   BreakerConfig        `yaml:"breaker"`
	Queue     QueueConfig          `yaml:"queue"`
	Book      BookConfig           `yaml:"book"`
	Risk      RiskConfig           `yaml:"risk"`
	Cache     CacheConfig          `yaml:"cache"`
	Sink      SinkConfig           `yaml:"sink"`
	Journal   JournalConfig        `yaml:"journal"`
}

type PoolConfig struct {
	Address string `yaml:"address"`
	Kind    string `yaml:"kind"`
	Base    string `yaml:"base"`
}

type SubscriptionConfig struct {
	Instrument string   `yaml:"instrument"`
	Channels   []string `yaml:"channels"`
}

type RetryConfig struct {
	MaxAttempts  int     `yaml:"maxAttempts"`
	MinBackoffMs int64   `yaml:"minBackoffMs"`
	MaxBackoffMs int64   `yaml:"maxBackoffMs"`
	Factor       float64 `yaml:"factor"`
	Jitter       *float64 `yaml:"jitter"`
	MaxElapsedMs int64   `yaml:"maxElapsedMs"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type BreakerConfig struct {
	FailureThreshold int   `yaml:"failureThreshold"`
	CooldownMs       int64 `yaml:"cooldownMs"`
}

type QueueConfig struct {
	Capacity int    `yaml:"capacity"`
	Policy   string `yaml:"policy"`
}

type BookConfig struct {
	Levels       int    `yaml:"levels"`
	StepFraction string `yaml:"stepFraction"`
}

type RiskConfig struct {
	KillSwitch        bool   `yaml:"killSwitch"`
	MaxOrderQty       string `yaml:"maxOrderQty"`
	MaxPriceImpactBps int64  `yaml:"maxPriceImpactBps"`
}

// CacheConfig selects where the instrument registry is cached.
type CacheConfig struct {
	Kind        string `yaml:"kind"`
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redisAddr"`
	RedisKey    string `yaml:"redisKey"`
	RedisTTLSec int64  `yaml:"redisTtlSec"`
	PostgresDSN string `yaml:"postgresDsn"`
}

type SinkConfig struct {
	KafkaBrokers []string `yaml:"kafkaBrokers"`
	KafkaTopic   string   `yaml:"kafkaTopic"`
}

// JournalConfig enables the on-disk event journal when Dir is set.
type JournalConfig struct {
	Dir             string `yaml:"dir"`
	SegmentMaxMB    int64  `yaml:"segmentMaxMb"`
	FlushIntervalMs int64  `yaml:"flushIntervalMs"`
}

const (
	CacheNone     = "none"
	CacheFile     = "file"
	CacheRedis    = "redis"
	CachePostgres = "postgres"
)

// overrides are read from the environment after the file. Empty values
// leave the file setting alone.
type overrides struct {
	RPCURL         string   `env:"DEX_RPC_URL"`
	WSRPCURL       string   `env:"DEX_WS_RPC_URL"`
	WalletKeyRef   string   `env:"DEX_WALLET_KEY_REF"`
	SandboxMode    string   `env:"DEX_SANDBOX_MODE"`
	PollIntervalMs string   `env:"DEX_POLL_INTERVAL_MS"`
	MaxSlippageBps string   `env:"DEX_MAX_SLIPPAGE_BPS"`
	GasLimit       string   `env:"DEX_GAS_LIMIT"`
	PostgresDSN    string   `env:"DEX_POSTGRES_DSN"`
	RedisAddr      string   `env:"DEX_REDIS_ADDR"`
	KafkaBrokers   []string `env:"DEX_KAFKA_BROKERS" envSeparator:","`
}

// Subscription is a resolved entry of the subscribe list.
type Subscription struct {
	Instrument model.InstrumentID
	Channels   []enum.Channel
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Adapter       dex.Config
	Cache         CacheConfig
	Sink          SinkConfig
	Journal       *recorder.Config
	Subscriptions []Subscription
}

// Load reads a config file, applies environment overrides (a .env file in
// the working directory is honoured) and validates the result. Every
// failure is a Configuration error.
func Load(path string) (Loaded, error) {
	_ = godotenv.Load()
	return load(path, env.ToMap(os.Environ()))
}

func load(path string, environ map[string]string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, configErr(errs.Wrap(err, "read "+path))
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, configErr(errs.Wrap(err, "parse "+path))
	}
	if err := applyOverrides(&cfg, environ); err != nil {
		return Loaded{}, err
	}
	applyDefaults(&cfg)
	return resolve(cfg)
}

func configErr(err error) error {
	return errs.WithKind(errs.KindConfiguration, err)
}

func invalid(field, why string) error {
	return configErr(errs.Wrap(exception.ErrConfigInvalid, field+": "+why))
}

func required(field string) error {
	return configErr(errs.Wrap(exception.ErrConfigRequired, field))
}

func applyOverrides(cfg *FileConfig, environ map[string]string) error {
	var o overrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return configErr(errs.Wrap(err, "parse environment"))
	}

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&cfg.RPCURL, o.RPCURL)
	setString(&cfg.WSRPCURL, o.WSRPCURL)
	setString(&cfg.WalletKeyRef, o.WalletKeyRef)
	setString(&cfg.Cache.PostgresDSN, o.PostgresDSN)
	setString(&cfg.Cache.RedisAddr, o.RedisAddr)
	if len(o.KafkaBrokers) > 0 {
		cfg.Sink.KafkaBrokers = o.KafkaBrokers
	}

	if o.SandboxMode != "" {
		v, err := strconv.ParseBool(o.SandboxMode)
		if err != nil {
			return invalid("DEX_SANDBOX_MODE", o.SandboxMode)
		}
		cfg.SandboxMode = v
	}
	if o.PollIntervalMs != "" {
		v, err := strconv.ParseInt(o.PollIntervalMs, 10, 64)
		if err != nil {
			return invalid("DEX_POLL_INTERVAL_MS", o.PollIntervalMs)
		}
		cfg.PollIntervalMs = v
	}
	if o.MaxSlippageBps != "" {
		v, err := strconv.ParseInt(o.MaxSlippageBps, 10, 64)
		if err != nil {
			return invalid("DEX_MAX_SLIPPAGE_BPS", o.MaxSlippageBps)
		}
		cfg.MaxSlippageBps = &v
	}
	if o.GasLimit != "" {
		v, err := strconv.ParseUint(o.GasLimit, 10, 64)
		if err != nil {
			return invalid("DEX_GAS_LIMIT", o.GasLimit)
		}
		cfg.GasLimit = v
	}
	return nil
}

func applyDefaults(cfg *FileConfig) {
	def := execution.DefaultConfig()
	guard := chain.DefaultGuardConfig()
	sched := scheduler.DefaultConfig()

	if cfg.ChainID == 0 {
		cfg.ChainID = 1
	}
	if cfg.Venue == "" {
		cfg.Venue = model.DefaultVenue
	}
	if cfg.PollIntervalMs == 0 {
		cfg.PollIntervalMs = sched.PollInterval.Milliseconds()
	}
	if cfg.MaxSlippageBps == nil {
		v := def.MaxSlippageBps
		cfg.MaxSlippageBps = &v
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = def.GasLimit
	}
	if cfg.GasMarginPct == nil {
		v := def.GasMarginPct
		cfg.GasMarginPct = &v
	}
	if cfg.ReceiptMaxAttempts == 0 {
		cfg.ReceiptMaxAttempts = def.ReceiptMaxAttempts
	}
	if cfg.ReconcileIntervalMs == 0 {
		cfg.ReconcileIntervalMs = sched.ReconcileInterval.Milliseconds()
	}
	if cfg.CallTimeoutMs == 0 {
		cfg.CallTimeoutMs = guard.CallTimeout.Milliseconds()
	}
	if cfg.DeadlineSec == 0 {
		cfg.DeadlineSec = int64(def.Deadline / time.Second)
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = def.NativeSymbol
	}

	r := &cfg.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = guard.Retry.MaxAttempts
	}
	if r.MinBackoffMs == 0 {
		r.MinBackoffMs = guard.Retry.Backoff.Min.Milliseconds()
	}
	if r.MaxBackoffMs == 0 {
		r.MaxBackoffMs = guard.Retry.Backoff.Max.Milliseconds()
	}
	if r.Factor == 0 {
		r.Factor = guard.Retry.Backoff.Factor
	}
	if r.Jitter == nil {
		v := guard.Retry.Backoff.Jitter
		r.Jitter = &v
	}
	if r.MaxElapsedMs == 0 {
		r.MaxElapsedMs = guard.Retry.MaxElapsed.Milliseconds()
	}
	if cfg.RateLimit.RPS == 0 {
		cfg.RateLimit.RPS = guard.RatePerSecond
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = guard.Burst
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = guard.Breaker.FailureThreshold
	}
	if cfg.Breaker.CooldownMs == 0 {
		cfg.Breaker.CooldownMs = guard.Breaker.Cooldown.Milliseconds()
	}
	if cfg.Queue.Policy == "" {
		cfg.Queue.Policy = enum.BackpressureBlock.String()
	}
	if cfg.Book.Levels == 0 {
		cfg.Book.Levels = pricing.DefaultBookConfig().Levels
	}
	if cfg.Book.StepFraction == "" {
		cfg.Book.StepFraction = pricing.DefaultBookConfig().StepFraction.String()
	}
	if cfg.Cache.Kind == "" {
		cfg.Cache.Kind = CacheNone
	}
	if cfg.Cache.RedisKey == "" {
		cfg.Cache.RedisKey = "dexadapter:instruments"
	}
}

func resolve(cfg FileConfig) (Loaded, error) {
	if err := validate(cfg); err != nil {
		return Loaded{}, err
	}

	ref, err := wallet.ParseKeyRef(cfg.WalletKeyRef)
	if err != nil {
		return Loaded{}, err
	}
	sources, err := resolvePools(cfg.Pools)
	if err != nil {
		return Loaded{}, err
	}
	factory, err := optionalAddress("factory", cfg.Factory)
	if err != nil {
		return Loaded{}, err
	}
	router, err := optionalAddress("router", cfg.Router)
	if err != nil {
		return Loaded{}, err
	}
	clRouter, err := optionalAddress("clRouter", cfg.CLRouter)
	if err != nil {
		return Loaded{}, err
	}
	policy, err := enum.ParseBackpressure(cfg.Queue.Policy)
	if err != nil {
		return Loaded{}, invalid("queue.policy", err.Error())
	}
	step, err := decimal.NewFromString(cfg.Book.StepFraction)
	if err != nil || !step.IsPositive() || step.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Loaded{}, invalid("book.stepFraction", cfg.Book.StepFraction)
	}
	riskCfg, err := resolveRisk(cfg.Risk)
	if err != nil {
		return Loaded{}, err
	}
	subs, err := resolveSubscriptions(cfg.Subscribe, cfg.Venue)
	if err != nil {
		return Loaded{}, err
	}
	journal, err := resolveJournal(cfg.Journal)
	if err != nil {
		return Loaded{}, err
	}

	return Loaded{
		Adapter: dex.Config{
			Venue:          cfg.Venue,
			ChainID:        cfg.ChainID,
			RPCURL:         cfg.RPCURL,
			WSURL:          cfg.WSRPCURL,
			SandboxMode:    cfg.SandboxMode,
			WalletKeyRef:   ref,
			Sources:        sources,
			Factory:        factory,
			DiscoveryLimit: cfg.DiscoveryLimit,
			Guard: chain.GuardConfig{
				RatePerSecond: cfg.RateLimit.RPS,
				Burst:         cfg.RateLimit.Burst,
				CallTimeout:   ms(cfg.CallTimeoutMs),
				Retry: retry.Policy{
					Backoff: retry.Backoff{
						Min:    ms(cfg.Retry.MinBackoffMs),
						Max:    ms(cfg.Retry.MaxBackoffMs),
						Factor: cfg.Retry.Factor,
						Jitter: *cfg.Retry.Jitter,
					},
					MaxAttempts: cfg.Retry.MaxAttempts,
					MaxElapsed:  ms(cfg.Retry.MaxElapsedMs),
				},
				Breaker: chain.BreakerConfig{
					FailureThreshold: cfg.Breaker.FailureThreshold,
					SuccessThreshold: chain.DefaultBreakerConfig().SuccessThreshold,
					Cooldown:         ms(cfg.Breaker.CooldownMs),
				},
			},
			Execution: execution.Config{
				ChainID:            big.NewInt(cfg.ChainID),
				MaxSlippageBps:     *cfg.MaxSlippageBps,
				GasLimit:           cfg.GasLimit,
				GasMarginPct:       *cfg.GasMarginPct,
				ReceiptMaxAttempts: cfg.ReceiptMaxAttempts,
				Deadline:           time.Duration(cfg.DeadlineSec) * time.Second,
				Router:             router,
				CLRouter:           clRouter,
				NativeSymbol:       cfg.NativeSymbol,
			},
			Scheduler: scheduler.Config{
				PollInterval:      ms(cfg.PollIntervalMs),
				ReconcileInterval: ms(cfg.ReconcileIntervalMs),
			},
			Book:          pricing.BookConfig{Levels: cfg.Book.Levels, StepFraction: step},
			Risk:          riskCfg,
			QueueCapacity: cfg.Queue.Capacity,
			Backpressure:  policy,
		},
		Cache:         cfg.Cache,
		Sink:          cfg.Sink,
		Journal:       journal,
		Subscriptions: subs,
	}, nil
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func validate(cfg FileConfig) error {
	if !cfg.SandboxMode {
		if cfg.RPCURL == "" {
			return required("rpcUrl")
		}
		if err := checkURL("rpcUrl", cfg.RPCURL, "http", "https", "ws", "wss"); err != nil {
			return err
		}
	}
	if cfg.WSRPCURL != "" {
		if err := checkURL("wsRpcUrl", cfg.WSRPCURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if cfg.WalletKeyRef == "" {
		return required("walletKeyRef")
	}
	if cfg.ChainID < 0 {
		return invalid("chainId", "must be positive")
	}
	if cfg.PollIntervalMs < 0 {
		return invalid("pollIntervalMs", "must be positive")
	}
	if bps := *cfg.MaxSlippageBps; bps < 0 || bps > 10_000 {
		return invalid("maxSlippageBps", "must be within 0..10000")
	}
	if *cfg.GasMarginPct > 100 {
		return invalid("gasMarginPct", "must be within 0..100")
	}
	if cfg.ReceiptMaxAttempts < 0 {
		return invalid("receiptMaxAttempts", "must be positive")
	}
	if cfg.ReconcileIntervalMs < 0 || cfg.CallTimeoutMs < 0 || cfg.DeadlineSec < 0 {
		return invalid("intervals", "must be positive")
	}
	if cfg.Retry.MaxAttempts < 0 || cfg.Retry.Factor < 1 {
		return invalid("retry", "maxAttempts must be positive and factor at least 1")
	}
	if j := *cfg.Retry.Jitter; j < 0 || j > 1 {
		return invalid("retry.jitter", "must be within 0..1")
	}
	if cfg.Retry.MinBackoffMs > cfg.Retry.MaxBackoffMs {
		return invalid("retry", "minBackoffMs above maxBackoffMs")
	}
	if cfg.RateLimit.RPS < 0 || cfg.RateLimit.Burst < 0 {
		return invalid("rateLimit", "must be positive")
	}
	if cfg.Queue.Capacity < 0 {
		return invalid("queue.capacity", "must be positive")
	}
	if cfg.Book.Levels < 0 {
		return invalid("book.levels", "must be positive")
	}
	if !cfg.SandboxMode && len(cfg.Pools) == 0 && cfg.Factory == "" {
		return required("pools or factory")
	}
	return validateCache(cfg.Cache)
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return invalid(field, "not a url")
	}
	if !slices.Contains(schemes, strings.ToLower(u.Scheme)) {
		return invalid(field, "unsupported scheme "+u.Scheme)
	}
	return nil
}

func validateCache(c CacheConfig) error {
	switch c.Kind {
	case CacheNone:
		return nil
	case CacheFile:
		if c.Path == "" {
			return required("cache.path")
		}
	case CacheRedis:
		if c.RedisAddr == "" {
			return required("cache.redisAddr")
		}
	case CachePostgres:
		if c.PostgresDSN == "" {
			return required("cache.postgresDsn")
		}
	default:
		return invalid("cache.kind", c.Kind)
	}
	return nil
}

func optionalAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, invalid(field, s)
	}
	return common.HexToAddress(s), nil
}

func resolvePools(pools []PoolConfig) ([]registry.Source, error) {
	out := make([]registry.Source, 0, len(pools))
	for i, p := range pools {
		field := "pools[" + strconv.Itoa(i) + "]"
		if !common.IsHexAddress(p.Address) {
			return nil, invalid(field+".address", p.Address)
		}
		kind, err := enum.ParsePoolKind(p.Kind)
		if err != nil {
			return nil, invalid(field+".kind", err.Error())
		}
		base, err := optionalAddress(field+".base", p.Base)
		if err != nil {
			return nil, err
		}
		out = append(out, registry.Source{Pool: common.HexToAddress(p.Address), Kind: kind, Base: base})
	}
	return out, nil
}

func resolveRisk(r RiskConfig) (risk.Config, error) {
	cfg := risk.Config{KillSwitch: r.KillSwitch, MaxPriceImpactBps: r.MaxPriceImpactBps}
	if r.MaxPriceImpactBps < 0 {
		return risk.Config{}, invalid("risk.maxPriceImpactBps", "must be positive")
	}
	if r.MaxOrderQty != "" {
		qty, err := decimal.NewFromString(r.MaxOrderQty)
		if err != nil || qty.IsNegative() {
			return risk.Config{}, invalid("risk.maxOrderQty", r.MaxOrderQty)
		}
		cfg.MaxOrderQty = qty
	}
	return cfg, nil
}

// resolveSubscriptions accepts full ids or bare symbols on the configured
// venue.
func resolveSubscriptions(subs []SubscriptionConfig, venue string) ([]Subscription, error) {
	out := make([]Subscription, 0, len(subs))
	for i, s := range subs {
		field := "subscribe[" + strconv.Itoa(i) + "]"
		raw := s.Instrument
		if !strings.Contains(raw, ".") {
			raw += "." + venue
		}
		id, err := model.ParseInstrumentID(raw)
		if err != nil {
			return nil, invalid(field+".instrument", err.Error())
		}
		sub := Subscription{Instrument: id}
		for _, name := range s.Channels {
			ch, err := enum.ParseChannel(name)
			if err != nil {
				return nil, invalid(field+".channels", err.Error())
			}
			sub.Channels = append(sub.Channels, ch)
		}
		if len(sub.Channels) == 0 {
			sub.Channels = []enum.Channel{enum.ChannelQuotes}
		}
		out = append(out, sub)
	}
	return out, nil
}

func resolveJournal(j JournalConfig) (*recorder.Config, error) {
	if j.Dir == "" {
		return nil, nil
	}
	if j.SegmentMaxMB < 0 || j.FlushIntervalMs < 0 {
		return nil, invalid("journal", "sizes and intervals must be positive")
	}
	cfg := recorder.DefaultConfig(j.Dir)
	if j.SegmentMaxMB > 0 {
		cfg.SegmentMaxBytes = j.SegmentMaxMB << 20
	}
	if j.FlushIntervalMs > 0 {
		cfg.FlushInterval = ms(j.FlushIntervalMs)
	}
	return &cfg, nil
}
