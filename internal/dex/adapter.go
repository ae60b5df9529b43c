// Package dex is the boundary the host engine talks to. Every operation
// that needs the chain becomes a message to the worker; results come back
// on Events.
package dex

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yanun0323/logs"

	"dexadapter/internal/bus"
	"dexadapter/internal/chain"
	errs "dexadapter/internal/errors"
	"dexadapter/internal/execution"
	"dexadapter/internal/marketdata"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/obs"
	"dexadapter/internal/pricing"
	"dexadapter/internal/reconcile"
	"dexadapter/internal/registry"
	"dexadapter/internal/risk"
	"dexadapter/internal/scheduler"
	"dexadapter/internal/wallet"
	"dexadapter/pkg/exception"
)

type Config struct {
	Venue          string
	ChainID        int64
	RPCURL         string
	WSURL          string
	SandboxMode    bool
	WalletKeyRef   wallet.KeyRef
	Sources        []registry.Source
	Factory        common.Address
	DiscoveryLimit int

	Guard         chain.GuardConfig
	Execution     execution.Config
	Scheduler     scheduler.Config
	Book          pricing.BookConfig
	Risk          risk.Config
	QueueCapacity int
	Backpressure  enum.Backpressure
}

type Option struct {
	Config  Config
	Keyring *wallet.Keyring
	// Chain replaces the node client built from Config.
	Chain   chain.Client
	Cache   registry.Cache
	Metrics *obs.Metrics
}

// Adapter connects once. After Disconnect its event queue is closed and a
// new Adapter is needed.
type Adapter struct {
	cfg     Config
	keyring *wallet.Keyring
	cache   registry.Cache
	metrics *obs.Metrics
	queue   *bus.Queue

	mu        sync.Mutex
	chain     chain.Client
	registry  *registry.Registry
	exec      *execution.Client
	worker    *scheduler.Worker
	connected bool
	done      bool
}

func New(opt Option) *Adapter {
	cfg := opt.Config
	if cfg.Venue == "" {
		cfg.Venue = model.DefaultVenue
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 1
	}
	if opt.Keyring == nil {
		opt.Keyring = wallet.NewKeyring()
	}
	if opt.Metrics == nil {
		opt.Metrics = obs.NewMetrics()
	}
	return &Adapter{
		cfg:     cfg,
		keyring: opt.Keyring,
		cache:   opt.Cache,
		metrics: opt.Metrics,
		queue:   bus.NewQueue(cfg.QueueCapacity, cfg.Backpressure, opt.Metrics),
		chain:   opt.Chain,
	}
}

// Connect dials the node, opens the wallet, loads instruments and starts
// the worker. The worker outlives ctx; Disconnect stops it.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return exception.ErrAdapterAlreadyConnected
	}
	if a.done {
		return errs.Wrap(exception.ErrQueueClosed, "adapter already disconnected")
	}

	signer, err := a.keyring.Open(a.cfg.WalletKeyRef)
	if err != nil {
		return err
	}

	if a.chain == nil {
		a.chain = a.newChain(signer.Address())
	}
	if err := a.chain.Connect(ctx); err != nil {
		return err
	}

	reg := registry.New(a.chain, registry.Option{
		Venue:          a.cfg.Venue,
		Sources:        a.sources(),
		Factory:        a.cfg.Factory,
		DiscoveryLimit: a.cfg.DiscoveryLimit,
		Cache:          a.cache,
	})
	if _, err := reg.WarmStart(ctx); err != nil {
		logs.Errorf("warm start registry, err: %+v", err)
	}
	if _, err := reg.LoadAll(ctx); err != nil {
		if errs.KindOf(err).Fatal() || reg.Snapshot().Len() == 0 {
			a.chain.Close()
			return err
		}
		logs.Errorf("load instruments, serving cached registry, err: %+v", err)
	}

	ledger := reconcile.NewLedger()
	journal := reconcile.NewJournal()
	execCfg := a.cfg.Execution
	if execCfg.ChainID == nil {
		execCfg.ChainID = big.NewInt(a.cfg.ChainID)
	}
	if a.cfg.SandboxMode {
		execCfg.Router, execCfg.CLRouter = chain.SandboxRouter, chain.SandboxCLRouter
	}

	var worker *scheduler.Worker
	exec := execution.New(execution.Option{
		Config:  execCfg,
		Chain:   a.chain,
		Signer:  signer,
		Risk:    risk.NewEngine(a.cfg.Risk),
		Journal: journal,
		Ledger:  ledger,
		Metrics: a.metrics,
		Emit:    func(e model.Event) { worker.Emit(e) },
	})
	recon := reconcile.NewEngine(reconcile.Option{
		Chain:        a.chain,
		Orders:       exec,
		Ledger:       ledger,
		Journal:      journal,
		Wallet:       signer.Address(),
		NativeSymbol: execCfg.NativeSymbol,
	})

	schedCfg := a.cfg.Scheduler
	schedCfg.Streaming = a.cfg.SandboxMode || a.cfg.WSURL != ""
	worker = scheduler.New(scheduler.Option{
		Config:    schedCfg,
		Chain:     a.chain,
		Registry:  reg,
		Synth:     marketdata.NewSynthesizer(a.cfg.Book, a.metrics),
		Execution: exec,
		Reconcile: recon,
		Queue:     a.queue,
		Metrics:   a.metrics,
	})
	if err := worker.Start(context.WithoutCancel(ctx)); err != nil {
		a.chain.Close()
		return err
	}

	a.registry, a.exec, a.worker = reg, exec, worker
	a.connected = true
	logs.Infof("adapter connected, venue: %s, chain: %d, instruments: %d, wallet: %s",
		a.cfg.Venue, a.cfg.ChainID, reg.Snapshot().Len(), signer.Address().Hex())
	return nil
}

func (a *Adapter) newChain(wallet common.Address) chain.Client {
	if a.cfg.SandboxMode {
		sb := chain.NewSeededSandbox(a.cfg.ChainID)
		sb.FundDefaults(wallet)
		return sb
	}
	return chain.NewRPCClient(chain.RPCOption{
		URL:     a.cfg.RPCURL,
		WSURL:   a.cfg.WSURL,
		ChainID: a.cfg.ChainID,
		Guard:   a.cfg.Guard,
	}, a.metrics)
}

// sources falls back to the seeded pools in sandbox mode.
func (a *Adapter) sources() []registry.Source {
	if len(a.cfg.Sources) > 0 || !a.cfg.SandboxMode {
		return a.cfg.Sources
	}
	return []registry.Source{
		{Pool: chain.SandboxWETHUSDC, Kind: enum.PoolKindConstantProduct},
		{Pool: chain.SandboxWBTCUSDC, Kind: enum.PoolKindOrderBook},
	}
}

// Disconnect stops the worker, closes the event queue and releases the
// node connection. Events already queued stay readable.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return exception.ErrAdapterNotConnected
	}
	err := a.worker.Close()
	a.chain.Close()
	a.connected, a.done = false, true
	logs.Info("adapter disconnected")
	return err
}

func (a *Adapter) running() (*scheduler.Worker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, exception.ErrAdapterNotConnected
	}
	return a.worker, nil
}

func (a *Adapter) Subscribe(id model.InstrumentID, channel enum.Channel) error {
	w, err := a.checkSubscription(id, channel)
	if err != nil {
		return err
	}
	return w.Subscribe(id, channel)
}

func (a *Adapter) Unsubscribe(id model.InstrumentID, channel enum.Channel) error {
	w, err := a.checkSubscription(id, channel)
	if err != nil {
		return err
	}
	return w.Unsubscribe(id, channel)
}

func (a *Adapter) checkSubscription(id model.InstrumentID, channel enum.Channel) (*scheduler.Worker, error) {
	w, err := a.running()
	if err != nil {
		return nil, err
	}
	if !channel.IsAvailable() {
		return nil, errs.Wrap(exception.ErrInvalidArgument, "channel "+channel.String())
	}
	if _, ok := a.registry.Snapshot().Get(id); !ok {
		return nil, errs.Wrap(exception.ErrRegistryInstrumentNotFound, id.String())
	}
	return w, nil
}

// SubmitOrder hands req to the worker and returns its client order id. The
// outcome arrives as order events.
func (a *Adapter) SubmitOrder(req model.OrderRequest) (string, error) {
	w, err := a.running()
	if err != nil {
		return "", err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = execution.NewClientOrderID()
	}
	if err := w.Submit(req); err != nil {
		return "", err
	}
	return req.ClientOrderID, nil
}

func (a *Adapter) CancelOrder(clientOrderID string) error {
	w, err := a.running()
	if err != nil {
		return err
	}
	return w.Cancel(clientOrderID)
}

// QueryOrderStatus reads the latest local view of an order.
func (a *Adapter) QueryOrderStatus(clientOrderID string) (model.OrderStatusReport, error) {
	a.mu.Lock()
	exec := a.exec
	a.mu.Unlock()
	if exec == nil {
		return model.OrderStatusReport{}, exception.ErrAdapterNotConnected
	}
	return exec.Query(clientOrderID)
}

// Reconcile asks for a reconciliation report ahead of the interval.
func (a *Adapter) Reconcile() error {
	w, err := a.running()
	if err != nil {
		return err
	}
	return w.Reconcile()
}

// RefreshInstruments reloads the named instruments and leaves the rest.
func (a *Adapter) RefreshInstruments(ids ...model.InstrumentID) error {
	w, err := a.running()
	if err != nil {
		return err
	}
	return w.Refresh(ids...)
}

// Instruments is the current registry snapshot.
func (a *Adapter) Instruments() []model.Instrument {
	a.mu.Lock()
	reg := a.registry
	a.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Snapshot().All()
}

func (a *Adapter) Events() <-chan model.Event {
	return a.queue.Events()
}

func (a *Adapter) Status() enum.ConnStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return enum.ConnStatusDisconnected
	}
	return a.worker.Status()
}

func (a *Adapter) Metrics() obs.Snapshot {
	return a.metrics.Snapshot()
}
