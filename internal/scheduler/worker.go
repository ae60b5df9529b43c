// Package scheduler runs the single worker goroutine that owns every chain
// call. Consumers talk to it through commands and read its results from the
// event queue.
package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

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
	"dexadapter/internal/reconcile"
	"dexadapter/internal/registry"
	"dexadapter/pkg/exception"
)

const defaultCommandBuffer = 256

type Config struct {
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	CommandBuffer     int
	// Streaming asks the node for a log subscription. Without it, or when
	// the node cannot stream, logs are polled every cycle.
	Streaming bool
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      2 * time.Second,
		ReconcileInterval: time.Minute,
		CommandBuffer:     defaultCommandBuffer,
	}
}

type Option struct {
	Config    Config
	Chain     chain.Client
	Registry  *registry.Registry
	Synth     *marketdata.Synthesizer
	Execution *execution.Client
	Reconcile *reconcile.Engine
	Queue     *bus.Queue
	Metrics   *obs.Metrics
	Now       func() time.Time
}

type commandKind uint8

const (
	cmdSubscribe commandKind = iota + 1
	cmdUnsubscribe
	cmdSubmit
	cmdCancel
	cmdReconcile
	cmdRefresh
)

type command struct {
	kind       commandKind
	instrument model.InstrumentID
	channel    enum.Channel
	order      model.OrderRequest
	orderID    string
	refresh    []model.InstrumentID
}

// Worker owns the chain client, the synthesizer and the execution client.
// Only Status, Err and the enqueue methods are safe from other goroutines.
type Worker struct {
	cfg       Config
	chain     chain.Client
	registry  *registry.Registry
	synth     *marketdata.Synthesizer
	exec      *execution.Client
	recon     *reconcile.Engine
	queue     *bus.Queue
	metrics   *obs.Metrics
	now       func() time.Time
	cmds      chan command
	status    atomic.Uint32
	err       atomic.Value
	started   atomic.Bool
	stopped   atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	runCtx    context.Context

	subs        map[model.InstrumentID]map[enum.Channel]struct{}
	states      map[model.InstrumentID]model.PoolState
	stream      chain.Subscription
	streamed    []common.Address
	streamDirty bool
	streaming   bool
	logFrom     uint64
	lastErr     string
}

func New(opt Option) *Worker {
	cfg := opt.Config
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = def.CommandBuffer
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	w := &Worker{
		cfg:       cfg,
		chain:     opt.Chain,
		registry:  opt.Registry,
		synth:     opt.Synth,
		exec:      opt.Execution,
		recon:     opt.Reconcile,
		queue:     opt.Queue,
		metrics:   opt.Metrics,
		now:       opt.Now,
		cmds:      make(chan command, cfg.CommandBuffer),
		runCtx:    context.Background(),
		subs:      make(map[model.InstrumentID]map[enum.Channel]struct{}),
		states:    make(map[model.InstrumentID]model.PoolState),
		streaming: cfg.Streaming,
	}
	w.status.Store(uint32(enum.ConnStatusDisconnected))
	return w
}

// Start runs the worker loop in a new goroutine.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return exception.ErrAdapterAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.runCtx = ctx
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.run(ctx); err != nil {
			w.err.Store(err)
		}
	}()
	return nil
}

// Close cancels the loop, waits for the command in progress and closes the
// event queue. Buffered events stay readable.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		w.stopped.Store(true)
		w.queue.Close()
	})
	return w.Err()
}

// Err returns the error that stopped the loop, if any.
func (w *Worker) Err() error {
	if v := w.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (w *Worker) Status() enum.ConnStatus {
	return enum.ConnStatus(w.status.Load())
}

// Emit publishes an event from the worker goroutine. The execution client
// reports through it.
func (w *Worker) Emit(e model.Event) {
	w.publish(w.runCtx, e)
}

func (w *Worker) Subscribe(id model.InstrumentID, channel enum.Channel) error {
	return w.enqueue(command{kind: cmdSubscribe, instrument: id, channel: channel})
}

func (w *Worker) Unsubscribe(id model.InstrumentID, channel enum.Channel) error {
	return w.enqueue(command{kind: cmdUnsubscribe, instrument: id, channel: channel})
}

func (w *Worker) Submit(req model.OrderRequest) error {
	return w.enqueue(command{kind: cmdSubmit, order: req})
}

func (w *Worker) Cancel(clientOrderID string) error {
	return w.enqueue(command{kind: cmdCancel, orderID: clientOrderID})
}

// Reconcile requests a reconciliation pass ahead of the interval.
func (w *Worker) Reconcile() error {
	return w.enqueue(command{kind: cmdReconcile})
}

// Refresh reloads the metadata of the named instruments.
func (w *Worker) Refresh(ids ...model.InstrumentID) error {
	return w.enqueue(command{kind: cmdRefresh, refresh: slices.Clone(ids)})
}

func (w *Worker) enqueue(cmd command) error {
	if !w.started.Load() || w.stopped.Load() {
		return exception.ErrAdapterNotConnected
	}
	select {
	case w.cmds <- cmd:
		return nil
	default:
		return exception.ErrCommandQueueFull
	}
}

func (w *Worker) run(ctx context.Context) error {
	defer w.shutdown()

	w.refreshStatus(ctx)
	if err := w.reconcile(ctx); err != nil {
		return w.fail(ctx, err)
	}

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	recon := time.NewTicker(w.cfg.ReconcileInterval)
	defer recon.Stop()

	for {
		var (
			logC <-chan chain.Log
			errC <-chan error
		)
		if w.stream != nil {
			logC, errC = w.stream.Logs(), w.stream.Err()
		}

		var err error
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-w.cmds:
			err = w.handle(ctx, cmd)
		case <-poll.C:
			err = w.cycle(ctx)
		case <-recon.C:
			err = w.reconcile(ctx)
		case l, ok := <-logC:
			if !ok {
				w.dropStream()
				continue
			}
			err = w.onLogs(ctx, []chain.Log{l})
		case serr := <-errC:
			logs.Errorf("log subscription failed, fall back to polling, err: %+v", serr)
			w.dropStream()
		}

		if ctx.Err() != nil {
			return nil
		}
		if err != nil && errs.KindOf(err).Fatal() {
			return w.fail(ctx, err)
		}
	}
}

// fail reports an unrecoverable error as a disconnected venue.
func (w *Worker) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	logs.Errorf("worker stopped, err: %+v", err)
	w.setStatus(ctx, enum.ConnStatusDisconnected, err.Error())
	return err
}

func (w *Worker) shutdown() {
	w.stopped.Store(true)
	w.dropStream()
	if w.Status() != enum.ConnStatusDisconnected {
		w.status.Store(uint32(enum.ConnStatusDisconnected))
		ev := model.StatusEvent(model.VenueStatus{Status: enum.ConnStatusDisconnected, Reason: "shutdown", TsEvent: w.now().UnixNano()})
		if err := w.queue.TryPublish(ev); err != nil {
			logs.Errorf("publish final status, err: %+v", err)
		}
	}
	logs.Info("worker stopped")
}

func (w *Worker) handle(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdSubscribe:
		return w.subscribe(ctx, cmd.instrument, cmd.channel)
	case cmdUnsubscribe:
		w.unsubscribe(cmd.instrument, cmd.channel)
		return nil
	case cmdSubmit:
		return w.submit(ctx, cmd.order)
	case cmdCancel:
		if err := w.exec.Cancel(ctx, cmd.orderID); err != nil {
			logs.Errorf("cancel %s, err: %+v", cmd.orderID, err)
			if errs.KindOf(err).Fatal() {
				return err
			}
		}
		return nil
	case cmdReconcile:
		return w.reconcile(ctx)
	case cmdRefresh:
		if _, err := w.registry.LoadByID(ctx, cmd.refresh...); err != nil {
			logs.Errorf("refresh instruments, err: %+v", err)
			if errs.KindOf(err).Fatal() {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func (w *Worker) subscribe(ctx context.Context, id model.InstrumentID, channel enum.Channel) error {
	inst, ok := w.registry.Snapshot().Get(id)
	if !ok {
		logs.Errorf("subscribe %s %s, err: %+v", id, channel, exception.ErrRegistryInstrumentNotFound)
		return nil
	}
	set, ok := w.subs[id]
	if !ok {
		set = make(map[enum.Channel]struct{}, 3)
		w.subs[id] = set
		w.streamDirty = true
	}
	if _, dup := set[channel]; dup {
		return nil
	}
	set[channel] = struct{}{}
	logs.Infof("subscribed %s %s", id, channel)

	if err := w.ensureLogs(ctx); err != nil {
		return err
	}
	if channel == enum.ChannelTrades {
		return nil
	}

	prev, seen := w.states[id]
	emitted, err := w.pollInstrument(ctx, inst)
	if err != nil || emitted || !seen {
		return err
	}
	// unchanged state: the new channel still gets the current view
	return w.publishInitial(ctx, inst, channel, prev)
}

func (w *Worker) publishInitial(ctx context.Context, inst model.Instrument, channel enum.Channel, state model.PoolState) error {
	ts := w.now().UnixNano()
	switch channel {
	case enum.ChannelQuotes:
		q, err := marketdata.Quote(inst, state, ts)
		if err != nil {
			return err
		}
		if q != nil {
			w.publish(ctx, model.QuoteEvent(*q))
		}
	case enum.ChannelBook:
		book, err := w.synth.Snapshot(inst, state, ts)
		if err != nil {
			return err
		}
		if book != nil {
			w.publish(ctx, model.BookEvent(*book))
		}
	}
	return nil
}

func (w *Worker) unsubscribe(id model.InstrumentID, channel enum.Channel) {
	set, ok := w.subs[id]
	if !ok {
		return
	}
	delete(set, channel)
	logs.Infof("unsubscribed %s %s", id, channel)
	if len(set) > 0 {
		return
	}
	delete(w.subs, id)
	delete(w.states, id)
	w.synth.Forget(id)
	w.streamDirty = true
}

func (w *Worker) subscribed(id model.InstrumentID, channel enum.Channel) bool {
	_, ok := w.subs[id][channel]
	return ok
}

func (w *Worker) submit(ctx context.Context, req model.OrderRequest) error {
	inst, ok := w.registry.Snapshot().Get(req.InstrumentID)
	if !ok {
		_ = w.exec.Reject(req, errs.Wrap(exception.ErrRegistryInstrumentNotFound, req.InstrumentID.String()))
		return nil
	}
	state, err := w.fetchState(ctx, inst)
	if err != nil {
		if errs.KindOf(err).Fatal() {
			return err
		}
		_ = w.exec.Reject(req, err)
		return nil
	}
	if _, err := w.exec.Submit(ctx, req, inst, state); err != nil {
		logs.Errorf("submit %s, err: %+v", req.ClientOrderID, err)
		if errs.KindOf(err).Fatal() {
			return err
		}
	}
	return nil
}

func (w *Worker) fetchState(ctx context.Context, inst model.Instrument) (model.PoolState, error) {
	raw, err := w.chain.FetchPoolState(ctx, inst.Kind, inst.Pool)
	if err != nil {
		return model.PoolState{}, err
	}
	return marketdata.Normalize(inst, raw)
}

// cycle is one poll round: pool states, logs without a stream, receipts,
// then connectivity.
func (w *Worker) cycle(ctx context.Context) error {
	start := w.now()
	defer func() {
		w.metrics.ObserveCycle(w.now().Sub(start))
	}()

	snap := w.registry.Snapshot()
	for _, id := range w.subscribedIDs() {
		inst, ok := snap.Get(id)
		if !ok {
			continue
		}
		if _, err := w.pollInstrument(ctx, inst); err != nil && errs.KindOf(err).Fatal() {
			return err
		}
	}

	if err := w.ensureLogs(ctx); err != nil && errs.KindOf(err).Fatal() {
		return err
	}
	if w.stream == nil {
		if err := w.pollLogs(ctx); err != nil && errs.KindOf(err).Fatal() {
			return err
		}
	}

	terminal, err := w.exec.Poll(ctx)
	if err != nil {
		if errs.KindOf(err).Fatal() {
			return err
		}
		w.noteErr(err)
	}
	if terminal > 0 {
		if err := w.refreshAccount(ctx); err != nil && errs.KindOf(err).Fatal() {
			return err
		}
	}

	w.refreshStatus(ctx)
	return nil
}

func (w *Worker) subscribedIDs() []model.InstrumentID {
	ids := make([]model.InstrumentID, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b model.InstrumentID) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	return ids
}

// pollInstrument reads one pool and publishes what changed. It reports
// whether anything was published.
func (w *Worker) pollInstrument(ctx context.Context, inst model.Instrument) (bool, error) {
	state, err := w.fetchState(ctx, inst)
	if err != nil {
		logs.Errorf("poll %s, err: %+v", inst.ID, err)
		w.noteErr(err)
		return false, err
	}
	return w.onState(ctx, inst, state), nil
}

func (w *Worker) onState(ctx context.Context, inst model.Instrument, state model.PoolState) bool {
	up, ok, err := w.synth.OnState(inst, state)
	if err != nil {
		logs.Errorf("skip state of %s, err: %+v", inst.ID, err)
		return false
	}
	if !ok {
		return false
	}
	w.states[inst.ID] = up.State
	published := false
	if up.Quote != nil && w.subscribed(inst.ID, enum.ChannelQuotes) {
		w.publish(ctx, model.QuoteEvent(*up.Quote))
		published = true
	}
	if up.Book != nil && w.subscribed(inst.ID, enum.ChannelBook) {
		w.publish(ctx, model.BookEvent(*up.Book))
		published = true
	}
	return published
}

// ensureLogs opens a stream for the subscribed pools when the node can
// stream and the pool set changed.
func (w *Worker) ensureLogs(ctx context.Context) error {
	if !w.streamDirty && (w.stream != nil || !w.streaming) {
		return nil
	}
	filter, ok := w.logFilter()
	if w.logFrom == 0 && ok {
		head, err := w.chain.BlockNumber(ctx)
		if err != nil {
			w.noteErr(err)
			return err
		}
		w.logFrom = head + 1
	}
	if !w.streaming {
		w.streamDirty = false
		return nil
	}

	// logs already buffered on the old stream are consumed before it goes
	prev := w.streamed
	if w.stream != nil {
		if err := w.drainStream(ctx); err != nil {
			return err
		}
	}
	w.dropStream()
	if !ok {
		w.streamDirty = false
		return nil
	}
	sub, err := w.chain.Subscribe(ctx, filter)
	if err != nil {
		if errors.Is(err, exception.ErrChainSubscriptionUnsupport) {
			logs.Info("node cannot stream logs, polling instead")
			w.streaming = false
			w.streamDirty = false
			return nil
		}
		// stay dirty so the next cycle tries again
		logs.Errorf("subscribe logs, err: %+v", err)
		w.noteErr(err)
		return err
	}
	w.stream = sub
	w.streamed = filter.Addresses
	w.streamDirty = false
	logs.Infof("streaming logs of %d pools", len(filter.Addresses))
	if err := w.backfill(ctx, prev, filter.Topics); err != nil && errs.KindOf(err).Fatal() {
		return err
	}
	return nil
}

// drainStream hands the logs buffered on the current stream to onLogs
// without waiting for more.
func (w *Worker) drainStream(ctx context.Context) error {
	var batch []chain.Log
	for {
		select {
		case l, ok := <-w.stream.Logs():
			if !ok {
				return w.onLogs(ctx, batch)
			}
			batch = append(batch, l)
		default:
			return w.onLogs(ctx, batch)
		}
	}
}

// backfill reads the logs of pools that were streamed before a resubscribe,
// from the last streamed block to the head. Logs already seen are dropped
// by the synthesizer.
func (w *Worker) backfill(ctx context.Context, pools []common.Address, topics [][]common.Hash) error {
	if len(pools) == 0 || w.logFrom == 0 {
		return nil
	}
	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		w.noteErr(err)
		return err
	}
	if head < w.logFrom {
		return nil
	}
	filter := chain.Filter{Addresses: pools, Topics: topics, FromBlock: w.logFrom, ToBlock: head}
	found, err := w.chain.FilterLogs(ctx, filter)
	if err != nil {
		logs.Errorf("backfill logs %d..%d, err: %+v", filter.FromBlock, filter.ToBlock, err)
		w.noteErr(err)
		return err
	}
	sortLogs(found)
	return w.onLogs(ctx, found)
}

func (w *Worker) dropStream() {
	if w.stream == nil {
		return
	}
	w.stream.Unsubscribe()
	w.stream = nil
	w.streamed = nil
	w.streamDirty = true
}

// logFilter covers every subscribed pool and the topics of its kind.
func (w *Worker) logFilter() (chain.Filter, bool) {
	snap := w.registry.Snapshot()
	var (
		addrs  []common.Address
		topics []common.Hash
	)
	for _, id := range w.subscribedIDs() {
		inst, ok := snap.Get(id)
		if !ok {
			continue
		}
		addrs = append(addrs, inst.Pool)
		for _, t := range marketdata.Topics(inst.Kind) {
			if !slices.Contains(topics, t) {
				topics = append(topics, t)
			}
		}
	}
	if len(addrs) == 0 {
		return chain.Filter{}, false
	}
	return chain.Filter{Addresses: addrs, Topics: [][]common.Hash{topics}}, true
}

// pollLogs reads logs from the last seen block up to the head.
func (w *Worker) pollLogs(ctx context.Context) error {
	filter, ok := w.logFilter()
	if !ok {
		return nil
	}
	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		w.noteErr(err)
		return err
	}
	if w.logFrom == 0 {
		w.logFrom = head + 1
		return nil
	}
	if head < w.logFrom {
		return nil
	}
	filter.FromBlock, filter.ToBlock = w.logFrom, head
	found, err := w.chain.FilterLogs(ctx, filter)
	if err != nil {
		logs.Errorf("filter logs %d..%d, err: %+v", filter.FromBlock, filter.ToBlock, err)
		w.noteErr(err)
		return err
	}
	sortLogs(found)
	if err := w.onLogs(ctx, found); err != nil {
		return err
	}
	w.logFrom = head + 1
	return nil
}

func sortLogs(found []chain.Log) {
	slices.SortFunc(found, func(a, b chain.Log) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
}

func (w *Worker) onLogs(ctx context.Context, batch []chain.Log) error {
	snap := w.registry.Snapshot()
	for _, l := range batch {
		if w.stream != nil {
			// a stream can break mid block; polling resumes from that block
			w.logFrom = max(w.logFrom, l.Block)
		}
		inst, ok := snap.ByPool(l.Address)
		if !ok {
			continue
		}
		if _, tracked := w.subs[inst.ID]; !tracked {
			continue
		}
		up, ok, err := w.synth.OnLog(inst, l)
		if err != nil {
			logs.Errorf("skip log %s-%d of %s, err: %+v", l.TxHash.Hex(), l.Index, inst.ID, err)
			continue
		}
		if !ok {
			continue
		}
		if up.Trade != nil && w.subscribed(inst.ID, enum.ChannelTrades) {
			w.publish(ctx, model.TradeEvent(*up.Trade))
		}
		if up.Deltas != nil && w.subscribed(inst.ID, enum.ChannelBook) {
			w.publish(ctx, model.BookEvent(*up.Deltas))
		}
		if up.State != nil {
			w.onState(ctx, inst, *up.State)
		}
	}
	return nil
}

func (w *Worker) reconcile(ctx context.Context) error {
	currencies := reconcile.Currencies(w.registry.Snapshot().All())
	report, account, err := w.recon.Run(ctx, currencies)
	if err != nil {
		logs.Errorf("reconcile, err: %+v", err)
		w.noteErr(err)
		if errs.KindOf(err).Fatal() {
			return err
		}
		return nil
	}
	w.publish(ctx, model.ReconciliationEvent(report))
	w.publish(ctx, model.AccountEvent(account))
	return nil
}

// refreshAccount publishes the wallet balances after a transaction settled.
func (w *Worker) refreshAccount(ctx context.Context) error {
	account, err := w.recon.AccountState(ctx, reconcile.Currencies(w.registry.Snapshot().All()))
	if err != nil {
		logs.Errorf("refresh account, err: %+v", err)
		w.noteErr(err)
		return err
	}
	w.publish(ctx, model.AccountEvent(account))
	return nil
}

func (w *Worker) noteErr(err error) {
	if err != nil {
		w.lastErr = err.Error()
	}
}

func (w *Worker) refreshStatus(ctx context.Context) {
	st := w.chain.Status()
	reason := ""
	if st != enum.ConnStatusConnected {
		reason = w.lastErr
	}
	w.setStatus(ctx, st, reason)
	if st == enum.ConnStatusConnected {
		w.lastErr = ""
	}
}

func (w *Worker) setStatus(ctx context.Context, st enum.ConnStatus, reason string) {
	if enum.ConnStatus(w.status.Swap(uint32(st))) == st {
		return
	}
	logs.Infof("venue status %s, reason: %s", st, reason)
	w.publish(ctx, model.StatusEvent(model.VenueStatus{Status: st, Reason: reason, TsEvent: w.now().UnixNano()}))
}

func (w *Worker) publish(ctx context.Context, e model.Event) {
	if err := w.queue.Publish(ctx, e); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, exception.ErrQueueClosed) {
			return
		}
		logs.Errorf("publish %s, err: %+v", e.Kind, err)
	}
}
