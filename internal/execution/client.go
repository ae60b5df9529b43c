// Package execution turns order requests into signed transactions and
// follows them to a terminal status.
package execution

import (
	"context"
	"math/big"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"dexadapter/internal/chain"
	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/internal/obs"
	"dexadapter/internal/risk"
	"dexadapter/pkg/exception"
)

const nativeDecimals = 18

// Chain is the part of chain.Client execution needs.
type Chain interface {
	EstimateGas(ctx context.Context, msg chain.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SubmitTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	GetReceipt(ctx context.Context, hash common.Hash) (chain.Receipt, error)
}

// Signer signs transactions for one wallet.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Journal collects orders whose outcome needs reconciliation.
type Journal interface {
	Append(entry model.ReconciliationEntry)
}

// Ledger tracks the provisional balance effect of confirmed transactions.
type Ledger interface {
	ApplyFill(inst model.Instrument, side enum.OrderSide, base, quote decimal.Decimal)
	ApplyGas(fee decimal.Decimal)
}

type Config struct {
	ChainID            *big.Int
	MaxSlippageBps     int64
	GasLimit           uint64
	GasMarginPct       uint64
	ReceiptMaxAttempts int
	// Deadline is added to the submission time for router swaps.
	Deadline     time.Duration
	Router       common.Address
	CLRouter     common.Address
	NativeSymbol string
}

func DefaultConfig() Config {
	return Config{
		ChainID:            big.NewInt(1),
		MaxSlippageBps:     50,
		GasLimit:           300_000,
		GasMarginPct:       20,
		ReceiptMaxAttempts: 30,
		Deadline:           5 * time.Minute,
		NativeSymbol:       "ETH",
	}
}

type Option struct {
	Config  Config
	Chain   Chain
	Signer  Signer
	Risk    *risk.Engine
	Journal Journal
	Ledger  Ledger
	Metrics *obs.Metrics
	// Emit receives every order event. It must not block for long.
	Emit func(model.Event)
	Now  func() time.Time
}

type cancelTx struct {
	orderID string
	polls   int
}

// Client owns the order state machine. Every method except Query must be
// called from the worker goroutine.
type Client struct {
	cfg     Config
	chain   Chain
	signer  Signer
	risk    *risk.Engine
	journal Journal
	ledger  Ledger
	metrics *obs.Metrics
	emit    func(model.Event)
	now     func() time.Time

	state       *StateMachine
	instruments map[string]model.Instrument
	cancels     map[common.Hash]*cancelTx
	nextNonce   uint64

	snapshot atomic.Pointer[map[string]model.Order]
}

func New(opt Option) *Client {
	cfg := opt.Config
	def := DefaultConfig()
	if cfg.ChainID == nil {
		cfg.ChainID = def.ChainID
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = def.GasLimit
	}
	if cfg.ReceiptMaxAttempts <= 0 {
		cfg.ReceiptMaxAttempts = def.ReceiptMaxAttempts
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = def.NativeSymbol
	}
	if opt.Risk == nil {
		opt.Risk = risk.NewEngine(risk.Config{})
	}
	if opt.Emit == nil {
		opt.Emit = func(model.Event) {}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	c := &Client{
		cfg:         cfg,
		chain:       opt.Chain,
		signer:      opt.Signer,
		risk:        opt.Risk,
		journal:     opt.Journal,
		ledger:      opt.Ledger,
		metrics:     opt.Metrics,
		emit:        opt.Emit,
		now:         opt.Now,
		state:       NewStateMachine(),
		instruments: make(map[string]model.Instrument),
		cancels:     make(map[common.Hash]*cancelTx),
	}
	empty := map[string]model.Order{}
	c.snapshot.Store(&empty)
	return c
}

// Wallet returns the signing address.
func (c *Client) Wallet() common.Address {
	return c.signer.Address()
}

// Query reads the latest published order without chain I/O. Safe from any
// goroutine.
func (c *Client) Query(clientOrderID string) (model.OrderStatusReport, error) {
	o, ok := (*c.snapshot.Load())[clientOrderID]
	if !ok {
		return model.OrderStatusReport{}, errs.Wrap(exception.ErrOrderNotFound, clientOrderID)
	}
	return model.NewOrderStatusReport(o, c.now().UnixNano()), nil
}

// Orders returns every tracked order, oldest first.
func (c *Client) Orders() []model.Order {
	return c.state.All()
}

// NewClientOrderID generates an id for requests that come without one.
func NewClientOrderID() string {
	return uuid.NewString()
}

// Reject records a request that cannot be priced or routed and emits the
// rejection.
func (c *Client) Reject(req model.OrderRequest, cause error) error {
	if _, err := c.state.Create(req, c.now().UnixNano()); err != nil {
		c.emitRejection(req, err.Error())
		return err
	}
	c.reject(req.ClientOrderID, cause.Error())
	return cause
}

// Submit validates, prices, signs and broadcasts req. Failures before the
// transaction reaches the node end in REJECTED with an OrderRejected event.
func (c *Client) Submit(ctx context.Context, req model.OrderRequest, inst model.Instrument, state model.PoolState) (model.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID()
	}
	if _, err := c.state.Create(req, c.now().UnixNano()); err != nil {
		c.emitRejection(req, err.Error())
		return model.Order{}, err
	}
	c.publish(req.ClientOrderID)
	c.instruments[req.ClientOrderID] = inst

	if !req.Side.IsAvailable() {
		return c.reject(req.ClientOrderID, "invalid side"), exception.ErrOrderInvalidRequest
	}

	decision := c.risk.Evaluate(inst, state, req.Side, req.Quantity)
	if !decision.Allow {
		return c.reject(req.ClientOrderID, decision.Reason.String()), decision.Err()
	}

	p, err := c.build(inst, req, decision.ExpectedPrice, state)
	if err != nil {
		return c.reject(req.ClientOrderID, err.Error()), err
	}

	hash, gas, err := c.send(ctx, p.to, p.data)
	if err != nil && hash == (common.Hash{}) {
		return c.reject(req.ClientOrderID, err.Error()), err
	}
	if err != nil {
		// The node may or may not hold the transaction. Receipt polling
		// settles it either way.
		logs.Errorf("submit %s uncertain, tx: %s, err: %+v", req.ClientOrderID, hash.Hex(), err)
	}

	ts := c.now().UnixNano()
	o, terr := c.state.Transition(req.ClientOrderID, enum.OrderStatusSubmitted, ts, func(o *model.Order) {
		o.TxHash = hash
		o.AmountIn = p.amountIn
		o.MinAmountOut = p.minOut
		o.ExpectedPrice = decision.ExpectedPrice
		o.LimitPrice = p.limit
		o.GasLimit = gas
		o.TsSubmitted = ts
	})
	if terr != nil {
		return o, terr
	}
	c.publish(o.ClientOrderID)
	c.emit(c.orderEvent(enum.EventOrderAccepted, o, ""))
	logs.Infof("order %s submitted, instrument: %s, side: %s, qty: %s, tx: %s", o.ClientOrderID, o.InstrumentID, o.Side, o.Quantity, hash.Hex())
	return o, nil
}

// send estimates gas, signs and broadcasts a call. A non-zero hash with an
// error means the broadcast outcome is unknown.
func (c *Client) send(ctx context.Context, to common.Address, data []byte) (common.Hash, uint64, error) {
	from := c.signer.Address()
	estimate, err := c.chain.EstimateGas(ctx, chain.CallMsg{From: from, To: to, Data: data})
	if err != nil {
		return common.Hash{}, 0, errs.Wrap(err, "estimate gas")
	}
	gas, err := c.gasWithMargin(estimate)
	if err != nil {
		return common.Hash{}, 0, err
	}
	gasPrice, err := c.chain.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, 0, errs.Wrap(err, "suggest gas price")
	}
	nonce, err := c.chain.PendingNonce(ctx, from)
	if err != nil {
		return common.Hash{}, 0, errs.Wrap(err, "pending nonce")
	}
	nonce = max(nonce, c.nextNonce)

	signed, err := c.signer.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	}), c.cfg.ChainID)
	if err != nil {
		return common.Hash{}, 0, errs.WithKind(errs.KindAuthentication, errs.Wrap(err, "sign transaction"))
	}

	hash, err := c.chain.SubmitTransaction(ctx, signed)
	if err != nil {
		switch errs.KindOf(err) {
		case errs.KindTransientNetwork, errs.KindTimeout:
			c.nextNonce = nonce + 1
			return signed.Hash(), gas, err
		default:
			c.nextNonce = 0
			return common.Hash{}, 0, errs.Wrap(err, "submit transaction")
		}
	}
	c.nextNonce = nonce + 1
	return hash, gas, nil
}

// gasWithMargin adds the safety margin and caps the result at the limit.
func (c *Client) gasWithMargin(estimate uint64) (uint64, error) {
	if estimate > c.cfg.GasLimit {
		return 0, errs.Wrap(exception.ErrOrderGasAboveLimit, "estimate "+strconv.FormatUint(estimate, 10))
	}
	gas := estimate * (100 + c.cfg.GasMarginPct) / 100
	return min(gas, c.cfg.GasLimit), nil
}

// Poll checks every in-flight transaction once and returns how many orders
// reached a terminal status.
func (c *Client) Poll(ctx context.Context) (int, error) {
	terminal := 0
	for _, o := range c.state.InFlight() {
		if ctx.Err() != nil {
			return terminal, ctx.Err()
		}
		done, err := c.pollOrder(ctx, o)
		if err != nil && errs.KindOf(err).Fatal() {
			return terminal, err
		}
		if done {
			terminal++
		}
	}
	for hash, ct := range c.cancels {
		if ctx.Err() != nil {
			return terminal, ctx.Err()
		}
		done, err := c.pollCancel(ctx, hash, ct)
		if err != nil && errs.KindOf(err).Fatal() {
			return terminal, err
		}
		if done {
			terminal++
		}
	}
	return terminal, nil
}

func (c *Client) pollOrder(ctx context.Context, o model.Order) (bool, error) {
	c.metrics.IncReceiptPoll()
	receipt, err := c.chain.GetReceipt(ctx, o.TxHash)
	polls := o.ReceiptPolls + 1
	if err != nil {
		logs.Errorf("receipt of %s, tx: %s, poll: %d, err: %+v", o.ClientOrderID, o.TxHash.Hex(), polls, err)
		if errs.KindOf(err).Fatal() {
			return false, err
		}
		receipt = chain.Receipt{Status: enum.ReceiptStatusPending}
	}

	ts := c.now().UnixNano()
	switch receipt.Status {
	case enum.ReceiptStatusSuccess:
		c.confirm(o.ClientOrderID, receipt, ts)
		return true, nil
	case enum.ReceiptStatusReverted:
		c.revert(o.ClientOrderID, receipt, ts)
		return true, nil
	}

	if o.Status == enum.OrderStatusSubmitted {
		o, _ = c.state.Transition(o.ClientOrderID, enum.OrderStatusPending, ts, nil)
	}
	o, _ = c.state.Update(o.ClientOrderID, func(o *model.Order) { o.ReceiptPolls = polls })
	if polls < c.cfg.ReceiptMaxAttempts {
		c.publish(o.ClientOrderID)
		return false, nil
	}

	c.timeout(o.ClientOrderID, ts)
	return true, nil
}

func (c *Client) confirm(id string, receipt chain.Receipt, ts int64) {
	inst := c.instruments[id]
	fee := weiToNative(receipt.GasCost())
	cur, _ := c.state.Order(id)
	f, ferr := readFill(inst, cur, receipt.Logs)

	o, err := c.state.Transition(id, enum.OrderStatusConfirmed, ts, func(o *model.Order) {
		o.Block = receipt.Block
		o.Commission = fee
		o.FilledQty = f.qty
		o.AvgPx = f.avgPx
		o.VenueOrderRef = f.venueRef
		if ferr != nil {
			o.Reason = ferr.Error()
		}
	})
	if err != nil {
		logs.Errorf("confirm %s, err: %+v", id, err)
		return
	}
	c.publish(id)
	c.metrics.ObserveConfirm(time.Duration(ts - o.TsSubmitted))

	if c.ledger != nil {
		c.ledger.ApplyGas(fee)
		if f.qty.IsPositive() {
			c.ledger.ApplyFill(inst, o.Side, f.qty, f.quote)
		}
	}

	if ferr != nil {
		c.metrics.IncMalformed()
		logs.Errorf("fill of %s unreadable, tx: %s, err: %+v", id, o.TxHash.Hex(), ferr)
		c.appendJournal(o, "confirmed but fill logs unreadable: "+ferr.Error(), ts)
	}

	if f.qty.IsPositive() {
		ev := c.orderEvent(enum.EventOrderFilled, o, "")
		ev.Order.FillQty = f.qty
		ev.Order.FillPx = f.avgPx
		ev.Order.Commission = fee
		ev.Order.CommissionCurrency = c.cfg.NativeSymbol
		c.emit(ev)
	} else {
		c.emit(model.ReportEvent(model.NewOrderStatusReport(o, ts)))
	}
	logs.Infof("order %s confirmed, block: %d, filled: %s, avgPx: %s, gas: %s", id, o.Block, o.FilledQty, o.AvgPx, fee)
}

func (c *Client) revert(id string, receipt chain.Receipt, ts int64) {
	fee := weiToNative(receipt.GasCost())
	reason := receipt.RevertReason
	if reason == "" {
		reason = "execution reverted"
	}
	o, err := c.state.Transition(id, enum.OrderStatusReverted, ts, func(o *model.Order) {
		o.Block = receipt.Block
		o.Commission = fee
		o.Reason = reason
	})
	if err != nil {
		logs.Errorf("revert %s, err: %+v", id, err)
		return
	}
	c.publish(id)
	if c.ledger != nil {
		c.ledger.ApplyGas(fee)
	}
	ev := c.orderEvent(enum.EventOrderRejected, o, reason)
	ev.Order.Commission = fee
	ev.Order.CommissionCurrency = c.cfg.NativeSymbol
	c.emit(ev)
	logs.Errorf("order %s reverted, tx: %s, reason: %s", id, o.TxHash.Hex(), reason)
}

func (c *Client) timeout(id string, ts int64) {
	if _, err := c.state.Transition(id, enum.OrderStatusTimeout, ts, nil); err != nil {
		logs.Errorf("timeout %s, err: %+v", id, err)
		return
	}
	reason := "no receipt after " + strconv.Itoa(c.cfg.ReceiptMaxAttempts) + " polls"
	o, err := c.state.Transition(id, enum.OrderStatusUnknown, ts, func(o *model.Order) { o.Reason = reason })
	if err != nil {
		logs.Errorf("timeout %s, err: %+v", id, err)
		return
	}
	c.publish(id)
	c.appendJournal(o, reason, ts)

	report := model.NewOrderStatusReport(o, ts)
	report.Note = reason
	c.emit(model.ReportEvent(report))
	logs.Errorf("order %s unknown, tx: %s, reason: %s", id, o.TxHash.Hex(), reason)
}

// Cancel sends an on-chain cancel for a resting order book order. Other
// venues report ErrCancelUnsupported.
func (c *Client) Cancel(ctx context.Context, clientOrderID string) error {
	o, ok := c.state.Order(clientOrderID)
	if !ok {
		err := errs.Wrap(exception.ErrOrderNotFound, clientOrderID)
		c.emit(c.cancelRejected(model.Order{ClientOrderID: clientOrderID}, err.Error()))
		return err
	}
	if inst := c.instruments[clientOrderID]; inst.Kind != enum.PoolKindOrderBook {
		c.emit(c.cancelRejected(o, exception.ErrCancelUnsupported.Error()))
		return exception.ErrCancelUnsupported
	}
	if o.Status != enum.OrderStatusConfirmed || o.VenueOrderRef == "" || !o.FilledQty.LessThan(o.Quantity) || c.cancelPending(clientOrderID) {
		c.emit(c.cancelRejected(o, exception.ErrCancelNotCancelable.Error()))
		return exception.ErrCancelNotCancelable
	}

	ref, ok := new(big.Int).SetString(o.VenueOrderRef, 10)
	if !ok {
		c.emit(c.cancelRejected(o, exception.ErrCancelNotCancelable.Error()))
		return exception.ErrCancelNotCancelable
	}
	data, err := chain.PackCancelOrder(ref)
	if err != nil {
		c.emit(c.cancelRejected(o, err.Error()))
		return err
	}
	hash, _, err := c.send(ctx, c.instruments[clientOrderID].Pool, data)
	if err != nil && hash == (common.Hash{}) {
		c.emit(c.cancelRejected(o, err.Error()))
		return err
	}
	c.cancels[hash] = &cancelTx{orderID: clientOrderID}
	logs.Infof("cancel of %s sent, ref: %s, tx: %s", clientOrderID, o.VenueOrderRef, hash.Hex())
	return nil
}

func (c *Client) cancelPending(id string) bool {
	for _, ct := range c.cancels {
		if ct.orderID == id {
			return true
		}
	}
	return false
}

func (c *Client) pollCancel(ctx context.Context, hash common.Hash, ct *cancelTx) (bool, error) {
	c.metrics.IncReceiptPoll()
	receipt, err := c.chain.GetReceipt(ctx, hash)
	ct.polls++
	if err != nil {
		if errs.KindOf(err).Fatal() {
			return false, err
		}
		receipt = chain.Receipt{Status: enum.ReceiptStatusPending}
	}

	ts := c.now().UnixNano()
	o, _ := c.state.Order(ct.orderID)
	switch receipt.Status {
	case enum.ReceiptStatusSuccess:
		delete(c.cancels, hash)
		fee := weiToNative(receipt.GasCost())
		if c.ledger != nil {
			c.ledger.ApplyGas(fee)
		}
		o, err = c.state.Transition(ct.orderID, enum.OrderStatusCanceled, ts, func(o *model.Order) {
			o.Commission = o.Commission.Add(fee)
		})
		if err != nil {
			logs.Errorf("cancel %s, err: %+v", ct.orderID, err)
			return false, nil
		}
		c.publish(ct.orderID)
		c.emit(c.orderEvent(enum.EventOrderCanceled, o, ""))
		logs.Infof("order %s canceled, tx: %s", ct.orderID, hash.Hex())
		return true, nil
	case enum.ReceiptStatusReverted:
		delete(c.cancels, hash)
		if c.ledger != nil {
			c.ledger.ApplyGas(weiToNative(receipt.GasCost()))
		}
		reason := receipt.RevertReason
		if reason == "" {
			reason = "execution reverted"
		}
		c.emit(c.cancelRejected(o, reason))
		return false, nil
	}

	if ct.polls >= c.cfg.ReceiptMaxAttempts {
		delete(c.cancels, hash)
		reason := "cancel " + hash.Hex() + " not confirmed"
		c.appendJournal(o, reason, ts)
		c.emit(c.cancelRejected(o, reason))
	}
	return false, nil
}

func (c *Client) reject(id, reason string) model.Order {
	o, err := c.state.Transition(id, enum.OrderStatusRejected, c.now().UnixNano(), func(o *model.Order) { o.Reason = reason })
	if err != nil {
		logs.Errorf("reject %s, err: %+v", id, err)
		return o
	}
	c.publish(id)
	c.emit(c.orderEvent(enum.EventOrderRejected, o, reason))
	logs.Errorf("order %s rejected, instrument: %s, reason: %s", id, o.InstrumentID, reason)
	return o
}

// emitRejection reports a request that never became an order.
func (c *Client) emitRejection(req model.OrderRequest, reason string) {
	c.emit(model.OrderEventOf(enum.EventOrderRejected, model.OrderEvent{
		ClientOrderID: req.ClientOrderID,
		InstrumentID:  req.InstrumentID,
		Status:        enum.OrderStatusRejected,
		Reason:        reason,
		TsEvent:       c.now().UnixNano(),
	}))
}

func (c *Client) appendJournal(o model.Order, reason string, ts int64) {
	if c.journal == nil {
		return
	}
	c.journal.Append(model.ReconciliationEntry{
		ID:            uuid.NewString(),
		ClientOrderID: o.ClientOrderID,
		VenueOrderID:  o.VenueOrderID(),
		Status:        o.Status,
		Reason:        reason,
		TsEvent:       ts,
	})
}

func (c *Client) orderEvent(kind enum.EventKind, o model.Order, reason string) model.Event {
	if reason == "" {
		reason = o.Reason
	}
	return model.OrderEventOf(kind, model.OrderEvent{
		ClientOrderID: o.ClientOrderID,
		InstrumentID:  o.InstrumentID,
		VenueOrderID:  o.VenueOrderID(),
		Status:        o.Status,
		Reason:        reason,
		TsEvent:       c.now().UnixNano(),
	})
}

func (c *Client) cancelRejected(o model.Order, reason string) model.Event {
	return c.orderEvent(enum.EventOrderCancelRejected, o, reason)
}

// publish swaps in a new snapshot carrying the current version of id.
func (c *Client) publish(id string) {
	o, ok := c.state.Order(id)
	if !ok {
		return
	}
	prev := *c.snapshot.Load()
	next := make(map[string]model.Order, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[id] = o
	c.snapshot.Store(&next)
}

func weiToNative(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -nativeDecimals)
}
