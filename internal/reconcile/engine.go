// Package reconcile compares the adapter's local order and balance view with
// the chain. It reports every difference and never corrects local state.
package reconcile

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
)

const nativeDecimals = 18

type Option struct {
	Chain        ChainReader
	Orders       OrderSource
	Ledger       *Ledger
	Journal      *Journal
	Wallet       common.Address
	NativeSymbol string
	Now          func() time.Time
}

type Engine struct {
	chain        ChainReader
	orders       OrderSource
	ledger       *Ledger
	journal      *Journal
	wallet       common.Address
	nativeSymbol string
	now          func() time.Time
}

func NewEngine(opt Option) *Engine {
	if opt.Ledger == nil {
		opt.Ledger = NewLedger()
	}
	if opt.Journal == nil {
		opt.Journal = NewJournal()
	}
	if opt.NativeSymbol == "" {
		opt.NativeSymbol = "ETH"
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Engine{
		chain:        opt.Chain,
		orders:       opt.Orders,
		ledger:       opt.Ledger,
		journal:      opt.Journal,
		wallet:       opt.Wallet,
		nativeSymbol: opt.NativeSymbol,
		now:          opt.Now,
	}
}

func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

func (e *Engine) Journal() *Journal {
	return e.journal
}

// Currencies lists the distinct tokens of insts, sorted by symbol.
func Currencies(insts []model.Instrument) []model.Currency {
	seen := make(map[common.Address]struct{}, len(insts)*2)
	var out []model.Currency
	for _, inst := range insts {
		for _, c := range []model.Currency{inst.Base, inst.Quote} {
			if _, ok := seen[c.Address]; ok {
				continue
			}
			seen[c.Address] = struct{}{}
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b model.Currency) int { return strings.Compare(a.Symbol, b.Symbol) })
	return out
}

// AccountState reads the wallet's native balance and every currency balance.
func (e *Engine) AccountState(ctx context.Context, currencies []model.Currency) (model.AccountState, error) {
	block, err := e.chain.BlockNumber(ctx)
	if err != nil {
		return model.AccountState{}, errs.Wrap(err, "block number")
	}
	native, err := e.chain.NativeBalance(ctx, e.wallet)
	if err != nil {
		return model.AccountState{}, errs.Wrap(err, "native balance")
	}

	balances := make([]model.AccountBalance, 0, len(currencies)+1)
	balances = append(balances, model.AccountBalance{
		Currency: e.nativeSymbol,
		Token:    model.NativeToken,
		Total:    decimal.NewFromBigInt(native, -nativeDecimals),
	})
	for _, c := range currencies {
		raw, err := e.chain.TokenBalance(ctx, c.Address, e.wallet)
		if err != nil {
			return model.AccountState{}, errs.Wrap(err, "balance of "+c.Symbol)
		}
		balances = append(balances, model.AccountBalance{
			Currency: c.Symbol,
			Token:    c.Address,
			Total:    decimal.NewFromBigInt(raw, -int32(c.Decimals)),
		})
	}

	return model.AccountState{
		Wallet:   e.wallet,
		Balances: balances,
		Block:    block,
		TsEvent:  e.now().UnixNano(),
	}, nil
}

// Run produces one report. The first run sets the ledger baseline, so its
// balance checks match by construction.
func (e *Engine) Run(ctx context.Context, currencies []model.Currency) (model.ReconciliationReport, model.AccountState, error) {
	account, err := e.AccountState(ctx, currencies)
	if err != nil {
		return model.ReconciliationReport{}, model.AccountState{}, err
	}
	if !e.ledger.HasBaseline() {
		e.ledger.ApplyBaseline(account.Balances)
	}

	report := model.ReconciliationReport{
		ID:     uuid.NewString(),
		TsInit: e.now().UnixNano(),
	}

	decimalsOf := map[common.Address]uint8{model.NativeToken: nativeDecimals}
	for _, c := range currencies {
		decimalsOf[c.Address] = c.Decimals
	}
	for _, b := range account.Balances {
		check := e.checkBalance(b, decimalsOf[b.Token])
		if check.Discrepancy {
			report.Discrepancies++
			logs.Errorf("balance discrepancy, currency: %s, chain: %s, expected: %s", check.Currency, check.Chain, check.Expected)
		}
		report.Balances = append(report.Balances, check)
	}

	for _, o := range e.orders.Orders() {
		if o.TxHash == (common.Hash{}) {
			continue
		}
		if ctx.Err() != nil {
			return model.ReconciliationReport{}, model.AccountState{}, ctx.Err()
		}
		r := e.checkOrder(ctx, o, report.TsInit)
		if r.Discrepancy {
			report.Discrepancies++
			logs.Errorf("order discrepancy, id: %s, tx: %s, local: %s, note: %s", r.ClientOrderID, r.VenueOrderID, r.Status, r.Note)
		}
		report.Orders = append(report.Orders, r)
	}

	report.Entries = e.journal.Drain()
	logs.Infof("reconciliation %s, orders: %d, balances: %d, entries: %d, discrepancies: %d",
		report.ID, len(report.Orders), len(report.Balances), len(report.Entries), report.Discrepancies)
	return report, account, nil
}

// checkBalance flags differences above one unit of the token's smallest
// denomination.
func (e *Engine) checkBalance(b model.AccountBalance, decimals uint8) model.BalanceCheck {
	expected, ok := e.ledger.Expected(b.Token)
	if !ok {
		expected = decimal.Zero
	}
	check := model.BalanceCheck{
		Currency: b.Currency,
		Token:    b.Token,
		Chain:    b.Total,
		Expected: expected,
	}
	unit := decimal.New(1, -int32(decimals))
	check.Discrepancy = b.Total.Sub(expected).Abs().GreaterThan(unit)
	return check
}

func (e *Engine) checkOrder(ctx context.Context, o model.Order, ts int64) model.OrderStatusReport {
	r := model.NewOrderStatusReport(o, ts)
	receipt, err := e.chain.GetReceipt(ctx, o.TxHash)
	if err != nil {
		r.Note = "receipt unavailable: " + err.Error()
		r.Discrepancy = o.Status == enum.OrderStatusUnknown
		return r
	}
	r.ChainChecked = true
	r.ChainStatus = receipt.Status

	switch o.Status {
	case enum.OrderStatusConfirmed, enum.OrderStatusCanceled:
		if receipt.Status != enum.ReceiptStatusSuccess {
			r.Discrepancy = true
			r.Note = "chain reports " + receipt.Status.String()
		}
	case enum.OrderStatusReverted:
		if receipt.Status != enum.ReceiptStatusReverted {
			r.Discrepancy = true
			r.Note = "chain reports " + receipt.Status.String()
		}
	case enum.OrderStatusTimeout, enum.OrderStatusUnknown:
		r.Discrepancy = true
		if receipt.Status == enum.ReceiptStatusPending {
			r.Note = "still unresolved on chain"
		} else {
			r.Note = "chain reports " + receipt.Status.String()
		}
	case enum.OrderStatusSubmitted, enum.OrderStatusPending:
		if receipt.Status != enum.ReceiptStatusPending {
			r.Note = "receipt available, awaiting next poll"
		}
	}
	return r
}
