package reconcile

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
)

// Ledger is the provisional balance view: a chain baseline plus the effect
// of every confirmed transaction since. It is owned by the worker.
type Ledger struct {
	balances map[common.Address]decimal.Decimal
	baseline bool
}

// NewLedger creates an empty ledger without a baseline.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[common.Address]decimal.Decimal)}
}

// ApplyFill moves base and quote by a confirmed fill.
func (l *Ledger) ApplyFill(inst model.Instrument, side enum.OrderSide, base, quote decimal.Decimal) {
	switch side {
	case enum.OrderSideBuy:
		l.add(inst.Base.Address, base)
		l.add(inst.Quote.Address, quote.Neg())
	case enum.OrderSideSell:
		l.add(inst.Base.Address, base.Neg())
		l.add(inst.Quote.Address, quote)
	}
}

// ApplyGas debits a transaction fee in the native currency.
func (l *Ledger) ApplyGas(fee decimal.Decimal) {
	l.add(model.NativeToken, fee.Neg())
}

// ApplyBaseline replaces every balance with a chain reading.
func (l *Ledger) ApplyBaseline(balances []model.AccountBalance) {
	if l.balances == nil {
		l.balances = make(map[common.Address]decimal.Decimal, len(balances))
	} else {
		for key := range l.balances {
			delete(l.balances, key)
		}
	}
	for _, b := range balances {
		l.balances[b.Token] = b.Total
	}
	l.baseline = true
}

func (l *Ledger) HasBaseline() bool {
	return l.baseline
}

// Expected returns the provisional balance of token.
func (l *Ledger) Expected(token common.Address) (decimal.Decimal, bool) {
	v, ok := l.balances[token]
	return v, ok
}

// Count returns the number of tracked tokens.
func (l *Ledger) Count() int {
	return len(l.balances)
}

func (l *Ledger) add(token common.Address, delta decimal.Decimal) {
	l.balances[token] = l.balances[token].Add(delta)
}
