package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"dexadapter/internal/model/enum"
)

// NativeToken is the zero address used for the chain's gas currency.
var NativeToken = common.Address{}

type AccountBalance struct {
	Currency string
	Token    common.Address
	Total    decimal.Decimal
}

type AccountState struct {
	Wallet   common.Address
	Balances []AccountBalance
	Block    uint64
	TsEvent  int64
}

// BalanceCheck compares a chain balance with the provisional local view.
type BalanceCheck struct {
	Currency    string
	Token       common.Address
	Chain       decimal.Decimal
	Expected    decimal.Decimal
	Discrepancy bool
}

// ReconciliationEntry flags an order whose outcome the adapter could not
// determine on its own.
type ReconciliationEntry struct {
	ID            string
	ClientOrderID string
	VenueOrderID  string
	Status        enum.OrderStatus
	Reason        string
	TsEvent       int64
}

type ReconciliationReport struct {
	ID            string
	Orders        []OrderStatusReport
	Balances      []BalanceCheck
	Entries       []ReconciliationEntry
	Discrepancies int
	TsInit        int64
}

type VenueStatus struct {
	Status  enum.ConnStatus
	Reason  string
	TsEvent int64
}
