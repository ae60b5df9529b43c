package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"dexadapter/internal/model/enum"
)

// OrderRequest is what the host engine submits.
type OrderRequest struct {
	ClientOrderID string
	InstrumentID  InstrumentID
	Side          enum.OrderSide
	Quantity      decimal.Decimal
	// LimitPrice is only honoured by order book venues. Zero means marketable.
	LimitPrice decimal.Decimal
}

// Order is the execution client's view of a request. TxHash becomes the
// venue order id on submission and never changes afterwards.
type Order struct {
	ClientOrderID string
	InstrumentID  InstrumentID
	Side          enum.OrderSide
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	Status        enum.OrderStatus

	TxHash        common.Hash
	VenueOrderRef string

	AmountIn      decimal.Decimal
	MinAmountOut  decimal.Decimal
	ExpectedPrice decimal.Decimal
	GasLimit      uint64

	FilledQty  decimal.Decimal
	AvgPx      decimal.Decimal
	Commission decimal.Decimal

	ReceiptPolls int
	Reason       string
	Block        uint64
	TsSubmitted  int64
	TsLast       int64
}

// VenueOrderID returns the transaction hash, or "" before submission.
func (o Order) VenueOrderID() string {
	if o.TxHash == (common.Hash{}) {
		return ""
	}
	return o.TxHash.Hex()
}

// OrderEvent is emitted on every externally visible order transition.
type OrderEvent struct {
	ClientOrderID      string
	InstrumentID       InstrumentID
	VenueOrderID       string
	Status             enum.OrderStatus
	Reason             string
	FillQty            decimal.Decimal
	FillPx             decimal.Decimal
	Commission         decimal.Decimal
	CommissionCurrency string
	TsEvent            int64
}

// OrderStatusReport is the authoritative view of one order for the host's
// reconciliation pass.
type OrderStatusReport struct {
	ClientOrderID string
	InstrumentID  InstrumentID
	VenueOrderID  string
	Side          enum.OrderSide
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	AvgPx         decimal.Decimal
	Status        enum.OrderStatus
	ChainStatus   enum.ReceiptStatus
	ChainChecked  bool
	Discrepancy   bool
	Note          string
	TsInit        int64
}

// NewOrderStatusReport reports the local view only.
func NewOrderStatusReport(o Order, ts int64) OrderStatusReport {
	return OrderStatusReport{
		ClientOrderID: o.ClientOrderID,
		InstrumentID:  o.InstrumentID,
		VenueOrderID:  o.VenueOrderID(),
		Side:          o.Side,
		Quantity:      o.Quantity,
		FilledQty:     o.FilledQty,
		AvgPx:         o.AvgPx,
		Status:        o.Status,
		TsInit:        ts,
	}
}
