package enum

// OrderSide buy, sell. Quantities are always expressed in base units.
type OrderSide uint8

const (
	_order_side_beg OrderSide = iota
	OrderSideBuy
	OrderSideSell
	_order_side_end
)

func (s OrderSide) IsAvailable() bool {
	return s > _order_side_beg && s < _order_side_end
}

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus is the lifecycle of an on-chain order.
//
//	INITIALIZED -> SUBMITTED -> PENDING -> CONFIRMED | REVERTED | TIMEOUT -> UNKNOWN
//
// REJECTED covers failures before a transaction reaches the chain and
// CANCELED is only reachable on venues with on-chain cancellation.
type OrderStatus uint8

const (
	_order_status_beg OrderStatus = iota
	OrderStatusInitialized
	OrderStatusSubmitted
	OrderStatusPending
	OrderStatusTimeout
	OrderStatusConfirmed
	OrderStatusReverted
	OrderStatusRejected
	OrderStatusUnknown
	OrderStatusCanceled
	_order_status_end
)

func (s OrderStatus) IsAvailable() bool {
	return s > _order_status_beg && s < _order_status_end
}

// Rank orders statuses along the lifecycle. A transition never lowers it.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusInitialized:
		return 0
	case OrderStatusSubmitted:
		return 1
	case OrderStatusPending:
		return 2
	case OrderStatusTimeout:
		return 3
	case OrderStatusConfirmed, OrderStatusReverted, OrderStatusRejected, OrderStatusUnknown:
		return 4
	case OrderStatusCanceled:
		return 5
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition is expected from the
// adapter's own lifecycle. A confirmed resting CLOB order can still be canceled.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusConfirmed, OrderStatusReverted, OrderStatusRejected, OrderStatusUnknown, OrderStatusCanceled:
		return true
	default:
		return false
	}
}

// IsInFlight reports whether the order waits for a receipt.
func (s OrderStatus) IsInFlight() bool {
	return s == OrderStatusSubmitted || s == OrderStatusPending
}

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusInitialized:
		return "INITIALIZED"
	case OrderStatusSubmitted:
		return "SUBMITTED"
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusTimeout:
		return "TIMEOUT"
	case OrderStatusConfirmed:
		return "CONFIRMED"
	case OrderStatusReverted:
		return "REVERTED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusUnknown:
		return "UNKNOWN"
	case OrderStatusCanceled:
		return "CANCELED"
	default:
		return "INVALID"
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ReceiptStatus is the chain outcome of a transaction.
type ReceiptStatus uint8

const (
	ReceiptStatusPending ReceiptStatus = iota
	ReceiptStatusSuccess
	ReceiptStatusReverted
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptStatusSuccess:
		return "SUCCESS"
	case ReceiptStatusReverted:
		return "REVERTED"
	default:
		return "PENDING"
	}
}
