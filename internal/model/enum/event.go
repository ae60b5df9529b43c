package enum

import "fmt"

// EventKind tags the payload of an outbound event.
type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventQuote
	EventTrade
	EventBookDeltas
	EventOrderAccepted
	EventOrderRejected
	EventOrderFilled
	EventOrderCanceled
	EventOrderCancelRejected
	EventOrderStatusReport
	EventAccountState
	EventReconciliation
	EventVenueStatus
	EventKindCount
)

func (k EventKind) String() string {
	switch k {
	case EventQuote:
		return "quote"
	case EventTrade:
		return "trade"
	case EventBookDeltas:
		return "book_deltas"
	case EventOrderAccepted:
		return "order_accepted"
	case EventOrderRejected:
		return "order_rejected"
	case EventOrderFilled:
		return "order_filled"
	case EventOrderCanceled:
		return "order_canceled"
	case EventOrderCancelRejected:
		return "order_cancel_rejected"
	case EventOrderStatusReport:
		return "order_status_report"
	case EventAccountState:
		return "account_state"
	case EventReconciliation:
		return "reconciliation"
	case EventVenueStatus:
		return "venue_status"
	default:
		return "unknown"
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ConnStatus is the connectivity state surfaced to the host engine.
type ConnStatus uint8

const (
	ConnStatusDisconnected ConnStatus = iota
	ConnStatusConnected
	ConnStatusDegraded
)

func (s ConnStatus) String() string {
	switch s {
	case ConnStatusConnected:
		return "CONNECTED"
	case ConnStatusDegraded:
		return "DEGRADED"
	default:
		return "DISCONNECTED"
	}
}

func (s ConnStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Backpressure decides what a full output queue does with a new event.
type Backpressure uint8

const (
	BackpressureBlock Backpressure = iota
	BackpressureDropOldest
)

func (b Backpressure) String() string {
	if b == BackpressureDropOldest {
		return "dropOldest"
	}
	return "block"
}

// ParseBackpressure accepts "block" and "dropOldest". Empty means block.
func ParseBackpressure(s string) (Backpressure, error) {
	switch s {
	case "", "block":
		return BackpressureBlock, nil
	case "dropOldest":
		return BackpressureDropOldest, nil
	default:
		return 0, fmt.Errorf("unknown backpressure policy %q", s)
	}
}
