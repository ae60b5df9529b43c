package execution

import (
	"github.com/shopspring/decimal"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/pkg/exception"
)

// transitions lists every edge of the order lifecycle. Ranks strictly grow
// along each edge so no status is ever revisited.
var transitions = map[enum.OrderStatus][]enum.OrderStatus{
	enum.OrderStatusInitialized: {enum.OrderStatusSubmitted, enum.OrderStatusRejected},
	enum.OrderStatusSubmitted:   {enum.OrderStatusPending, enum.OrderStatusTimeout, enum.OrderStatusConfirmed, enum.OrderStatusReverted},
	enum.OrderStatusPending:     {enum.OrderStatusTimeout, enum.OrderStatusConfirmed, enum.OrderStatusReverted},
	enum.OrderStatusTimeout:     {enum.OrderStatusUnknown},
	enum.OrderStatusConfirmed:   {enum.OrderStatusCanceled},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to enum.OrderStatus) bool {
	if to.Rank() <= from.Rank() {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachine holds the orders. It is owned by one goroutine.
type StateMachine struct {
	orders map[string]*model.Order
	ids    []string
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{orders: make(map[string]*model.Order)}
}

// Order returns a copy of the current order.
func (m *StateMachine) Order(id string) (model.Order, bool) {
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// Create registers a request as INITIALIZED.
func (m *StateMachine) Create(req model.OrderRequest, ts int64) (model.Order, error) {
	if req.ClientOrderID == "" {
		return model.Order{}, errs.Wrap(exception.ErrOrderInvalidRequest, "empty client order id")
	}
	if _, ok := m.orders[req.ClientOrderID]; ok {
		return model.Order{}, errs.Wrap(exception.ErrOrderDuplicate, req.ClientOrderID)
	}
	o := &model.Order{
		ClientOrderID: req.ClientOrderID,
		InstrumentID:  req.InstrumentID,
		Side:          req.Side,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		Status:        enum.OrderStatusInitialized,
		FilledQty:     decimal.Zero,
		TsLast:        ts,
	}
	m.orders[o.ClientOrderID] = o
	m.ids = append(m.ids, o.ClientOrderID)
	return *o, nil
}

// Update changes fields outside the lifecycle, such as fill details of a
// resting order. The status is left untouched.
func (m *StateMachine) Update(id string, mutate func(o *model.Order)) (model.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, errs.Wrap(exception.ErrOrderNotFound, id)
	}
	status := o.Status
	mutate(o)
	o.Status = status
	return *o, nil
}

// Transition moves an order along the lifecycle and applies mutate.
func (m *StateMachine) Transition(id string, to enum.OrderStatus, ts int64, mutate func(o *model.Order)) (model.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, errs.Wrap(exception.ErrOrderNotFound, id)
	}
	if !CanTransition(o.Status, to) {
		return *o, errs.Wrap(exception.ErrOrderInvalidTransition, o.Status.String()+" -> "+to.String())
	}
	if mutate != nil {
		mutate(o)
	}
	o.Status = to
	o.TsLast = ts
	return *o, nil
}

// InFlight returns copies of orders waiting for a receipt, oldest first.
func (m *StateMachine) InFlight() []model.Order {
	var out []model.Order
	for _, id := range m.ids {
		if o := m.orders[id]; o.Status.IsInFlight() {
			out = append(out, *o)
		}
	}
	return out
}

// All returns copies of every order, oldest first.
func (m *StateMachine) All() []model.Order {
	out := make([]model.Order, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, *m.orders[id])
	}
	return out
}
