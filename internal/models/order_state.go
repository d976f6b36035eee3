package models

import (
	"fmt"
	"time"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the lifecycle state of an OrderState row.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
)

// IsTerminal reports whether status can never transition again.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// OrderState is the durable record of a single order submission, keyed
// globally by idempotency_key so a retried submit is always recognized.
type OrderState struct {
	IdempotencyKey string      `gorm:"column:idempotency_key;primaryKey" json:"idempotency_key"`
	SignalID       string      `gorm:"column:signal_id" json:"signal_id"`
	Symbol         string      `gorm:"column:symbol" json:"symbol"`
	Side           Side        `gorm:"column:side" json:"side"`
	RequestedQty   int         `gorm:"column:requested_qty" json:"requested_qty"`
	FilledQty      int         `gorm:"column:filled_qty" json:"filled_qty"`
	RemainingQty   int         `gorm:"column:remaining_qty" json:"remaining_qty"`
	BrokerOrderNo  string      `gorm:"column:broker_order_no" json:"broker_order_no,omitempty"`
	FillID         string      `gorm:"column:fill_id" json:"fill_id,omitempty"`
	Status         OrderStatus `gorm:"column:status" json:"status"`
	Mode           Mode        `gorm:"column:mode" json:"mode"`
	RequestedAt    time.Time   `gorm:"column:requested_at" json:"requested_at"`
	UpdatedAt      time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

func (OrderState) TableName() string { return "order_state" }

// orderTransitionLookup mirrors Position's transitionLookup mechanism for
// the order lifecycle.
var orderTransitionLookup map[OrderStatus]map[OrderStatus]bool

func init() {
	pairs := [][2]OrderStatus{
		{OrderPending, OrderSubmitted},
		{OrderPending, OrderFailed},
		{OrderPending, OrderCancelled},
		{OrderSubmitted, OrderPartial},
		{OrderSubmitted, OrderFilled},
		{OrderSubmitted, OrderCancelled},
		{OrderSubmitted, OrderFailed},
		{OrderPartial, OrderFilled},
		{OrderPartial, OrderCancelled},
	}
	orderTransitionLookup = make(map[OrderStatus]map[OrderStatus]bool, len(pairs))
	for _, p := range pairs {
		if orderTransitionLookup[p[0]] == nil {
			orderTransitionLookup[p[0]] = make(map[OrderStatus]bool)
		}
		orderTransitionLookup[p[0]][p[1]] = true
	}
}

// TransitionTo moves the order to a new status, enforcing both the lookup
// table and the `filled_qty + remaining_qty = requested_qty` invariant.
// Terminal statuses are immutable: transitioning away from one is refused.
func (o *OrderState) TransitionTo(to OrderStatus, filledQty int) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("models: order_state %s is terminal (%s), cannot transition to %s",
			o.IdempotencyKey, o.Status, to)
	}
	if !orderTransitionLookup[o.Status][to] {
		return fmt.Errorf("models: invalid order transition from %s to %s", o.Status, to)
	}
	if filledQty < 0 || filledQty > o.RequestedQty {
		return fmt.Errorf("models: filled_qty %d out of range [0,%d]", filledQty, o.RequestedQty)
	}
	o.Status = to
	o.FilledQty = filledQty
	o.RemainingQty = o.RequestedQty - filledQty
	o.UpdatedAt = time.Now().UTC()
	return nil
}
