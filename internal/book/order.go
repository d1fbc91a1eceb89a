package book

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"MarginLedger/internal/event"
)

var ErrOrderNotFound = errors.New("order not found")

// Order is a pending instruction to open a position, with its funds already
// locked in custody.
type Order struct {
	ID          int64
	Account     string
	Asset       string
	Side        event.Side
	TargetPrice int64 // 0 = immediate
	StopLoss    int64 // requested, carried until execution; 0 = none
	TakeProfit  int64 // requested, carried until execution; 0 = none
	Commission  int64
	Margin      int64
	Size        int64
	Leverage    int64
	CreatedAt   time.Time
}

// Conditional reports whether the order waits for a target price. Only
// conditional orders are cancelable.
func (o *Order) Conditional() bool {
	return o.TargetPrice > 0
}

// Locked returns the total value held for this order
func (o *Order) Locked() int64 {
	return o.Margin + o.Commission
}

// OrderBook holds live orders and allocates their ids
type OrderBook struct {
	nextID int64
	orders map[int64]*Order
	index  *TraderIndex
}

func NewOrderBook(index *TraderIndex) *OrderBook {
	return &OrderBook{
		nextID: 1,
		orders: make(map[int64]*Order),
		index:  index,
	}
}

// Insert assigns a fresh id and stores the order. The trader index is updated
// in the same step. A colliding id means the counter went backwards, which is
// unrecoverable corruption.
func (ob *OrderBook) Insert(o *Order) int64 {
	o.ID = ob.nextID
	ob.nextID++
	if _, exists := ob.orders[o.ID]; exists {
		panic(fmt.Sprintf("FATAL: order id %d already live", o.ID))
	}
	ob.orders[o.ID] = o
	ob.index.addOrder(o.Account, o.ID)
	return o.ID
}

// Remove takes the order out of the book and index. The id is never reused.
func (ob *OrderBook) Remove(id int64) (*Order, error) {
	o, ok := ob.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrOrderNotFound, id)
	}
	delete(ob.orders, id)
	ob.index.removeOrder(o.Account, id)
	return o, nil
}

// Get returns a live order by id
func (ob *OrderBook) Get(id int64) (*Order, error) {
	o, ok := ob.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrOrderNotFound, id)
	}
	return o, nil
}

// ByAccount returns an account's live orders sorted by id
func (ob *OrderBook) ByAccount(account string) []*Order {
	ids := ob.index.OrderIDs(account)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, ob.orders[id])
	}
	return out
}

// TotalLocked sums margin and commission across all live orders
func (ob *OrderBook) TotalLocked() (margin, commission int64) {
	for _, o := range ob.orders {
		margin += o.Margin
		commission += o.Commission
	}
	return margin, commission
}

// Count returns the number of live orders
func (ob *OrderBook) Count() int {
	return len(ob.orders)
}

// Snapshot returns the counter and all live orders for persistence
func (ob *OrderBook) Snapshot() (nextID int64, orders []Order) {
	orders = make([]Order, 0, len(ob.orders))
	for _, o := range ob.orders {
		orders = append(orders, *o)
	}
	return ob.nextID, orders
}

// Restore rebuilds the book and index from a snapshot
func (ob *OrderBook) Restore(nextID int64, orders []Order) error {
	ob.nextID = nextID
	ob.orders = make(map[int64]*Order, len(orders))

	for i := range orders {
		o := orders[i]
		if o.ID >= nextID {
			return fmt.Errorf("order id %d not below restored counter %d", o.ID, nextID)
		}
		if _, dup := ob.orders[o.ID]; dup {
			return fmt.Errorf("duplicate order id %d in snapshot", o.ID)
		}
		ob.orders[o.ID] = &o
		ob.index.addOrder(o.Account, o.ID)
	}

	return nil
}
