package event

import "time"

// OrderCreated records a new order entering the book with its locked funds.
// Custody increases by Margin+Commission (pulled from the owner's wallet).
type OrderCreated struct {
	OrderID     int64     `json:"order_id"`
	Account     string    `json:"account"`
	Asset       string    `json:"asset"`
	Side        Side      `json:"side"`
	TargetPrice int64     `json:"target_price"` // 0 = immediate ("market")
	StopLoss    int64     `json:"stop_loss"`    // 0 = none
	TakeProfit  int64     `json:"take_profit"`  // 0 = none
	Commission  int64     `json:"commission"`
	Margin      int64     `json:"margin"`
	Size        int64     `json:"size"`
	Leverage    int64     `json:"leverage"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *OrderCreated) EventType() EventType {
	return EventTypeOrderCreated
}

// OrderCanceled records a conditional order leaving the book with its full
// locked amount (margin + never-earned commission) refunded to the owner.
type OrderCanceled struct {
	OrderID int64  `json:"order_id"`
	Account string `json:"account"`
	Refund  int64  `json:"refund"` // margin + commission
}

func (r *OrderCanceled) EventType() EventType {
	return EventTypeOrderCanceled
}
