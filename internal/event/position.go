package event

import "time"

// PositionOpened records an order being consumed into a position. No value
// crosses the custody boundary: the order's margin is reclassified as position
// margin and its commission is credited to the fee receiver's accrued balance.
type PositionOpened struct {
	PositionID int64     `json:"position_id"`
	OrderID    int64     `json:"order_id"` // consumed order, never resurrected
	Account    string    `json:"account"`
	Asset      string    `json:"asset"`
	Side       Side      `json:"side"`
	OpenPrice  int64     `json:"open_price"`
	Margin     int64     `json:"margin"`
	Size       int64     `json:"size"`
	Leverage   int64     `json:"leverage"`
	Commission int64     `json:"commission"` // credited to the fee receiver
	OpenedAt   time.Time `json:"opened_at"`

	// Trigger ids allocated at open. Stop/take are 0 when the order carried
	// no such price; the liquidation trigger is always present and immutable.
	StopLossID       int64 `json:"stop_loss_id"`
	StopLossPrice    int64 `json:"stop_loss_price"`
	TakeProfitID     int64 `json:"take_profit_id"`
	TakeProfitPrice  int64 `json:"take_profit_price"`
	LiquidationID    int64 `json:"liquidation_id"`
	LiquidationPrice int64 `json:"liquidation_price"`
}

func (r *PositionOpened) EventType() EventType {
	return EventTypePositionOpened
}

// PositionClosed records the terminal settlement of a position: all locked
// margin leaves the ledger, split between the trader payout, the commission
// receiver, and the pnl bank.
type PositionClosed struct {
	PositionID        int64  `json:"position_id"`
	Account           string `json:"account"`
	PnL               int64  `json:"pnl"` // signed, as attested by the executor
	ClosingCommission int64  `json:"closing_commission"`
	TraderPayout      int64  `json:"trader_payout"`
	PoolDelta         int64  `json:"pool_delta"`      // signed: +absorbed loss, -paid profit
	AbsorbedExcess    int64  `json:"absorbed_excess"` // loss beyond margin, never collected
}

func (r *PositionClosed) EventType() EventType {
	return EventTypePositionClosed
}
