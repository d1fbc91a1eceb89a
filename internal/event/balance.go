package event

// CommissionWithdrawn records an accrued-commission payout leaving custody.
type CommissionWithdrawn struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

func (r *CommissionWithdrawn) EventType() EventType {
	return EventTypeCommissionWithdrawn
}

// PoolFunded records an operator deposit into the pnl bank.
type PoolFunded struct {
	From   string `json:"from"`
	Amount int64  `json:"amount"`
}

func (r *PoolFunded) EventType() EventType {
	return EventTypePoolFunded
}
