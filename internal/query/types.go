package query

import "time"

// BalanceResponse is an account's projected balance view. Every response
// carries AsOfSequence so callers can reason about staleness against the
// live engine sequence.
type BalanceResponse struct {
	Account           string `json:"account"`
	AccruedCommission int64  `json:"accrued_commission"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// OrderResponse is a live order as seen by the query side.
type OrderResponse struct {
	OrderID      int64     `json:"order_id"`
	Account      string    `json:"account"`
	Asset        string    `json:"asset"`
	Side         int16     `json:"side"`
	TargetPrice  int64     `json:"target_price"`
	StopLoss     int64     `json:"stop_loss"`
	TakeProfit   int64     `json:"take_profit"`
	Commission   int64     `json:"commission"`
	Margin       int64     `json:"margin"`
	Size         int64     `json:"size"`
	Leverage     int64     `json:"leverage"`
	CreatedAt    time.Time `json:"created_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// PositionResponse is a live position with its armed trigger ids.
type PositionResponse struct {
	PositionID       int64     `json:"position_id"`
	Account          string    `json:"account"`
	Asset            string    `json:"asset"`
	Side             int16     `json:"side"`
	OpenPrice        int64     `json:"open_price"`
	Margin           int64     `json:"margin"`
	Size             int64     `json:"size"`
	Leverage         int64     `json:"leverage"`
	OpenedAt         time.Time `json:"opened_at"`
	StopLossID       int64     `json:"stop_loss_id"`
	StopLossPrice    int64     `json:"stop_loss_price"`
	TakeProfitID     int64     `json:"take_profit_id"`
	TakeProfitPrice  int64     `json:"take_profit_price"`
	LiquidationID    int64     `json:"liquidation_id"`
	LiquidationPrice int64     `json:"liquidation_price"`
	AsOfSequence     int64     `json:"as_of_sequence"`
}

// CloseHistoryResponse is one settled position close.
type CloseHistoryResponse struct {
	PositionID        int64     `json:"position_id"`
	Account           string    `json:"account"`
	PnL               int64     `json:"pnl"`
	ClosingCommission int64     `json:"closing_commission"`
	TraderPayout      int64     `json:"trader_payout"`
	PoolDelta         int64     `json:"pool_delta"`
	AbsorbedExcess    int64     `json:"absorbed_excess"`
	ClosedAt          time.Time `json:"closed_at"`
	Sequence          int64     `json:"sequence"`
	AsOfSequence      int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry is a journal entry for audit queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	GlobalImbalance int64   `json:"global_imbalance"`
}
