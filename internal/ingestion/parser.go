package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"MarginLedger/internal/engine"
	"MarginLedger/internal/event"
)

// ParseCommand converts a raw command (operation name + JSON bytes) into the
// typed engine command. Field names use snake_case to match upstream
// producers; timestamps arrive as epoch microseconds and stay the version
// clock of the command all the way into the record log.
func ParseCommand(operation string, data []byte) (interface{}, error) {
	switch operation {
	case "CreateOrder":
		return parseCreateOrder(data)
	case "CancelOrder":
		return parseCancelOrder(data)
	case "ExecuteOrder":
		return parseExecuteOrder(data)
	case "SetStopLoss", "SetTakeProfit":
		return parseSetTrigger(operation, data)
	case "ClosePosition":
		return parseClosePosition(data)
	case "WithdrawCommission":
		return parseWithdrawCommission(data)
	case "FundPool":
		return parseFundPool(data)
	default:
		return nil, fmt.Errorf("unknown operation: %s", operation)
	}
}

// --- JSON wire formats ---

type createOrderJSON struct {
	CommandID   string `json:"command_id"`
	Account     string `json:"account"`
	Asset       string `json:"asset"`
	Side        string `json:"side"` // "long" or "short"
	TargetPrice int64  `json:"target_price"`
	StopLoss    int64  `json:"stop_loss"`
	TakeProfit  int64  `json:"take_profit"`
	Commission  int64  `json:"commission"`
	Margin      int64  `json:"margin"`
	Size        int64  `json:"size"`
	Leverage    int64  `json:"leverage"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCreateOrder(data []byte) (engine.CreateOrderCmd, error) {
	var j createOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return engine.CreateOrderCmd{}, fmt.Errorf("parse CreateOrder: %w", err)
	}
	if j.CommandID == "" {
		return engine.CreateOrderCmd{}, fmt.Errorf("CreateOrder: command_id required")
	}
	side := event.SideFromString(j.Side)
	if side == event.SideUnknown {
		return engine.CreateOrderCmd{}, fmt.Errorf("CreateOrder: bad side %q", j.Side)
	}
	return engine.CreateOrderCmd{
		CommandID:   j.CommandID,
		Account:     j.Account,
		Asset:       j.Asset,
		Side:        side,
		TargetPrice: j.TargetPrice,
		StopLoss:    j.StopLoss,
		TakeProfit:  j.TakeProfit,
		Commission:  j.Commission,
		Margin:      j.Margin,
		Size:        j.Size,
		Leverage:    j.Leverage,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

type cancelOrderJSON struct {
	CommandID   string `json:"command_id"`
	OrderID     int64  `json:"order_id"`
	Caller      string `json:"caller"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCancelOrder(data []byte) (engine.CancelOrderCmd, error) {
	var j cancelOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return engine.CancelOrderCmd{}, fmt.Errorf("parse CancelOrder: %w", err)
	}
	if j.CommandID == "" {
		return engine.CancelOrderCmd{}, fmt.Errorf("CancelOrder: command_id required")
	}
	return engine.CancelOrderCmd{
		CommandID: j.CommandID,
		OrderID:   j.OrderID,
		Caller:    j.Caller,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type executeOrderJSON struct {
	CommandID  string `json:"command_id"`
	OrderID    int64  `json:"order_id"`
	OpenPrice  int64  `json:"open_price"`
	Caller     string `json:"caller"`
	OpenedAtUs int64  `json:"opened_at_us"`
}

func parseExecuteOrder(data []byte) (engine.ExecuteOrderCmd, error) {
	var j executeOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return engine.ExecuteOrderCmd{}, fmt.Errorf("parse ExecuteOrder: %w", err)
	}
	if j.CommandID == "" {
		return engine.ExecuteOrderCmd{}, fmt.Errorf("ExecuteOrder: command_id required")
	}
	return engine.ExecuteOrderCmd{
		CommandID: j.CommandID,
		OrderID:   j.OrderID,
		OpenPrice: j.OpenPrice,
		OpenedAt:  time.UnixMicro(j.OpenedAtUs),
		Caller:    j.Caller,
	}, nil
}

type setTriggerJSON struct {
	CommandID   string `json:"command_id"`
	PositionID  int64  `json:"position_id"`
	Price       int64  `json:"price"` // 0 = clear
	Caller      string `json:"caller"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSetTrigger(operation string, data []byte) (engine.SetTriggerCmd, error) {
	var j setTriggerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return engine.SetTriggerCmd{}, fmt.Errorf("parse %s: %w", operation, err)
	}
	if j.CommandID == "" {
		return engine.SetTriggerCmd{}, fmt.Errorf("%s: command_id required", operation)
	}
	return engine.SetTriggerCmd{
		CommandID:  j.CommandID,
		PositionID: j.PositionID,
		Price:      j.Price,
		Caller:     j.Caller,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type closePositionJSON struct {
	CommandID         string `json:"command_id"`
	PositionID        int64  `json:"position_id"`
	PnL               int64  `json:"pnl"`
	ClosingCommission int64  `json:"closing_commission"`
	Caller            string `json:"caller"`
	TimestampUs       int64  `json:"timestamp_us"`
}

func parseClosePosition(data []byte) (engine.ClosePositionCmd, error) {
	var j closePositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return engine.ClosePositionCmd{}, fmt.Errorf("parse ClosePosition: %w", err)
	}
	if j.CommandID == "" {
		return engine.ClosePositionCmd{}, fmt.Errorf("ClosePosition: command_id required")
	}
	return engine.ClosePositionCmd{
		CommandID:         j.CommandID,
		PositionID:        j.PositionID,
		PnL:               j.PnL,
		ClosingCommission: j.ClosingCommission,
		Caller:            j.Caller,
		Timestamp:         time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawCommissionJSON struct {
	CommandID   string `json:"command_id"`
	Account     string `json:"account"`
	Amount      int64  `json:"amount"`
	Caller      string `json:"caller"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseWithdrawCommission(data []byte) (engine.WithdrawCommissionCmd, error) {
	var j withdrawCommissionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return engine.WithdrawCommissionCmd{}, fmt.Errorf("parse WithdrawCommission: %w", err)
	}
	if j.CommandID == "" {
		return engine.WithdrawCommissionCmd{}, fmt.Errorf("WithdrawCommission: command_id required")
	}
	return engine.WithdrawCommissionCmd{
		CommandID: j.CommandID,
		Account:   j.Account,
		Amount:    j.Amount,
		Caller:    j.Caller,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type fundPoolJSON struct {
	CommandID   string `json:"command_id"`
	From        string `json:"from"`
	Amount      int64  `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFundPool(data []byte) (engine.FundPoolCmd, error) {
	var j fundPoolJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return engine.FundPoolCmd{}, fmt.Errorf("parse FundPool: %w", err)
	}
	if j.CommandID == "" {
		return engine.FundPoolCmd{}, fmt.Errorf("FundPool: command_id required")
	}
	return engine.FundPoolCmd{
		CommandID: j.CommandID,
		From:      j.From,
		Amount:    j.Amount,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
