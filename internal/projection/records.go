package projection

import (
	"context"
	"database/sql"
	"encoding/json"

	"MarginLedger/internal/engine"
	"MarginLedger/internal/event"
)

// applyRecord maintains the order, position and close-history tables. Balance
// aggregates are handled journal-side; this is the record-shaped view.
func (pw *ProjectionWorker) applyRecord(ctx context.Context, tx *sql.Tx, output engine.Output) error {
	env := output.Envelope

	switch env.EventType {
	case event.EventTypeOrderCreated:
		var rec event.OrderCreated
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.orders
				(order_id, account, asset, side, target_price, stop_loss, take_profit,
				 commission, margin, size, leverage, created_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (order_id) DO NOTHING
		`, rec.OrderID, rec.Account, rec.Asset, int16(rec.Side), rec.TargetPrice,
			rec.StopLoss, rec.TakeProfit, rec.Commission, rec.Margin, rec.Size,
			rec.Leverage, rec.CreatedAt, env.Sequence)
		return err

	case event.EventTypeOrderCanceled:
		var rec event.OrderCanceled
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.orders WHERE order_id = $1
		`, rec.OrderID)
		return err

	case event.EventTypePositionOpened:
		var rec event.PositionOpened
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM projections.orders WHERE order_id = $1
		`, rec.OrderID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(position_id, account, asset, side, open_price, margin, size, leverage,
				 opened_at, stop_loss_id, stop_loss_price, take_profit_id, take_profit_price,
				 liquidation_id, liquidation_price, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (position_id) DO NOTHING
		`, rec.PositionID, rec.Account, rec.Asset, int16(rec.Side), rec.OpenPrice,
			rec.Margin, rec.Size, rec.Leverage, rec.OpenedAt,
			rec.StopLossID, rec.StopLossPrice, rec.TakeProfitID, rec.TakeProfitPrice,
			rec.LiquidationID, rec.LiquidationPrice, env.Sequence)
		return err

	case event.EventTypeTriggerChanged:
		var rec event.TriggerChanged
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return err
		}
		var err error
		switch rec.Kind {
		case event.TriggerKindStopLoss:
			_, err = tx.ExecContext(ctx, `
				UPDATE projections.positions
				SET stop_loss_id = $2, stop_loss_price = $3, last_sequence = $4
				WHERE position_id = $1
			`, rec.PositionID, rec.NewID, rec.Price, env.Sequence)
		case event.TriggerKindTakeProfit:
			_, err = tx.ExecContext(ctx, `
				UPDATE projections.positions
				SET take_profit_id = $2, take_profit_price = $3, last_sequence = $4
				WHERE position_id = $1
			`, rec.PositionID, rec.NewID, rec.Price, env.Sequence)
		}
		return err

	case event.EventTypePositionClosed:
		var rec event.PositionClosed
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM projections.positions WHERE position_id = $1
		`, rec.PositionID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.close_history
				(position_id, account, pnl, closing_commission, trader_payout,
				 pool_delta, absorbed_excess, closed_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (position_id) DO NOTHING
		`, rec.PositionID, rec.Account, rec.PnL, rec.ClosingCommission,
			rec.TraderPayout, rec.PoolDelta, rec.AbsorbedExcess,
			env.Timestamp, env.Sequence)
		return err

	default:
		// TriggerSet, CommissionWithdrawn and PoolFunded have no record-shaped
		// projection; their balance effects land through the journal.
		return nil
	}
}
