package engine

import (
	"encoding/json"
	"fmt"

	"MarginLedger/internal/book"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/trigger"
)

// Replay applies one logged envelope during recovery. Transfers already
// happened in the original run, so no wallet calls are made; ids are
// re-minted by the same deterministic counters and verified against the
// record, and the recomputed state hash is checked against the stored one.
// Envelopes must arrive in sequence order with no gaps.
func (e *Engine) Replay(env *event.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if seq := e.journalGen.Sequence(); seq != env.Sequence {
		return fmt.Errorf("replay gap: engine at %d, envelope at %d", seq, env.Sequence)
	}
	if prev := e.hasher.GetPrevHash(); prev != env.PrevHash {
		return fmt.Errorf("replay chain break at seq %d", env.Sequence)
	}

	batch, err := e.applyRecord(env)
	if err != nil {
		return fmt.Errorf("replay seq %d (%s): %w", env.Sequence, env.EventType, err)
	}

	if len(batch.Journals) > 0 {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			return fmt.Errorf("replay seq %d: unbalanced batch: %w", env.Sequence, err)
		}
		if err := e.balances.ApplyBatch(batch); err != nil {
			return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
		}
	}

	digest := e.computeStateDigest(batch)
	stateHash := e.hasher.ComputeHash(env.Sequence, digest)
	if stateHash != env.StateHash {
		return fmt.Errorf("replay state hash mismatch at seq %d", env.Sequence)
	}

	return nil
}

// applyRecord re-applies one logged record to in-memory state and returns the
// regenerated journal batch. Also re-marks the producing command in the
// idempotency tier so duplicates are caught after recovery.
func (e *Engine) applyRecord(env *event.Envelope) (*ledger.Batch, error) {
	switch env.EventType {
	case event.EventTypeOrderCreated:
		var rec event.OrderCreated
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return nil, err
		}
		id := e.orders.Insert(&book.Order{
			Account:     rec.Account,
			Asset:       rec.Asset,
			Side:        rec.Side,
			TargetPrice: rec.TargetPrice,
			StopLoss:    rec.StopLoss,
			TakeProfit:  rec.TakeProfit,
			Commission:  rec.Commission,
			Margin:      rec.Margin,
			Size:        rec.Size,
			Leverage:    rec.Leverage,
			CreatedAt:   rec.CreatedAt,
		})
		if id != rec.OrderID {
			return nil, fmt.Errorf("order id diverged: minted %d, logged %d", id, rec.OrderID)
		}
		e.idempotency.MarkProcessed("CreateOrder", env.IdempotencyKey)
		return e.journalGen.GenerateOrderLock(&rec, env.IdempotencyKey)

	case event.EventTypeOrderCanceled:
		var rec event.OrderCanceled
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return nil, err
		}
		order, err := e.orders.Remove(rec.OrderID)
		if err != nil {
			return nil, err
		}
		e.idempotency.MarkProcessed("CancelOrder", env.IdempotencyKey)
		return e.journalGen.GenerateOrderRefund(&rec, order.Margin, order.Commission,
			env.Timestamp.UnixMicro(), env.IdempotencyKey)

	case event.EventTypePositionOpened:
		var rec event.PositionOpened
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return nil, err
		}
		position := &book.Position{
			Account:          rec.Account,
			Asset:            rec.Asset,
			Side:             rec.Side,
			OpenPrice:        rec.OpenPrice,
			Margin:           rec.Margin,
			Size:             rec.Size,
			Leverage:         rec.Leverage,
			OpenedAt:         rec.OpenedAt,
			LiquidationPrice: rec.LiquidationPrice,
		}
		if id := e.positions.Insert(position); id != rec.PositionID {
			return nil, fmt.Errorf("position id diverged: minted %d, logged %d", id, rec.PositionID)
		}
		// Same allocation order as execution: stop, take, liquidation.
		if rec.StopLossID != 0 {
			position.StopLossID = e.mustAllocate(position.ID, trigger.KindStopLoss, rec.StopLossPrice)
		}
		if rec.TakeProfitID != 0 {
			position.TakeProfitID = e.mustAllocate(position.ID, trigger.KindTakeProfit, rec.TakeProfitPrice)
		}
		position.LiquidationID = e.mustAllocate(position.ID, trigger.KindLiquidation, rec.LiquidationPrice)
		if position.StopLossID != rec.StopLossID ||
			position.TakeProfitID != rec.TakeProfitID ||
			position.LiquidationID != rec.LiquidationID {
			return nil, fmt.Errorf("trigger ids diverged for position %d", position.ID)
		}
		if _, err := e.orders.Remove(rec.OrderID); err != nil {
			return nil, err
		}
		e.idempotency.MarkProcessed("ExecuteOrder", env.IdempotencyKey)
		return e.journalGen.GeneratePositionOpen(&rec, e.feeReceiver, env.IdempotencyKey)

	case event.EventTypeTriggerSet:
		// Informational: the state mutation lives in the accompanying
		// PositionOpened or TriggerChanged record.
		return e.journalGen.GenerateRecordOnly(env.Timestamp.UnixMicro(), env.IdempotencyKey), nil

	case event.EventTypeTriggerChanged:
		var rec event.TriggerChanged
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return nil, err
		}
		position, err := e.positions.Get(rec.PositionID)
		if err != nil {
			return nil, err
		}
		if rec.OldID != 0 {
			if err := e.triggers.Deallocate(rec.OldID); err != nil {
				return nil, err
			}
		}
		var newID int64
		if rec.NewID != 0 {
			newID = e.mustAllocate(rec.PositionID, trigger.Kind(rec.Kind), rec.Price)
			if newID != rec.NewID {
				return nil, fmt.Errorf("trigger id diverged: minted %d, logged %d", newID, rec.NewID)
			}
		}
		switch trigger.Kind(rec.Kind) {
		case trigger.KindStopLoss:
			position.StopLossID = newID
			e.idempotency.MarkProcessed("SetStopLoss", env.IdempotencyKey)
		case trigger.KindTakeProfit:
			position.TakeProfitID = newID
			e.idempotency.MarkProcessed("SetTakeProfit", env.IdempotencyKey)
		}
		return e.journalGen.GenerateRecordOnly(env.Timestamp.UnixMicro(), env.IdempotencyKey), nil

	case event.EventTypePositionClosed:
		var rec event.PositionClosed
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return nil, err
		}
		if _, err := e.positions.Remove(rec.PositionID); err != nil {
			return nil, err
		}
		e.triggers.ReleasePosition(rec.PositionID)
		e.idempotency.MarkProcessed("ClosePosition", env.IdempotencyKey)
		return e.journalGen.GeneratePositionClose(&rec, e.feeReceiver,
			env.Timestamp.UnixMicro(), env.IdempotencyKey)

	case event.EventTypeCommissionWithdrawn:
		var rec event.CommissionWithdrawn
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return nil, err
		}
		e.idempotency.MarkProcessed("WithdrawCommission", env.IdempotencyKey)
		return e.journalGen.GenerateCommissionWithdraw(&rec, env.Timestamp.UnixMicro(), env.IdempotencyKey)

	case event.EventTypePoolFunded:
		var rec event.PoolFunded
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return nil, err
		}
		e.idempotency.MarkProcessed("FundPool", env.IdempotencyKey)
		return e.journalGen.GeneratePoolSeed(&rec, env.Timestamp.UnixMicro(), env.IdempotencyKey)

	default:
		return nil, fmt.Errorf("unknown event type %d", env.EventType)
	}
}
