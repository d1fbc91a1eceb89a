package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"MarginLedger/internal/assets"
	"MarginLedger/internal/book"
	"MarginLedger/internal/event"
	"MarginLedger/internal/fixed"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/trigger"
)

// Output is one committed record leaving the engine
type Output struct {
	Envelope *event.Envelope
	Record   event.Record
	Batch    *ledger.Batch
}

// Engine is the settlement ledger: it custodies order and position funds,
// converts orders into positions, settles pnl against the pool, and owns the
// trigger id space. Every mutating operation runs under one writer lock and
// either completes fully or leaves no trace. External transfers happen after
// validation and before any in-memory mutation, so a denied transfer aborts
// cleanly and the transfer step can never re-enter the ledger mid-mutation.
type Engine struct {
	mu sync.RWMutex

	hasher      *StateHasher
	balances    *ledger.BalanceBook
	journalGen  *ledger.JournalGenerator
	validator   *ledger.InvariantValidator
	orders      *book.OrderBook
	positions   *book.PositionBook
	triggers    *trigger.Registry
	assets      *assets.AssetLedger
	idempotency *IdempotencyChecker
	access      AccessPolicy
	feeReceiver string
	metrics     *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

func New(
	startSequence int64,
	transferor assets.Transferor,
	access AccessPolicy,
	feeReceiver string,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	balances := ledger.NewBalanceBook()
	index := book.NewTraderIndex()

	return &Engine{
		hasher:         NewStateHasher(),
		balances:       balances,
		journalGen:     ledger.NewJournalGenerator(startSequence, balances),
		validator:      ledger.NewInvariantValidator(balances),
		orders:         book.NewOrderBook(index),
		positions:      book.NewPositionBook(index),
		triggers:       trigger.NewRegistry(),
		assets:         assets.NewAssetLedger(transferor),
		idempotency:    NewIdempotencyChecker(1_000_000, dbChecker),
		access:         access,
		feeReceiver:    feeReceiver,
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// ============================================================================
// Commands
// ============================================================================

type CreateOrderCmd struct {
	CommandID   string
	Account     string
	Asset       string
	Side        event.Side
	TargetPrice int64 // 0 = immediate
	StopLoss    int64 // 0 = none
	TakeProfit  int64 // 0 = none
	Commission  int64
	Margin      int64
	Size        int64
	Leverage    int64
	Timestamp   time.Time
}

// CreateOrder locks margin+commission in custody and places the order
func (e *Engine) CreateOrder(ctx context.Context, cmd CreateOrderCmd) (*event.OrderCreated, error) {
	const op = "CreateOrder"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.idempotency.IsDuplicate(op, cmd.CommandID) {
		return nil, e.reject(op, "duplicate", ErrDuplicateCommand)
	}

	if cmd.Account == "" || cmd.Asset == "" || cmd.Timestamp.IsZero() {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: account, asset and timestamp required", ErrInvalidParameter))
	}
	if cmd.Side != event.SideLong && cmd.Side != event.SideShort {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: side", ErrInvalidParameter))
	}
	if cmd.Margin <= 0 || cmd.Size <= 0 || cmd.Leverage < 1 {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: margin=%d size=%d leverage=%d",
			ErrInvalidParameter, cmd.Margin, cmd.Size, cmd.Leverage))
	}
	if cmd.Commission < 0 || cmd.TargetPrice < 0 || cmd.StopLoss < 0 || cmd.TakeProfit < 0 {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: negative price or commission", ErrInvalidParameter))
	}

	// Custody pull happens before any in-memory mutation: if the wallet
	// denies it, the order never existed.
	if err := e.assets.Deposit(ctx, cmd.Account, cmd.Margin+cmd.Commission); err != nil {
		return nil, e.reject(op, "transfer_failed", err)
	}

	order := &book.Order{
		Account:     cmd.Account,
		Asset:       cmd.Asset,
		Side:        cmd.Side,
		TargetPrice: cmd.TargetPrice,
		StopLoss:    cmd.StopLoss,
		TakeProfit:  cmd.TakeProfit,
		Commission:  cmd.Commission,
		Margin:      cmd.Margin,
		Size:        cmd.Size,
		Leverage:    cmd.Leverage,
		CreatedAt:   cmd.Timestamp,
	}
	e.orders.Insert(order)

	record := &event.OrderCreated{
		OrderID:     order.ID,
		Account:     cmd.Account,
		Asset:       cmd.Asset,
		Side:        cmd.Side,
		TargetPrice: cmd.TargetPrice,
		StopLoss:    cmd.StopLoss,
		TakeProfit:  cmd.TakeProfit,
		Commission:  cmd.Commission,
		Margin:      cmd.Margin,
		Size:        cmd.Size,
		Leverage:    cmd.Leverage,
		CreatedAt:   cmd.Timestamp,
	}

	batch, err := e.journalGen.GenerateOrderLock(record, cmd.CommandID)
	if err != nil {
		panic(fmt.Sprintf("FATAL: order lock generation failed after deposit: %v", err))
	}

	e.commit(op, cmd.CommandID, cmd.Timestamp, start, []pending{{record, batch}})
	return record, nil
}

type CancelOrderCmd struct {
	CommandID string
	OrderID   int64
	Caller    string
	Timestamp time.Time
}

// CancelOrder removes a conditional order and refunds its full locked amount
func (e *Engine) CancelOrder(ctx context.Context, cmd CancelOrderCmd) (*event.OrderCanceled, error) {
	const op = "CancelOrder"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.idempotency.IsDuplicate(op, cmd.CommandID) {
		return nil, e.reject(op, "duplicate", ErrDuplicateCommand)
	}
	if cmd.Timestamp.IsZero() {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: timestamp required", ErrInvalidParameter))
	}

	order, err := e.orders.Get(cmd.OrderID)
	if err != nil {
		return nil, e.reject(op, "not_found", err)
	}
	if cmd.Caller != order.Account && !e.access.IsExecutor(cmd.Caller) {
		return nil, e.reject(op, "unauthorized", fmt.Errorf("%w: %s cannot cancel order %d",
			ErrNotAuthorized, cmd.Caller, cmd.OrderID))
	}
	if !order.Conditional() {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: order %d", ErrOnlyConditionalCancelable, cmd.OrderID))
	}

	// Commission was never earned: the whole locked amount goes back.
	if err := e.assets.Release(ctx, order.Account, order.Locked()); err != nil {
		return nil, e.reject(op, "transfer_failed", err)
	}

	record := &event.OrderCanceled{
		OrderID: order.ID,
		Account: order.Account,
		Refund:  order.Locked(),
	}

	batch, err := e.journalGen.GenerateOrderRefund(record, order.Margin, order.Commission,
		cmd.Timestamp.UnixMicro(), cmd.CommandID)
	if err != nil {
		panic(fmt.Sprintf("FATAL: refund generation failed after release: %v", err))
	}

	if _, err := e.orders.Remove(order.ID); err != nil {
		panic(fmt.Sprintf("FATAL: order %d vanished mid-cancel: %v", order.ID, err))
	}

	e.commit(op, cmd.CommandID, cmd.Timestamp, start, []pending{{record, batch}})
	return record, nil
}

type ExecuteOrderCmd struct {
	CommandID string
	OrderID   int64
	OpenPrice int64
	OpenedAt  time.Time
	Caller    string
}

// ExecuteOrder converts an order into a position at the attested open price.
// No value crosses the custody boundary; margin is reclassified, the open
// commission is earned by the fee receiver, and the position's triggers
// (stop-loss/take-profit as requested, liquidation always) are armed.
func (e *Engine) ExecuteOrder(ctx context.Context, cmd ExecuteOrderCmd) (*event.PositionOpened, error) {
	const op = "ExecuteOrder"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.idempotency.IsDuplicate(op, cmd.CommandID) {
		return nil, e.reject(op, "duplicate", ErrDuplicateCommand)
	}
	if !e.access.IsExecutor(cmd.Caller) {
		return nil, e.reject(op, "unauthorized", fmt.Errorf("%w: %s is not the executor",
			ErrNotAuthorized, cmd.Caller))
	}

	order, err := e.orders.Get(cmd.OrderID)
	if err != nil {
		return nil, e.reject(op, "not_found", err)
	}
	if cmd.OpenPrice <= 0 {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: open price %d", ErrInvalidParameter, cmd.OpenPrice))
	}
	if cmd.OpenedAt.IsZero() || cmd.OpenedAt.Before(order.CreatedAt) {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: opened_at before order creation", ErrInvalidParameter))
	}

	liqPrice := fixed.LiquidationPrice(cmd.OpenPrice, order.Leverage, order.Side == event.SideLong)

	position := &book.Position{
		Account:          order.Account,
		Asset:            order.Asset,
		Side:             order.Side,
		OpenPrice:        cmd.OpenPrice,
		Margin:           order.Margin,
		Size:             order.Size,
		Leverage:         order.Leverage,
		OpenedAt:         cmd.OpenedAt,
		LiquidationPrice: liqPrice,
	}
	e.positions.Insert(position)

	// Allocation cannot fail here: the position id is fresh and all prices
	// were validated positive. A failure means the id space is corrupt.
	if order.StopLoss > 0 {
		position.StopLossID = e.mustAllocate(position.ID, trigger.KindStopLoss, order.StopLoss)
	}
	if order.TakeProfit > 0 {
		position.TakeProfitID = e.mustAllocate(position.ID, trigger.KindTakeProfit, order.TakeProfit)
	}
	position.LiquidationID = e.mustAllocate(position.ID, trigger.KindLiquidation, liqPrice)

	if _, err := e.orders.Remove(order.ID); err != nil {
		panic(fmt.Sprintf("FATAL: order %d vanished mid-execute: %v", order.ID, err))
	}

	record := &event.PositionOpened{
		PositionID:       position.ID,
		OrderID:          order.ID,
		Account:          order.Account,
		Asset:            order.Asset,
		Side:             order.Side,
		OpenPrice:        cmd.OpenPrice,
		Margin:           order.Margin,
		Size:             order.Size,
		Leverage:         order.Leverage,
		Commission:       order.Commission,
		OpenedAt:         cmd.OpenedAt,
		StopLossID:       position.StopLossID,
		StopLossPrice:    order.StopLoss,
		TakeProfitID:     position.TakeProfitID,
		TakeProfitPrice:  order.TakeProfit,
		LiquidationID:    position.LiquidationID,
		LiquidationPrice: liqPrice,
	}

	batch, err := e.journalGen.GeneratePositionOpen(record, e.feeReceiver, cmd.CommandID)
	if err != nil {
		panic(fmt.Sprintf("FATAL: position open generation failed: %v", err))
	}

	outputs := []pending{{record, batch}}
	for _, set := range []event.TriggerSet{
		{TriggerID: position.StopLossID, PositionID: position.ID, Kind: event.TriggerKindStopLoss, Price: order.StopLoss},
		{TriggerID: position.TakeProfitID, PositionID: position.ID, Kind: event.TriggerKindTakeProfit, Price: order.TakeProfit},
		{TriggerID: position.LiquidationID, PositionID: position.ID, Kind: event.TriggerKindLiquidation, Price: liqPrice},
	} {
		if set.TriggerID == 0 {
			continue
		}
		set := set
		outputs = append(outputs, pending{
			&set, e.journalGen.GenerateRecordOnly(cmd.OpenedAt.UnixMicro(), cmd.CommandID),
		})
	}

	e.commit(op, cmd.CommandID, cmd.OpenedAt, start, outputs)
	return record, nil
}

type SetTriggerCmd struct {
	CommandID  string
	PositionID int64
	Price      int64 // 0 = clear
	Caller     string
	Timestamp  time.Time
}

// SetStopLoss replaces (or clears, price 0) a position's stop-loss trigger.
// The old id dies and a fresh one is minted; the old id will never resolve
// again.
func (e *Engine) SetStopLoss(ctx context.Context, cmd SetTriggerCmd) (*event.TriggerChanged, error) {
	return e.setTrigger(ctx, "SetStopLoss", trigger.KindStopLoss, cmd)
}

// SetTakeProfit replaces (or clears, price 0) a position's take-profit trigger
func (e *Engine) SetTakeProfit(ctx context.Context, cmd SetTriggerCmd) (*event.TriggerChanged, error) {
	return e.setTrigger(ctx, "SetTakeProfit", trigger.KindTakeProfit, cmd)
}

func (e *Engine) setTrigger(ctx context.Context, op string, kind trigger.Kind, cmd SetTriggerCmd) (*event.TriggerChanged, error) {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.idempotency.IsDuplicate(op, cmd.CommandID) {
		return nil, e.reject(op, "duplicate", ErrDuplicateCommand)
	}
	if cmd.Timestamp.IsZero() {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: timestamp required", ErrInvalidParameter))
	}
	if cmd.Price < 0 {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: price %d", ErrInvalidParameter, cmd.Price))
	}

	position, err := e.positions.Get(cmd.PositionID)
	if err != nil {
		return nil, e.reject(op, "not_found", err)
	}
	if cmd.Caller != position.Account && !e.access.IsExecutor(cmd.Caller) {
		return nil, e.reject(op, "unauthorized", fmt.Errorf("%w: %s cannot modify position %d",
			ErrNotAuthorized, cmd.Caller, cmd.PositionID))
	}

	oldID, _ := e.triggers.IDForKind(cmd.PositionID, kind)
	if cmd.Price == 0 && oldID == 0 {
		return nil, e.reject(op, "not_found", fmt.Errorf("%w: no %s trigger on position %d",
			trigger.ErrTriggerNotFound, kind, cmd.PositionID))
	}

	if oldID != 0 {
		if err := e.triggers.Deallocate(oldID); err != nil {
			panic(fmt.Sprintf("FATAL: live trigger %d not deallocatable: %v", oldID, err))
		}
	}

	var newID int64
	if cmd.Price > 0 {
		newID = e.mustAllocate(cmd.PositionID, kind, cmd.Price)
	}

	switch kind {
	case trigger.KindStopLoss:
		position.StopLossID = newID
	case trigger.KindTakeProfit:
		position.TakeProfitID = newID
	}

	changed := &event.TriggerChanged{
		PositionID: cmd.PositionID,
		Kind:       event.TriggerKind(kind),
		OldID:      oldID,
		NewID:      newID,
		Price:      cmd.Price,
	}

	outputs := make([]pending, 0, 2)
	if newID != 0 {
		outputs = append(outputs, pending{
			&event.TriggerSet{
				TriggerID:  newID,
				PositionID: cmd.PositionID,
				Kind:       event.TriggerKind(kind),
				Price:      cmd.Price,
			},
			e.journalGen.GenerateRecordOnly(cmd.Timestamp.UnixMicro(), cmd.CommandID),
		})
	}
	outputs = append(outputs, pending{
		changed, e.journalGen.GenerateRecordOnly(cmd.Timestamp.UnixMicro(), cmd.CommandID),
	})

	e.commit(op, cmd.CommandID, cmd.Timestamp, start, outputs)
	return changed, nil
}

type ClosePositionCmd struct {
	CommandID         string
	PositionID        int64
	PnL               int64 // signed, attested by the executor
	ClosingCommission int64
	Caller            string
	Timestamp         time.Time
}

// ClosePosition settles a position terminally. The closing commission comes
// out of margin first; profit is paid by the pool, loss is absorbed by the
// pool up to the remaining margin. Loss beyond margin is never collected:
// trader liability is capped at margin.
func (e *Engine) ClosePosition(ctx context.Context, cmd ClosePositionCmd) (*event.PositionClosed, error) {
	const op = "ClosePosition"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.idempotency.IsDuplicate(op, cmd.CommandID) {
		return nil, e.reject(op, "duplicate", ErrDuplicateCommand)
	}
	if !e.access.IsExecutor(cmd.Caller) {
		return nil, e.reject(op, "unauthorized", fmt.Errorf("%w: %s is not the executor",
			ErrNotAuthorized, cmd.Caller))
	}
	if cmd.Timestamp.IsZero() {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: timestamp required", ErrInvalidParameter))
	}

	position, err := e.positions.Get(cmd.PositionID)
	if err != nil {
		return nil, e.reject(op, "not_found", err)
	}
	if cmd.ClosingCommission < 0 || cmd.ClosingCommission > position.Margin {
		return nil, e.reject(op, "insufficient_funds", fmt.Errorf("%w: closing commission %d exceeds margin %d",
			ErrInsufficientFunds, cmd.ClosingCommission, position.Margin))
	}

	marginNet := position.Margin - cmd.ClosingCommission

	var payout, poolDelta, absorbedExcess int64
	switch {
	case cmd.PnL > 0:
		if e.balances.PoolBalance() < cmd.PnL {
			return nil, e.reject(op, "insufficient_funds", fmt.Errorf("%w: pool %d cannot pay profit %d",
				ErrInsufficientFunds, e.balances.PoolBalance(), cmd.PnL))
		}
		payout = marginNet + cmd.PnL
		poolDelta = -cmd.PnL
	case cmd.PnL < 0:
		loss := -cmd.PnL
		absorbed := loss
		if absorbed > marginNet {
			absorbed = marginNet
		}
		payout = marginNet - absorbed
		poolDelta = absorbed
		absorbedExcess = loss - absorbed
	default:
		payout = marginNet
	}

	// Zero payouts skip the wallet round-trip.
	if err := e.assets.Release(ctx, position.Account, payout); err != nil {
		return nil, e.reject(op, "transfer_failed", err)
	}

	record := &event.PositionClosed{
		PositionID:        position.ID,
		Account:           position.Account,
		PnL:               cmd.PnL,
		ClosingCommission: cmd.ClosingCommission,
		TraderPayout:      payout,
		PoolDelta:         poolDelta,
		AbsorbedExcess:    absorbedExcess,
	}

	batch, err := e.journalGen.GeneratePositionClose(record, e.feeReceiver,
		cmd.Timestamp.UnixMicro(), cmd.CommandID)
	if err != nil {
		panic(fmt.Sprintf("FATAL: close generation failed after release: %v", err))
	}

	if _, err := e.positions.Remove(position.ID); err != nil {
		panic(fmt.Sprintf("FATAL: position %d vanished mid-close: %v", position.ID, err))
	}
	e.triggers.ReleasePosition(position.ID)

	e.commit(op, cmd.CommandID, cmd.Timestamp, start, []pending{{record, batch}})
	return record, nil
}

type WithdrawCommissionCmd struct {
	CommandID string
	Account   string
	Amount    int64
	Caller    string
	Timestamp time.Time
}

// WithdrawCommission pays out accrued commission to the account's wallet
func (e *Engine) WithdrawCommission(ctx context.Context, cmd WithdrawCommissionCmd) (*event.CommissionWithdrawn, error) {
	const op = "WithdrawCommission"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.idempotency.IsDuplicate(op, cmd.CommandID) {
		return nil, e.reject(op, "duplicate", ErrDuplicateCommand)
	}
	if cmd.Amount <= 0 || cmd.Timestamp.IsZero() {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: amount=%d", ErrInvalidParameter, cmd.Amount))
	}
	if cmd.Caller != cmd.Account && !e.access.IsExecutor(cmd.Caller) {
		return nil, e.reject(op, "unauthorized", fmt.Errorf("%w: %s cannot withdraw for %s",
			ErrNotAuthorized, cmd.Caller, cmd.Account))
	}
	if err := e.balances.ValidateSufficientAccrued(cmd.Account, cmd.Amount); err != nil {
		return nil, e.reject(op, "insufficient_funds", fmt.Errorf("%w: %v", ErrInsufficientFunds, err))
	}

	if err := e.assets.Release(ctx, cmd.Account, cmd.Amount); err != nil {
		return nil, e.reject(op, "transfer_failed", err)
	}

	record := &event.CommissionWithdrawn{
		Account: cmd.Account,
		Amount:  cmd.Amount,
	}

	batch, err := e.journalGen.GenerateCommissionWithdraw(record, cmd.Timestamp.UnixMicro(), cmd.CommandID)
	if err != nil {
		panic(fmt.Sprintf("FATAL: withdraw generation failed after release: %v", err))
	}

	e.commit(op, cmd.CommandID, cmd.Timestamp, start, []pending{{record, batch}})
	return record, nil
}

type FundPoolCmd struct {
	CommandID string
	From      string
	Amount    int64
	Timestamp time.Time
}

// FundPool pulls value from the operator's wallet into the pnl bank
func (e *Engine) FundPool(ctx context.Context, cmd FundPoolCmd) (*event.PoolFunded, error) {
	const op = "FundPool"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.idempotency.IsDuplicate(op, cmd.CommandID) {
		return nil, e.reject(op, "duplicate", ErrDuplicateCommand)
	}
	if cmd.Amount <= 0 || cmd.From == "" || cmd.Timestamp.IsZero() {
		return nil, e.reject(op, "invalid", fmt.Errorf("%w: from=%q amount=%d", ErrInvalidParameter, cmd.From, cmd.Amount))
	}

	if err := e.assets.Deposit(ctx, cmd.From, cmd.Amount); err != nil {
		return nil, e.reject(op, "transfer_failed", err)
	}

	record := &event.PoolFunded{
		From:   cmd.From,
		Amount: cmd.Amount,
	}

	batch, err := e.journalGen.GeneratePoolSeed(record, cmd.Timestamp.UnixMicro(), cmd.CommandID)
	if err != nil {
		panic(fmt.Sprintf("FATAL: pool seed generation failed after deposit: %v", err))
	}

	e.commit(op, cmd.CommandID, cmd.Timestamp, start, []pending{{record, batch}})
	return record, nil
}

// ============================================================================
// Commit pipeline
// ============================================================================

type pending struct {
	record event.Record
	batch  *ledger.Batch
}

// commit applies batches, chains envelopes, emits outputs and post-checks
// invariants. Everything in here is infallible: validation and external
// transfers are done, so any failure is state corruption and panics.
func (e *Engine) commit(op, commandID string, ts, start time.Time, outputs []pending) {
	for _, out := range outputs {
		if len(out.batch.Journals) > 0 {
			if err := e.validator.ValidateBatchBalance(out.batch); err != nil {
				panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
			}
			if err := e.balances.ApplyBatch(out.batch); err != nil {
				panic(fmt.Sprintf("FATAL: batch apply failed: %v", err))
			}
		}

		payload, err := json.Marshal(out.record)
		if err != nil {
			panic(fmt.Sprintf("FATAL: record marshal failed: %v", err))
		}

		prevHash := e.hasher.GetPrevHash()
		digest := e.computeStateDigest(out.batch)
		stateHash := e.hasher.ComputeHash(out.batch.Sequence, digest)

		output := Output{
			Envelope: &event.Envelope{
				Sequence:       out.batch.Sequence,
				IdempotencyKey: commandID,
				EventType:      out.record.EventType(),
				Timestamp:      ts,
				Payload:        payload,
				StateHash:      stateHash,
				PrevHash:       prevHash,
			},
			Record: out.record,
			Batch:  out.batch,
		}

		// Persistence: blocking send — the engine stalls until the
		// persistence worker drains. No committed record is ever lost.
		if e.persistChan != nil {
			e.persistChan <- output
		}

		// Projections: non-blocking send, drop on full. Projection workers
		// rebuild from the event log when they fall behind.
		if e.projectionChan != nil {
			select {
			case e.projectionChan <- output:
			default:
				if e.metrics != nil {
					e.metrics.ProjectionDropped.Inc()
				}
			}
		}
	}

	if err := e.checkConservation(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", op, err))
	}

	e.idempotency.MarkProcessed(op, commandID)

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.metrics.Sequence.Set(float64(e.journalGen.Sequence()))
		e.metrics.PoolBalance.Set(float64(e.balances.PoolBalance()))
		e.metrics.CustodiedValue.Set(float64(e.balances.CustodiedValue()))
		e.metrics.LiveOrders.Set(float64(e.orders.Count()))
		e.metrics.LivePositions.Set(float64(e.positions.Count()))
		e.metrics.LiveTriggers.Set(float64(e.triggers.Count()))
	}
}

// checkConservation cross-checks the ledger against the books: zero-sum
// globally, non-negative escrows, escrow balances matching book sums, and
// custodied value equal to everything still inside.
func (e *Engine) checkConservation() error {
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := e.validator.ValidateEscrowNonNegative(); err != nil {
		return err
	}
	orderMargin, orderCommission := e.orders.TotalLocked()
	if err := e.validator.ValidateEscrowConsistency(orderMargin, orderCommission, e.positions.TotalMargin()); err != nil {
		return err
	}
	return e.validator.ValidateCustody()
}

// CheckConservation runs the conservation cross-check under a read lock
func (e *Engine) CheckConservation() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkConservation()
}

func (e *Engine) reject(op, reason string, err error) error {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
	return err
}

// mustAllocate mints a trigger id where failure is unreachable: the position
// id is fresh and the price was validated positive upstream.
func (e *Engine) mustAllocate(positionID int64, kind trigger.Kind, price int64) int64 {
	id, err := e.triggers.Allocate(positionID, kind, price)
	if err != nil {
		panic(fmt.Sprintf("FATAL: trigger id space corrupt: %v", err))
	}
	return id
}

// computeStateDigest creates canonical bytes for the state hash: the
// post-apply balances of every account the batch touched, in path order.
func (e *Engine) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, e.balances.GetBalance(key))
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// ============================================================================
// Queries (read lock; values copied out)
// ============================================================================

// Sequence returns the next sequence number to be assigned
func (e *Engine) Sequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.journalGen.Sequence()
}

// WarmIdempotency preloads composite dedup keys into the in-memory LRU.
// Called once during recovery, before any command is processed.
func (e *Engine) WarmIdempotency(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}

func (e *Engine) OrderByID(id int64) (book.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	o, err := e.orders.Get(id)
	if err != nil {
		return book.Order{}, err
	}
	return *o, nil
}

func (e *Engine) PositionByID(id int64) (book.Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.positions.Get(id)
	if err != nil {
		return book.Position{}, err
	}
	return *p, nil
}

func (e *Engine) TriggerByID(id int64) (trigger.Trigger, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, err := e.triggers.Lookup(id)
	if err != nil {
		return trigger.Trigger{}, err
	}
	return *t, nil
}

func (e *Engine) TriggersByPosition(positionID int64) []trigger.Trigger {
	e.mu.RLock()
	defer e.mu.RUnlock()

	live := e.triggers.ByPosition(positionID)
	out := make([]trigger.Trigger, 0, len(live))
	for _, t := range live {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) OrdersByAccount(account string) []book.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()

	live := e.orders.ByAccount(account)
	out := make([]book.Order, 0, len(live))
	for _, o := range live {
		out = append(out, *o)
	}
	return out
}

func (e *Engine) PositionsByAccount(account string) []book.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	live := e.positions.ByAccount(account)
	out := make([]book.Position, 0, len(live))
	for _, p := range live {
		out = append(out, *p)
	}
	return out
}

func (e *Engine) AccruedCommission(account string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balances.AccruedCommission(account)
}

func (e *Engine) PoolBalance() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balances.PoolBalance()
}

func (e *Engine) CustodiedValue() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balances.CustodiedValue()
}
