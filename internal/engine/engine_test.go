package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"MarginLedger/internal/assets"
	"MarginLedger/internal/book"
	"MarginLedger/internal/engine"
	"MarginLedger/internal/event"
	"MarginLedger/internal/trigger"
)

// --- Test helpers ---

const (
	feeReceiver = "venue"
	executor    = "executor"
)

// fakeWallet tracks external balances per account so transfer failures can be
// simulated by simply not funding an account.
type fakeWallet struct {
	balances map[string]int64
	denyPull bool
	denyPush bool
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{balances: make(map[string]int64)}
}

func (w *fakeWallet) fund(account string, amount int64) {
	w.balances[account] += amount
}

func (w *fakeWallet) Pull(ctx context.Context, account string, amount int64) error {
	if w.denyPull {
		return errors.New("pull denied")
	}
	if w.balances[account] < amount {
		return fmt.Errorf("insufficient wallet balance for %s", account)
	}
	w.balances[account] -= amount
	return nil
}

func (w *fakeWallet) Push(ctx context.Context, account string, amount int64) error {
	if w.denyPush {
		return errors.New("push denied")
	}
	w.balances[account] += amount
	return nil
}

func newTestEngine(t *testing.T) (*engine.Engine, *fakeWallet, chan engine.Output) {
	t.Helper()

	wallet := newFakeWallet()
	persistChan := make(chan engine.Output, 1024)
	access := engine.NewStaticAccessPolicy([]string{executor})
	e := engine.New(1, wallet, access, feeReceiver, persistChan, nil, nil, nil)
	return e, wallet, persistChan
}

var cmdSeq int

func nextCmdID() string {
	cmdSeq++
	return fmt.Sprintf("cmd-%d", cmdSeq)
}

func ts(offset int64) time.Time {
	return time.UnixMicro(1_000_000 + offset*1000)
}

func createOrder(t *testing.T, e *engine.Engine, w *fakeWallet, cmd engine.CreateOrderCmd) *event.OrderCreated {
	t.Helper()

	if cmd.CommandID == "" {
		cmd.CommandID = nextCmdID()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = ts(0)
	}
	w.fund(cmd.Account, cmd.Margin+cmd.Commission)

	rec, err := e.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return rec
}

func executeOrder(t *testing.T, e *engine.Engine, orderID, openPrice int64) *event.PositionOpened {
	t.Helper()

	rec, err := e.ExecuteOrder(context.Background(), engine.ExecuteOrderCmd{
		CommandID: nextCmdID(),
		OrderID:   orderID,
		OpenPrice: openPrice,
		OpenedAt:  ts(10),
		Caller:    executor,
	})
	if err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}
	return rec
}

func requireConservation(t *testing.T, e *engine.Engine) {
	t.Helper()
	if err := e.CheckConservation(); err != nil {
		t.Fatalf("conservation violated: %v", err)
	}
}

// --- Order lifecycle ---

func TestCreateOrder_LocksMarginAndCommission(t *testing.T) {
	e, w, _ := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		TargetPrice: 100_00, Margin: 1000_000000, Commission: 10_000000,
		Size: 10_000000, Leverage: 10,
	})

	if rec.OrderID != 1 {
		t.Errorf("first order id = %d, want 1", rec.OrderID)
	}
	if got := e.CustodiedValue(); got != 1010_000000 {
		t.Errorf("custodied value = %d, want 1010_000000", got)
	}
	if w.balances["alice"] != 0 {
		t.Errorf("wallet balance = %d, want 0", w.balances["alice"])
	}
	requireConservation(t, e)
}

func TestCreateOrder_WalletDenialCreatesNothing(t *testing.T) {
	e, _, _ := newTestEngine(t)

	// No wallet funding: the pull must fail and the order never exists.
	_, err := e.CreateOrder(context.Background(), engine.CreateOrderCmd{
		CommandID: nextCmdID(), Account: "alice", Asset: "BTC", Side: event.SideLong,
		Margin: 1000, Size: 1, Leverage: 1, Timestamp: ts(0),
	})
	if !errors.Is(err, assets.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	if got := len(e.OrdersByAccount("alice")); got != 0 {
		t.Errorf("orders after failed create = %d, want 0", got)
	}
	if got := e.CustodiedValue(); got != 0 {
		t.Errorf("custodied value = %d, want 0", got)
	}
	requireConservation(t, e)
}

func TestCreateOrder_RejectsInvalidParams(t *testing.T) {
	e, w, _ := newTestEngine(t)
	w.fund("alice", 10_000)

	cases := []engine.CreateOrderCmd{
		{Account: "alice", Asset: "BTC", Side: event.SideLong, Margin: 0, Size: 1, Leverage: 1},
		{Account: "alice", Asset: "BTC", Side: event.SideLong, Margin: 100, Size: 0, Leverage: 1},
		{Account: "alice", Asset: "BTC", Side: event.SideLong, Margin: 100, Size: 1, Leverage: 0},
		{Account: "alice", Asset: "BTC", Side: event.SideUnknown, Margin: 100, Size: 1, Leverage: 1},
		{Account: "", Asset: "BTC", Side: event.SideLong, Margin: 100, Size: 1, Leverage: 1},
	}
	for i, cmd := range cases {
		cmd.CommandID = nextCmdID()
		cmd.Timestamp = ts(0)
		if _, err := e.CreateOrder(context.Background(), cmd); !errors.Is(err, engine.ErrInvalidParameter) {
			t.Errorf("case %d: expected ErrInvalidParameter, got %v", i, err)
		}
	}
}

func TestCancelOrder_RefundsFullLockedAmount(t *testing.T) {
	e, w, _ := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		TargetPrice: 100_00, Margin: 1000_000000, Commission: 10_000000,
		Size: 10_000000, Leverage: 10,
	})

	canceled, err := e.CancelOrder(context.Background(), engine.CancelOrderCmd{
		CommandID: nextCmdID(), OrderID: rec.OrderID, Caller: "alice", Timestamp: ts(5),
	})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	if canceled.Refund != 1010_000000 {
		t.Errorf("refund = %d, want 1010_000000", canceled.Refund)
	}
	if w.balances["alice"] != 1010_000000 {
		t.Errorf("wallet balance = %d, want 1010_000000", w.balances["alice"])
	}
	if got := e.CustodiedValue(); got != 0 {
		t.Errorf("custodied value = %d, want 0", got)
	}
	requireConservation(t, e)
}

func TestCancelOrder_MarketOrderNotCancelable(t *testing.T) {
	e, w, _ := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		TargetPrice: 0, Margin: 1000, Size: 1, Leverage: 1,
	})

	_, err := e.CancelOrder(context.Background(), engine.CancelOrderCmd{
		CommandID: nextCmdID(), OrderID: rec.OrderID, Caller: "alice", Timestamp: ts(5),
	})
	if !errors.Is(err, engine.ErrOnlyConditionalCancelable) {
		t.Fatalf("expected ErrOnlyConditionalCancelable, got %v", err)
	}
}

func TestCancelOrder_StrangerRejected(t *testing.T) {
	e, w, _ := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		TargetPrice: 100_00, Margin: 1000, Size: 1, Leverage: 1,
	})

	_, err := e.CancelOrder(context.Background(), engine.CancelOrderCmd{
		CommandID: nextCmdID(), OrderID: rec.OrderID, Caller: "mallory", Timestamp: ts(5),
	})
	if !errors.Is(err, engine.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	// Executor may cancel on the owner's behalf; refund still goes to owner.
	if _, err := e.CancelOrder(context.Background(), engine.CancelOrderCmd{
		CommandID: nextCmdID(), OrderID: rec.OrderID, Caller: executor, Timestamp: ts(6),
	}); err != nil {
		t.Fatalf("executor cancel: %v", err)
	}
	if w.balances["alice"] != 1000 {
		t.Errorf("refund went astray: alice wallet = %d", w.balances["alice"])
	}
}

// --- Execution ---

func TestExecuteOrder_LongLiquidationPrice(t *testing.T) {
	e, w, _ := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		Margin: 1000_000000, Commission: 10_000000, Size: 10_000000, Leverage: 10,
	})

	opened := executeOrder(t, e, rec.OrderID, 100_00)

	// openPrice 100.00, leverage 10: tolerated move 8.00, liq at 92.00
	if opened.LiquidationPrice != 92_00 {
		t.Errorf("liquidation price = %d, want 9200", opened.LiquidationPrice)
	}
	if opened.Margin != 1000_000000 {
		t.Errorf("position margin = %d, want 1000_000000", opened.Margin)
	}
	if got := e.AccruedCommission(feeReceiver); got != 10_000000 {
		t.Errorf("fee receiver accrual = %d, want 10_000000", got)
	}
	// Execution never touches the custody boundary.
	if got := e.CustodiedValue(); got != 1010_000000 {
		t.Errorf("custodied value = %d, want 1010_000000", got)
	}
	// The order is consumed, never resurrected.
	if _, err := e.OrderByID(rec.OrderID); !errors.Is(err, book.ErrOrderNotFound) {
		t.Errorf("expected consumed order to be gone, got %v", err)
	}
	requireConservation(t, e)
}

func TestExecuteOrder_ShortLiquidationPrice(t *testing.T) {
	e, w, _ := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "bob", Asset: "BTC", Side: event.SideShort,
		Margin: 500_000000, Size: 5_000000, Leverage: 10,
	})

	opened := executeOrder(t, e, rec.OrderID, 100_00)
	if opened.LiquidationPrice != 108_00 {
		t.Errorf("short liquidation price = %d, want 10800", opened.LiquidationPrice)
	}
}

func TestExecuteOrder_ArmsRequestedTriggers(t *testing.T) {
	e, w, _ := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		StopLoss: 95_00, TakeProfit: 120_00,
		Margin: 1000_000000, Size: 10_000000, Leverage: 10,
	})

	opened := executeOrder(t, e, rec.OrderID, 100_00)

	if opened.StopLossID == 0 || opened.TakeProfitID == 0 || opened.LiquidationID == 0 {
		t.Fatalf("expected all three triggers armed: %+v", opened)
	}

	triggers := e.TriggersByPosition(opened.PositionID)
	if len(triggers) != 3 {
		t.Fatalf("live triggers = %d, want 3", len(triggers))
	}

	sl, err := e.TriggerByID(opened.StopLossID)
	if err != nil || sl.Price != 95_00 || sl.Kind != trigger.KindStopLoss {
		t.Errorf("stop-loss trigger wrong: %+v err=%v", sl, err)
	}
}

func TestExecuteOrder_RequiresExecutor(t *testing.T) {
	e, w, _ := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		Margin: 1000, Size: 1, Leverage: 2,
	})

	_, err := e.ExecuteOrder(context.Background(), engine.ExecuteOrderCmd{
		CommandID: nextCmdID(), OrderID: rec.OrderID,
		OpenPrice: 100_00, OpenedAt: ts(10), Caller: "alice",
	})
	if !errors.Is(err, engine.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestExecuteOrder_RejectsBackdatedOpen(t *testing.T) {
	e, w, _ := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		Margin: 1000, Size: 1, Leverage: 2, Timestamp: ts(100),
	})

	_, err := e.ExecuteOrder(context.Background(), engine.ExecuteOrderCmd{
		CommandID: nextCmdID(), OrderID: rec.OrderID,
		OpenPrice: 100_00, OpenedAt: ts(50), Caller: executor,
	})
	if !errors.Is(err, engine.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

// --- Trigger setters ---

func TestSetStopLoss_ReplaceTwiceKillsFirstID(t *testing.T) {
	e, w, _ := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		StopLoss: 95_00, Margin: 1000_000000, Size: 10_000000, Leverage: 10,
	})
	opened := executeOrder(t, e, rec.OrderID, 100_00)

	first, err := e.SetStopLoss(context.Background(), engine.SetTriggerCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		Price: 94_00, Caller: "alice", Timestamp: ts(20),
	})
	if err != nil {
		t.Fatalf("SetStopLoss: %v", err)
	}
	if first.OldID != opened.StopLossID {
		t.Errorf("first change old id = %d, want %d", first.OldID, opened.StopLossID)
	}

	second, err := e.SetStopLoss(context.Background(), engine.SetTriggerCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		Price: 93_00, Caller: "alice", Timestamp: ts(21),
	})
	if err != nil {
		t.Fatalf("SetStopLoss: %v", err)
	}

	// The first-issued id must be dead; the current one must resolve.
	if _, err := e.TriggerByID(first.NewID); !errors.Is(err, trigger.ErrTriggerNotFound) {
		t.Errorf("expected first replacement id dead, got %v", err)
	}
	current, err := e.TriggerByID(second.NewID)
	if err != nil || current.Price != 93_00 {
		t.Errorf("current trigger wrong: %+v err=%v", current, err)
	}
}

func TestSetTakeProfit_ClearRemovesTrigger(t *testing.T) {
	e, w, _ := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		TakeProfit: 120_00, Margin: 1000, Size: 1, Leverage: 2,
	})
	opened := executeOrder(t, e, rec.OrderID, 100_00)

	changed, err := e.SetTakeProfit(context.Background(), engine.SetTriggerCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		Price: 0, Caller: "alice", Timestamp: ts(20),
	})
	if err != nil {
		t.Fatalf("SetTakeProfit clear: %v", err)
	}
	if changed.NewID != 0 || changed.OldID != opened.TakeProfitID {
		t.Errorf("clear record wrong: %+v", changed)
	}

	pos, _ := e.PositionByID(opened.PositionID)
	if pos.TakeProfitID != 0 {
		t.Errorf("position still references cleared trigger %d", pos.TakeProfitID)
	}
}

func TestLiquidationTrigger_HasNoSetter(t *testing.T) {
	e, w, _ := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		StopLoss: 95_00, TakeProfit: 120_00, Margin: 1000_000000, Size: 10_000000, Leverage: 10,
	})
	opened := executeOrder(t, e, rec.OrderID, 100_00)

	// Replacing stop and take leaves the liquidation trigger untouched.
	e.SetStopLoss(context.Background(), engine.SetTriggerCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		Price: 94_00, Caller: "alice", Timestamp: ts(20),
	})
	e.SetTakeProfit(context.Background(), engine.SetTriggerCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		Price: 0, Caller: "alice", Timestamp: ts(21),
	})

	liq, err := e.TriggerByID(opened.LiquidationID)
	if err != nil {
		t.Fatalf("liquidation trigger must outlive stop/take churn: %v", err)
	}
	if liq.Price != opened.LiquidationPrice || liq.Kind != trigger.KindLiquidation {
		t.Errorf("liquidation trigger mutated: %+v", liq)
	}
}

// --- Close ---

func openTestPosition(t *testing.T, e *engine.Engine, w *fakeWallet, margin, commission int64) *event.PositionOpened {
	t.Helper()

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		Margin: margin, Commission: commission, Size: 10_000000, Leverage: 10,
	})
	return executeOrder(t, e, rec.OrderID, 100_00)
}

func TestClosePosition_LossAbsorbedByPool(t *testing.T) {
	e, w, _ := newTestEngine(t)
	opened := openTestPosition(t, e, w, 1000_000000, 10_000000)

	closed, err := e.ClosePosition(context.Background(), engine.ClosePositionCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		PnL: -150_000000, Caller: executor, Timestamp: ts(30),
	})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	if closed.TraderPayout != 850_000000 {
		t.Errorf("payout = %d, want 850_000000", closed.TraderPayout)
	}
	if closed.PoolDelta != 150_000000 {
		t.Errorf("pool delta = %d, want +150_000000", closed.PoolDelta)
	}
	if got := e.PoolBalance(); got != 150_000000 {
		t.Errorf("pool balance = %d, want 150_000000", got)
	}
	if w.balances["alice"] != 850_000000 {
		t.Errorf("alice wallet = %d, want 850_000000", w.balances["alice"])
	}
	if _, err := e.PositionByID(opened.PositionID); !errors.Is(err, book.ErrPositionNotFound) {
		t.Errorf("position should be gone, got %v", err)
	}
	// All three trigger ids are dead.
	for _, id := range []int64{opened.StopLossID, opened.TakeProfitID, opened.LiquidationID} {
		if id == 0 {
			continue
		}
		if _, err := e.TriggerByID(id); !errors.Is(err, trigger.ErrTriggerNotFound) {
			t.Errorf("trigger %d should be dead, got %v", id, err)
		}
	}
	requireConservation(t, e)
}

func TestClosePosition_ProfitRequiresPool(t *testing.T) {
	e, w, _ := newTestEngine(t)
	opened := openTestPosition(t, e, w, 1000_000000, 0)

	_, err := e.ClosePosition(context.Background(), engine.ClosePositionCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		PnL: 50_000000, Caller: executor, Timestamp: ts(30),
	})
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds with empty pool, got %v", err)
	}

	w.fund("operator", 50_000000)
	if _, err := e.FundPool(context.Background(), engine.FundPoolCmd{
		CommandID: nextCmdID(), From: "operator", Amount: 50_000000, Timestamp: ts(31),
	}); err != nil {
		t.Fatalf("FundPool: %v", err)
	}

	closed, err := e.ClosePosition(context.Background(), engine.ClosePositionCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		PnL: 50_000000, Caller: executor, Timestamp: ts(32),
	})
	if err != nil {
		t.Fatalf("ClosePosition after funding: %v", err)
	}

	if closed.TraderPayout != 1050_000000 {
		t.Errorf("payout = %d, want 1050_000000", closed.TraderPayout)
	}
	if got := e.PoolBalance(); got != 0 {
		t.Errorf("pool balance = %d, want 0", got)
	}
	if w.balances["alice"] != 1050_000000 {
		t.Errorf("alice wallet = %d, want 1050_000000", w.balances["alice"])
	}
	requireConservation(t, e)
}

func TestClosePosition_ExcessLossCappedAtMargin(t *testing.T) {
	e, w, _ := newTestEngine(t)
	opened := openTestPosition(t, e, w, 1000_000000, 0)

	closed, err := e.ClosePosition(context.Background(), engine.ClosePositionCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		PnL: -1500_000000, Caller: executor, Timestamp: ts(30),
	})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	// Loss beyond margin is never collected: no debt, zero payout.
	if closed.TraderPayout != 0 {
		t.Errorf("payout = %d, want 0", closed.TraderPayout)
	}
	if closed.PoolDelta != 1000_000000 {
		t.Errorf("pool delta = %d, want 1000_000000", closed.PoolDelta)
	}
	if closed.AbsorbedExcess != 500_000000 {
		t.Errorf("absorbed excess = %d, want 500_000000", closed.AbsorbedExcess)
	}
	if w.balances["alice"] != 0 {
		t.Errorf("alice wallet = %d, want 0", w.balances["alice"])
	}
	requireConservation(t, e)
}

func TestClosePosition_ClosingCommissionComesOffMargin(t *testing.T) {
	e, w, _ := newTestEngine(t)
	opened := openTestPosition(t, e, w, 1000_000000, 10_000000)

	closed, err := e.ClosePosition(context.Background(), engine.ClosePositionCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		PnL: -150_000000, ClosingCommission: 5_000000,
		Caller: executor, Timestamp: ts(30),
	})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	// marginNet 995: pool absorbs 150, trader gets 845, receiver earns 10+5.
	if closed.TraderPayout != 845_000000 {
		t.Errorf("payout = %d, want 845_000000", closed.TraderPayout)
	}
	if got := e.AccruedCommission(feeReceiver); got != 15_000000 {
		t.Errorf("fee receiver accrual = %d, want 15_000000", got)
	}
	requireConservation(t, e)
}

func TestClosePosition_CommissionExceedingMarginRejected(t *testing.T) {
	e, w, _ := newTestEngine(t)
	opened := openTestPosition(t, e, w, 1000, 0)

	_, err := e.ClosePosition(context.Background(), engine.ClosePositionCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		PnL: 0, ClosingCommission: 1001, Caller: executor, Timestamp: ts(30),
	})
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := e.PositionByID(opened.PositionID); err != nil {
		t.Errorf("position must survive rejected close: %v", err)
	}
}

// --- Commission withdrawal ---

func TestWithdrawCommission(t *testing.T) {
	e, w, _ := newTestEngine(t)
	openTestPosition(t, e, w, 1000_000000, 10_000000)

	rec, err := e.WithdrawCommission(context.Background(), engine.WithdrawCommissionCmd{
		CommandID: nextCmdID(), Account: feeReceiver, Amount: 10_000000,
		Caller: feeReceiver, Timestamp: ts(40),
	})
	if err != nil {
		t.Fatalf("WithdrawCommission: %v", err)
	}
	if rec.Amount != 10_000000 {
		t.Errorf("withdrawn = %d, want 10_000000", rec.Amount)
	}
	if got := e.AccruedCommission(feeReceiver); got != 0 {
		t.Errorf("accrual after withdraw = %d, want 0", got)
	}
	if w.balances[feeReceiver] != 10_000000 {
		t.Errorf("receiver wallet = %d, want 10_000000", w.balances[feeReceiver])
	}

	_, err = e.WithdrawCommission(context.Background(), engine.WithdrawCommissionCmd{
		CommandID: nextCmdID(), Account: feeReceiver, Amount: 1,
		Caller: feeReceiver, Timestamp: ts(41),
	})
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	requireConservation(t, e)
}

// --- Idempotency & outputs ---

func TestDuplicateCommandRejected(t *testing.T) {
	e, w, _ := newTestEngine(t)
	w.fund("alice", 2000)

	cmd := engine.CreateOrderCmd{
		CommandID: "dup-1", Account: "alice", Asset: "BTC", Side: event.SideLong,
		Margin: 1000, Size: 1, Leverage: 1, Timestamp: ts(0),
	}
	if _, err := e.CreateOrder(context.Background(), cmd); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	_, err := e.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, engine.ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand, got %v", err)
	}
	// No second pull happened.
	if w.balances["alice"] != 1000 {
		t.Errorf("alice wallet = %d, want 1000", w.balances["alice"])
	}
}

func TestOutputs_SequenceAndHashChain(t *testing.T) {
	e, w, persistChan := newTestEngine(t)

	rec := createOrder(t, e, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		StopLoss: 95_00, Margin: 1000_000000, Size: 10_000000, Leverage: 10,
	})
	executeOrder(t, e, rec.OrderID, 100_00)

	// OrderCreated + PositionOpened + 2 TriggerSet (stop-loss, liquidation).
	if len(persistChan) != 4 {
		t.Fatalf("persisted outputs = %d, want 4", len(persistChan))
	}

	var prev engine.Output
	for i := 0; len(persistChan) > 0; i++ {
		out := <-persistChan
		if out.Envelope.Sequence != int64(i+1) {
			t.Errorf("output %d has sequence %d", i, out.Envelope.Sequence)
		}
		if i > 0 && out.Envelope.PrevHash != prev.Envelope.StateHash {
			t.Errorf("hash chain broken at output %d", i)
		}
		prev = out
	}
}

// --- Replay ---

func TestReplay_ReproducesStateAndHashes(t *testing.T) {
	live, w, persistChan := newTestEngine(t)

	rec := createOrder(t, live, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		StopLoss: 95_00, Margin: 1000_000000, Commission: 10_000000,
		Size: 10_000000, Leverage: 10,
	})
	opened := executeOrder(t, live, rec.OrderID, 100_00)
	if _, err := live.SetStopLoss(context.Background(), engine.SetTriggerCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		Price: 94_00, Caller: "alice", Timestamp: ts(20),
	}); err != nil {
		t.Fatalf("SetStopLoss: %v", err)
	}
	if _, err := live.ClosePosition(context.Background(), engine.ClosePositionCmd{
		CommandID: nextCmdID(), PositionID: opened.PositionID,
		PnL: -150_000000, Caller: executor, Timestamp: ts(30),
	}); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	replayed := engine.New(1, assets.NoopTransferor{},
		engine.NewStaticAccessPolicy([]string{executor}), feeReceiver, nil, nil, nil, nil)

	for len(persistChan) > 0 {
		out := <-persistChan
		if err := replayed.Replay(out.Envelope); err != nil {
			t.Fatalf("Replay: %v", err)
		}
	}

	if replayed.Sequence() != live.Sequence() {
		t.Errorf("sequence = %d, want %d", replayed.Sequence(), live.Sequence())
	}
	if replayed.PoolBalance() != live.PoolBalance() {
		t.Errorf("pool = %d, want %d", replayed.PoolBalance(), live.PoolBalance())
	}
	if replayed.CustodiedValue() != live.CustodiedValue() {
		t.Errorf("custodied = %d, want %d", replayed.CustodiedValue(), live.CustodiedValue())
	}
	if replayed.AccruedCommission(feeReceiver) != live.AccruedCommission(feeReceiver) {
		t.Errorf("accrual mismatch after replay")
	}
	requireConservation(t, replayed)
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	live, w, _ := newTestEngine(t)

	rec := createOrder(t, live, w, engine.CreateOrderCmd{
		Account: "alice", Asset: "BTC", Side: event.SideLong,
		StopLoss: 95_00, Margin: 1000_000000, Commission: 10_000000,
		Size: 10_000000, Leverage: 10,
	})
	opened := executeOrder(t, live, rec.OrderID, 100_00)

	snap := live.Snapshot()

	restored := engine.New(1, assets.NoopTransferor{},
		engine.NewStaticAccessPolicy([]string{executor}), feeReceiver, nil, nil, nil, nil)
	if err := restored.RestoreSnapshot(snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	if restored.Sequence() != live.Sequence() {
		t.Errorf("sequence = %d, want %d", restored.Sequence(), live.Sequence())
	}
	pos, err := restored.PositionByID(opened.PositionID)
	if err != nil || pos.Margin != 1000_000000 {
		t.Errorf("restored position wrong: %+v err=%v", pos, err)
	}
	if len(restored.TriggersByPosition(opened.PositionID)) != 2 {
		t.Errorf("restored triggers wrong")
	}
	requireConservation(t, restored)
}
