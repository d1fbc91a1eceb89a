package book_test

import (
	"errors"
	"testing"

	"MarginLedger/internal/book"
	"MarginLedger/internal/event"
)

func TestOrderBook_InsertAssignsMonotonicIDs(t *testing.T) {
	ob := book.NewOrderBook(book.NewTraderIndex())

	first := ob.Insert(&book.Order{Account: "alice", Margin: 100})
	second := ob.Insert(&book.Order{Account: "bob", Margin: 200})

	if first != 1 || second != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", first, second)
	}
}

func TestOrderBook_IDsNeverReused(t *testing.T) {
	ob := book.NewOrderBook(book.NewTraderIndex())

	first := ob.Insert(&book.Order{Account: "alice"})
	if _, err := ob.Remove(first); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	second := ob.Insert(&book.Order{Account: "alice"})
	if second == first {
		t.Errorf("order id %d was reused", first)
	}
	if _, err := ob.Get(first); !errors.Is(err, book.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound for removed id, got %v", err)
	}
}

func TestOrderBook_ByAccountTracksRemovals(t *testing.T) {
	idx := book.NewTraderIndex()
	ob := book.NewOrderBook(idx)

	a1 := ob.Insert(&book.Order{Account: "alice", Margin: 100})
	ob.Insert(&book.Order{Account: "alice", Margin: 200})
	ob.Insert(&book.Order{Account: "bob", Margin: 300})

	if got := len(ob.ByAccount("alice")); got != 2 {
		t.Fatalf("alice has %d orders, want 2", got)
	}

	ob.Remove(a1)

	orders := ob.ByAccount("alice")
	if len(orders) != 1 || orders[0].Margin != 200 {
		t.Errorf("alice's remaining order wrong: %+v", orders)
	}
	if got := len(ob.ByAccount("bob")); got != 1 {
		t.Errorf("bob has %d orders, want 1", got)
	}
}

func TestOrderBook_TotalLocked(t *testing.T) {
	ob := book.NewOrderBook(book.NewTraderIndex())
	ob.Insert(&book.Order{Account: "alice", Margin: 1000, Commission: 10})
	ob.Insert(&book.Order{Account: "bob", Margin: 500, Commission: 5})

	margin, commission := ob.TotalLocked()
	if margin != 1500 || commission != 15 {
		t.Errorf("TotalLocked = %d, %d, want 1500, 15", margin, commission)
	}
}

func TestOrder_Conditional(t *testing.T) {
	market := &book.Order{TargetPrice: 0}
	limit := &book.Order{TargetPrice: 10000}

	if market.Conditional() {
		t.Error("zero target price should not be conditional")
	}
	if !limit.Conditional() {
		t.Error("positive target price should be conditional")
	}
}

func TestOrderBook_SnapshotRestore(t *testing.T) {
	ob := book.NewOrderBook(book.NewTraderIndex())
	ob.Insert(&book.Order{Account: "alice", Side: event.SideLong, Margin: 100})
	removed := ob.Insert(&book.Order{Account: "alice", Margin: 200})
	ob.Remove(removed)

	nextID, orders := ob.Snapshot()

	restored := book.NewOrderBook(book.NewTraderIndex())
	if err := restored.Restore(nextID, orders); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if id := restored.Insert(&book.Order{Account: "bob"}); id != 3 {
		t.Errorf("post-restore id = %d, want 3", id)
	}
	if got := len(restored.ByAccount("alice")); got != 1 {
		t.Errorf("restored index has %d alice orders, want 1", got)
	}
}

func TestPositionBook_RemoveClearsIndex(t *testing.T) {
	idx := book.NewTraderIndex()
	pb := book.NewPositionBook(idx)

	id := pb.Insert(&book.Position{Account: "alice", Margin: 1000})
	if got := pb.TotalMargin(); got != 1000 {
		t.Errorf("TotalMargin = %d, want 1000", got)
	}

	p, err := pb.Remove(id)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if p.Margin != 1000 {
		t.Errorf("removed position margin = %d, want 1000", p.Margin)
	}
	if got := len(pb.ByAccount("alice")); got != 0 {
		t.Errorf("index still lists %d positions after removal", got)
	}
	if _, err := pb.Get(id); !errors.Is(err, book.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestPositionBook_IndependentIDSpaceFromOrders(t *testing.T) {
	idx := book.NewTraderIndex()
	ob := book.NewOrderBook(idx)
	pb := book.NewPositionBook(idx)

	ob.Insert(&book.Order{Account: "alice"})
	ob.Insert(&book.Order{Account: "alice"})
	posID := pb.Insert(&book.Position{Account: "alice"})

	// Positions count from their own counter, not the order book's.
	if posID != 1 {
		t.Errorf("first position id = %d, want 1", posID)
	}
}

func TestPositionBook_RestoreRejectsCounterOverlap(t *testing.T) {
	pb := book.NewPositionBook(book.NewTraderIndex())
	err := pb.Restore(2, []book.Position{{ID: 2, Account: "alice"}})
	if err == nil {
		t.Error("expected restore failure for id at or above counter")
	}
}
