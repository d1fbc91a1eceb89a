package engine

import (
	"fmt"
	"sort"

	"MarginLedger/internal/book"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/trigger"
)

// BalanceEntry is one account balance in a snapshot
type BalanceEntry struct {
	Key     ledger.AccountKey `json:"key"`
	Balance int64             `json:"balance"`
}

// SnapshotState is the full engine state at a sequence boundary. Restoring it
// and replaying the event log from Sequence onward reproduces the live state
// bit for bit.
type SnapshotState struct {
	Sequence int64    `json:"sequence"`
	PrevHash [32]byte `json:"prev_hash"`

	Balances []BalanceEntry `json:"balances"`

	NextOrderID int64        `json:"next_order_id"`
	Orders      []book.Order `json:"orders"`

	NextPositionID int64           `json:"next_position_id"`
	Positions      []book.Position `json:"positions"`

	NextTriggerID int64             `json:"next_trigger_id"`
	Triggers      []trigger.Trigger `json:"triggers"`
}

// Snapshot captures the engine state. Entries are sorted so two snapshots of
// the same state are byte-identical.
func (e *Engine) Snapshot() *SnapshotState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	balances := make([]BalanceEntry, 0)
	for key, balance := range e.balances.Snapshot() {
		if balance == 0 {
			continue
		}
		balances = append(balances, BalanceEntry{Key: key, Balance: balance})
	}
	sort.Slice(balances, func(i, j int) bool {
		return balances[i].Key.AccountPath() < balances[j].Key.AccountPath()
	})

	nextOrderID, orders := e.orders.Snapshot()
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })

	nextPositionID, positions := e.positions.Snapshot()
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })

	nextTriggerID, triggers := e.triggers.Snapshot()
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].ID < triggers[j].ID })

	return &SnapshotState{
		Sequence:       e.journalGen.Sequence(),
		PrevHash:       e.hasher.GetPrevHash(),
		Balances:       balances,
		NextOrderID:    nextOrderID,
		Orders:         orders,
		NextPositionID: nextPositionID,
		Positions:      positions,
		NextTriggerID:  nextTriggerID,
		Triggers:       triggers,
	}
}

// RestoreSnapshot loads engine state from a snapshot. Must be called before
// any command is processed.
func (e *Engine) RestoreSnapshot(s *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range s.Balances {
		e.balances.SetBalance(entry.Key, entry.Balance)
	}

	if err := e.orders.Restore(s.NextOrderID, s.Orders); err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	if err := e.positions.Restore(s.NextPositionID, s.Positions); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	if err := e.triggers.Restore(s.NextTriggerID, s.Triggers); err != nil {
		return fmt.Errorf("restore triggers: %w", err)
	}

	e.journalGen.SetSequence(s.Sequence)
	e.hasher.SetPrevHash(s.PrevHash)

	if err := e.checkConservation(); err != nil {
		return fmt.Errorf("snapshot fails conservation: %w", err)
	}

	return nil
}
