package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeOrderLock JournalType = iota // custody → order escrow
	JournalTypeOrderRefund                  // order escrow → custody (cancel)
	JournalTypeMarginConvert                // order margin → position margin
	JournalTypeCommissionAccrue             // escrow/margin → fee receiver accrual
	JournalTypeClosePayout                  // position margin → custody (trader)
	JournalTypePoolAbsorb                   // position margin → pool (trader loss)
	JournalTypeProfitPayout                 // pool → custody (trader profit)
	JournalTypeCommissionWithdraw           // fee accrual → custody
	JournalTypePoolSeed                     // custody → pool (operator funding)
)

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries of one transition
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        int64       // Fixed-point quote amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents the balanced set of journal entries of one transition.
// An empty batch is legal for record-only transitions (e.g. TriggerChanged).
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction (a single positive
// amount moves from credit account to debit account), so Σ debits == Σ credits
// is guaranteed per-entry. Multi-leg transitions (e.g. close with commission,
// pool delta and payout) use multiple entries under one batch_id.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
