package ledger

import (
	"fmt"

	"MarginLedger/internal/event"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from settlement records
type JournalGenerator struct {
	sequence int64
	book     *BalanceBook // Reference for pre-checks
}

func NewJournalGenerator(startSequence int64, book *BalanceBook) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
		book:     book,
	}
}

// Sequence returns the next sequence number the generator will assign
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence resets the counter (snapshot restore only)
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 3),
	}
}

// addJournal appends one leg. Zero-amount legs are skipped so that records
// with optional components (no commission, no pool delta) stay valid.
func (jg *JournalGenerator) addJournal(batch *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}

	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     batch.Timestamp,
	})
}

// GenerateOrderLock creates journals for a new order entering the book.
// Moves funds: external:custody → system:order_margin / system:order_commission
func (jg *JournalGenerator) GenerateOrderLock(evt *event.OrderCreated, eventRef string) (*Batch, error) {
	batch := jg.newBatch(eventRef, evt.CreatedAt.UnixMicro())

	jg.addJournal(batch,
		NewSystemAccountKey(SubTypeOrderMargin), CustodyAccountKey(),
		evt.Margin, JournalTypeOrderLock)
	jg.addJournal(batch,
		NewSystemAccountKey(SubTypeOrderCommission), CustodyAccountKey(),
		evt.Commission, JournalTypeOrderLock)

	jg.sequence++
	return batch, nil
}

// GenerateOrderRefund creates journals for a canceled order.
// Moves funds: order escrow → external:custody (full margin+commission refund)
func (jg *JournalGenerator) GenerateOrderRefund(
	evt *event.OrderCanceled,
	margin, commission int64,
	timestamp int64,
	eventRef string,
) (*Batch, error) {
	if margin+commission != evt.Refund {
		return nil, fmt.Errorf("refund mismatch for order %d: margin=%d commission=%d refund=%d",
			evt.OrderID, margin, commission, evt.Refund)
	}

	batch := jg.newBatch(eventRef, timestamp)

	jg.addJournal(batch,
		CustodyAccountKey(), NewSystemAccountKey(SubTypeOrderMargin),
		margin, JournalTypeOrderRefund)
	jg.addJournal(batch,
		CustodyAccountKey(), NewSystemAccountKey(SubTypeOrderCommission),
		commission, JournalTypeOrderRefund)

	jg.sequence++
	return batch, nil
}

// GeneratePositionOpen creates journals for an order executing into a position.
// No value crosses the custody boundary: margin is reclassified and the open
// commission is earned by the fee receiver.
func (jg *JournalGenerator) GeneratePositionOpen(
	evt *event.PositionOpened,
	feeReceiver string,
	eventRef string,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, evt.OpenedAt.UnixMicro())

	jg.addJournal(batch,
		NewSystemAccountKey(SubTypePositionMargin), NewSystemAccountKey(SubTypeOrderMargin),
		evt.Margin, JournalTypeMarginConvert)
	jg.addJournal(batch,
		NewTraderAccountKey(feeReceiver), NewSystemAccountKey(SubTypeOrderCommission),
		evt.Commission, JournalTypeCommissionAccrue)

	jg.sequence++
	return batch, nil
}

// GeneratePositionClose creates journals for terminal position settlement.
// Legs, derived from the record:
//   - closing commission: position margin → fee receiver accrual
//   - pool delta: margin → pool (loss) or pool → custody (profit)
//   - payout: remaining margin → external:custody
//
// Pre-check: the pool must cover a profit payout. An absorbed excess loss
// produces no leg at all — it was never collected.
func (jg *JournalGenerator) GeneratePositionClose(
	evt *event.PositionClosed,
	feeReceiver string,
	timestamp int64,
	eventRef string,
) (*Batch, error) {
	var profit int64
	if evt.PoolDelta < 0 {
		profit = -evt.PoolDelta
	}

	if err := jg.book.ValidateSufficientPool(profit); err != nil {
		return nil, fmt.Errorf("close pre-check failed: %w", err)
	}

	marginPayout := evt.TraderPayout - profit
	if marginPayout < 0 {
		return nil, fmt.Errorf("close payout mismatch for position %d: payout=%d profit=%d",
			evt.PositionID, evt.TraderPayout, profit)
	}

	batch := jg.newBatch(eventRef, timestamp)

	jg.addJournal(batch,
		NewTraderAccountKey(feeReceiver), NewSystemAccountKey(SubTypePositionMargin),
		evt.ClosingCommission, JournalTypeCommissionAccrue)

	if evt.PoolDelta > 0 {
		jg.addJournal(batch,
			NewSystemAccountKey(SubTypePool), NewSystemAccountKey(SubTypePositionMargin),
			evt.PoolDelta, JournalTypePoolAbsorb)
	} else if evt.PoolDelta < 0 {
		jg.addJournal(batch,
			CustodyAccountKey(), NewSystemAccountKey(SubTypePool),
			profit, JournalTypeProfitPayout)
	}

	jg.addJournal(batch,
		CustodyAccountKey(), NewSystemAccountKey(SubTypePositionMargin),
		marginPayout, JournalTypeClosePayout)

	jg.sequence++
	return batch, nil
}

// GenerateCommissionWithdraw creates journals for an accrued-commission payout.
// Pre-check: the account must have accrued at least the requested amount.
func (jg *JournalGenerator) GenerateCommissionWithdraw(
	evt *event.CommissionWithdrawn,
	timestamp int64,
	eventRef string,
) (*Batch, error) {
	if err := jg.book.ValidateSufficientAccrued(evt.Account, evt.Amount); err != nil {
		return nil, fmt.Errorf("withdraw pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp)

	jg.addJournal(batch,
		CustodyAccountKey(), NewTraderAccountKey(evt.Account),
		evt.Amount, JournalTypeCommissionWithdraw)

	jg.sequence++
	return batch, nil
}

// GeneratePoolSeed creates journals for an operator deposit into the pnl bank.
// Moves funds: external:custody → system:pool
func (jg *JournalGenerator) GeneratePoolSeed(
	evt *event.PoolFunded,
	timestamp int64,
	eventRef string,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp)

	jg.addJournal(batch,
		NewSystemAccountKey(SubTypePool), CustodyAccountKey(),
		evt.Amount, JournalTypePoolSeed)

	jg.sequence++
	return batch, nil
}

// GenerateRecordOnly creates an empty batch for transitions that move no value
// (trigger replacement, trigger clearing).
func (jg *JournalGenerator) GenerateRecordOnly(timestamp int64, eventRef string) *Batch {
	batch := jg.newBatch(eventRef, timestamp)
	jg.sequence++
	return batch
}
