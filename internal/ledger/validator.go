package ledger

import "fmt"

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	book *BalanceBook
}

func NewInvariantValidator(book *BalanceBook) *InvariantValidator {
	return &InvariantValidator{
		book: book,
	}
}

// ValidateBatchBalance verifies a batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	total := v.book.ComputeGlobalBalance()
	if total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}

// ValidateEscrowNonNegative checks no escrow or pool account went negative
func (v *InvariantValidator) ValidateEscrowNonNegative() error {
	for _, subType := range []AccountSubType{
		SubTypeOrderMargin,
		SubTypeOrderCommission,
		SubTypePositionMargin,
		SubTypePool,
	} {
		if err := v.book.ValidateNonNegative(NewSystemAccountKey(subType)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEscrowConsistency cross-checks the escrow account balances against
// the sums reported by the order and position books. A mismatch means a
// transition mutated one side without the other.
func (v *InvariantValidator) ValidateEscrowConsistency(orderMargin, orderCommission, positionMargin int64) error {
	if got := v.book.GetBalance(NewSystemAccountKey(SubTypeOrderMargin)); got != orderMargin {
		return fmt.Errorf("order margin escrow drift: ledger=%d books=%d", got, orderMargin)
	}
	if got := v.book.GetBalance(NewSystemAccountKey(SubTypeOrderCommission)); got != orderCommission {
		return fmt.Errorf("order commission escrow drift: ledger=%d books=%d", got, orderCommission)
	}
	if got := v.book.GetBalance(NewSystemAccountKey(SubTypePositionMargin)); got != positionMargin {
		return fmt.Errorf("position margin escrow drift: ledger=%d books=%d", got, positionMargin)
	}
	return nil
}

// ValidateCustody verifies custodied value equals everything still inside the
// ledger: escrows, pool, and accrued commissions.
func (v *InvariantValidator) ValidateCustody() error {
	var inside int64
	inside += v.book.GetBalance(NewSystemAccountKey(SubTypeOrderMargin))
	inside += v.book.GetBalance(NewSystemAccountKey(SubTypeOrderCommission))
	inside += v.book.GetBalance(NewSystemAccountKey(SubTypePositionMargin))
	inside += v.book.PoolBalance()
	for _, accrued := range v.book.AccruedBalances() {
		inside += accrued
	}

	if custodied := v.book.CustodiedValue(); custodied != inside {
		return fmt.Errorf("custody drift: custodied=%d internal=%d", custodied, inside)
	}
	return nil
}
