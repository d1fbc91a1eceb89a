package ledger

import "fmt"

// BalanceBook maintains in-memory account balances.
// Not thread-safe — only mutated under the settlement engine's writer lock.
type BalanceBook struct {
	balances map[AccountKey]int64
}

func NewBalanceBook() *BalanceBook {
	return &BalanceBook{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bb *BalanceBook) ApplyJournal(j Journal) {
	bb.balances[j.DebitAccount] += j.Amount
	bb.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bb *BalanceBook) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bb.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bb *BalanceBook) GetBalance(key AccountKey) int64 {
	return bb.balances[key]
}

// PoolBalance returns the pnl-bank balance
func (bb *BalanceBook) PoolBalance() int64 {
	return bb.GetBalance(NewSystemAccountKey(SubTypePool))
}

// AccruedCommission returns the withdrawable commission balance of an account
func (bb *BalanceBook) AccruedCommission(account string) int64 {
	return bb.GetBalance(NewTraderAccountKey(account))
}

// CustodiedValue returns the total value held in custody: the external
// boundary account goes negative by exactly what was pulled in.
func (bb *BalanceBook) CustodiedValue() int64 {
	return -bb.GetBalance(CustodyAccountKey())
}

// AccruedBalances returns all nonzero commission-accrual balances by account
func (bb *BalanceBook) AccruedBalances() map[string]int64 {
	out := make(map[string]int64)
	for key, balance := range bb.balances {
		if key.Scope == AccountScopeTrader && balance != 0 {
			out[key.Trader] = balance
		}
	}
	return out
}

// ComputeGlobalBalance sums all account balances (0 for a zero-sum ledger)
func (bb *BalanceBook) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bb.balances {
		total += balance
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bb *BalanceBook) ValidateNonNegative(key AccountKey) error {
	balance := bb.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ValidateSufficientPool checks the pnl bank can fund a profit payout
func (bb *BalanceBook) ValidateSufficientPool(required int64) error {
	pool := bb.PoolBalance()
	if pool < required {
		return fmt.Errorf("insufficient pool balance: have=%d, need=%d", pool, required)
	}
	return nil
}

// ValidateSufficientAccrued checks an accrued-commission withdrawal is covered
func (bb *BalanceBook) ValidateSufficientAccrued(account string, required int64) error {
	accrued := bb.AccruedCommission(account)
	if accrued < required {
		return fmt.Errorf("insufficient accrued commission for %s: have=%d, need=%d",
			account, accrued, required)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and persistence)
func (bb *BalanceBook) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bb.balances))
	for k, v := range bb.balances {
		snapshot[k] = v
	}
	return snapshot
}

// SetBalance overwrites one account balance (snapshot restore only)
func (bb *BalanceBook) SetBalance(key AccountKey, balance int64) {
	bb.balances[key] = balance
}
