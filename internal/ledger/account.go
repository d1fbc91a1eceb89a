package ledger

import "fmt"

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeExternal AccountScope = iota
	AccountScopeSystem
	AccountScopeTrader
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// External sub-types
	SubTypeCustody AccountSubType = iota

	// System sub-types
	SubTypeOrderMargin
	SubTypeOrderCommission
	SubTypePositionMargin
	SubTypePool

	// Trader sub-types
	SubTypeCommissionAccrued
)

// AccountKey is the in-memory key for balance tracking.
// Trader is set only for AccountScopeTrader keys.
type AccountKey struct {
	Scope   AccountScope
	SubType AccountSubType
	Trader  string
}

// CustodyAccountKey is the single external boundary account. Its balance is
// the negative of all value held in custody (zero-sum ledger).
func CustodyAccountKey() AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: SubTypeCustody}
}

// NewSystemAccountKey creates a key for the aggregate escrow/pool accounts
func NewSystemAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType}
}

// NewTraderAccountKey creates a key for a trader's accrued-commission account
func NewTraderAccountKey(account string) AccountKey {
	return AccountKey{Scope: AccountScopeTrader, SubType: SubTypeCommissionAccrued, Trader: account}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeExternal:
		return "external:custody"
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeTrader:
		return fmt.Sprintf("trader:%s:%s", k.Trader, k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCustody:
		return "custody"
	case SubTypeOrderMargin:
		return "order_margin"
	case SubTypeOrderCommission:
		return "order_commission"
	case SubTypePositionMargin:
		return "position_margin"
	case SubTypePool:
		return "pool"
	case SubTypeCommissionAccrued:
		return "commission_accrued"
	default:
		return "unknown"
	}
}
