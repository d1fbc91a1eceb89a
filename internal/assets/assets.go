package assets

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransferFailed wraps any failure reported by the external asset system.
// A wrapped pull failure means no funds moved; a wrapped push failure after a
// successful validation is surfaced to the caller before any state mutates.
var ErrTransferFailed = errors.New("asset transfer failed")

// Transferor moves value across the custody boundary. Implementations talk to
// the venue's wallet service; the ledger only ever calls it before mutating
// in-memory state, so a failed transfer leaves the ledger untouched.
type Transferor interface {
	// Pull withdraws amount from the account's external wallet into custody.
	Pull(ctx context.Context, account string, amount int64) error

	// Push deposits amount from custody back into the account's wallet.
	Push(ctx context.Context, account string, amount int64) error
}

// AssetLedger is the single gateway for custody transfers. Every pull and
// push in the module goes through it, keeping the transfer error taxonomy in
// one place.
type AssetLedger struct {
	transferor Transferor
}

func NewAssetLedger(transferor Transferor) *AssetLedger {
	return &AssetLedger{transferor: transferor}
}

// Deposit pulls amount from account into custody
func (al *AssetLedger) Deposit(ctx context.Context, account string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive: %d", amount)
	}
	if err := al.transferor.Pull(ctx, account, amount); err != nil {
		return fmt.Errorf("%w: pull %d from %s: %v", ErrTransferFailed, amount, account, err)
	}
	return nil
}

// Release pushes amount from custody back to account. A zero amount is a
// no-op so settlement paths with nothing to pay skip the wallet round-trip.
func (al *AssetLedger) Release(ctx context.Context, account string, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("release amount must be non-negative: %d", amount)
	}
	if err := al.transferor.Push(ctx, account, amount); err != nil {
		return fmt.Errorf("%w: push %d to %s: %v", ErrTransferFailed, amount, account, err)
	}
	return nil
}

// NoopTransferor satisfies Transferor without moving anything. Used during
// event replay, where every transfer already happened in the original run.
type NoopTransferor struct{}

func (NoopTransferor) Pull(ctx context.Context, account string, amount int64) error { return nil }
func (NoopTransferor) Push(ctx context.Context, account string, amount int64) error { return nil }
