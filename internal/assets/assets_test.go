package assets_test

import (
	"context"
	"errors"
	"testing"

	"MarginLedger/internal/assets"
)

type stubTransferor struct {
	pullErr error
	pushErr error
	pulls   int
	pushes  int
}

func (s *stubTransferor) Pull(ctx context.Context, account string, amount int64) error {
	s.pulls++
	return s.pullErr
}

func (s *stubTransferor) Push(ctx context.Context, account string, amount int64) error {
	s.pushes++
	return s.pushErr
}

func TestDeposit_WrapsPullFailure(t *testing.T) {
	stub := &stubTransferor{pullErr: errors.New("wallet offline")}
	al := assets.NewAssetLedger(stub)

	err := al.Deposit(context.Background(), "alice", 100)
	if !errors.Is(err, assets.ErrTransferFailed) {
		t.Errorf("expected ErrTransferFailed, got %v", err)
	}
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	stub := &stubTransferor{}
	al := assets.NewAssetLedger(stub)

	if err := al.Deposit(context.Background(), "alice", 0); err == nil {
		t.Error("expected error for zero deposit")
	}
	if stub.pulls != 0 {
		t.Error("wallet should not be called for invalid amount")
	}
}

func TestRelease_ZeroIsNoop(t *testing.T) {
	stub := &stubTransferor{pushErr: errors.New("should not be called")}
	al := assets.NewAssetLedger(stub)

	if err := al.Release(context.Background(), "alice", 0); err != nil {
		t.Errorf("zero release should be a no-op: %v", err)
	}
	if stub.pushes != 0 {
		t.Error("wallet should not be called for zero release")
	}
}

func TestRelease_WrapsPushFailure(t *testing.T) {
	stub := &stubTransferor{pushErr: errors.New("wallet offline")}
	al := assets.NewAssetLedger(stub)

	err := al.Release(context.Background(), "alice", 100)
	if !errors.Is(err, assets.ErrTransferFailed) {
		t.Errorf("expected ErrTransferFailed, got %v", err)
	}
}
