package fixed_test

import (
	"MarginLedger/internal/fixed"
	"testing"
)

// ============================================================================
// Test: LiquidationPrice
// ============================================================================

func TestLiquidationPrice_Long10x(t *testing.T) {
	// open=100.00 (10000), leverage=10 → move = 8% → liq = 92.00 (9200)
	got := fixed.LiquidationPrice(10_000, 10, true)
	if got != 9_200 {
		t.Errorf("got %d, want 9200", got)
	}
}

func TestLiquidationPrice_Short10x(t *testing.T) {
	// open=100.00, leverage=10 → liq = 108.00 (10800)
	got := fixed.LiquidationPrice(10_000, 10, false)
	if got != 10_800 {
		t.Errorf("got %d, want 10800", got)
	}
}

func TestLiquidationPrice_Long1x(t *testing.T) {
	// leverage=1 → move = 80% → liq = 20.00 (2000)
	got := fixed.LiquidationPrice(10_000, 1, true)
	if got != 2_000 {
		t.Errorf("got %d, want 2000", got)
	}
}

func TestLiquidationMove_RoundsDown(t *testing.T) {
	// open=99.99 (9999), leverage=7: 9999*8000/70000 = 1142.742… → 1142
	got := fixed.LiquidationMove(9_999, 7)
	if got != 1_142 {
		t.Errorf("got %d, want 1142", got)
	}
}

func TestLiquidationPrice_FlooredAtMinPrice(t *testing.T) {
	// Tiny open price with 1x leverage: 3 - 80%*3 (=2, rounded down) = 1.
	// Anything that would reach zero or below must clamp to MinPrice.
	got := fixed.LiquidationPrice(1, 1, true)
	if got != fixed.MinPrice {
		t.Errorf("got %d, want MinPrice=%d", got, fixed.MinPrice)
	}
}

func TestLiquidationPrice_HighLeverage(t *testing.T) {
	// open=100.00, leverage=100 → move = 0.8% = 80 → liq = 9920
	got := fixed.LiquidationPrice(10_000, 100, true)
	if got != 9_920 {
		t.Errorf("got %d, want 9920", got)
	}
}

// ============================================================================
// Test: MulDiv rounding
// ============================================================================

func TestMulDiv_RoundDown(t *testing.T) {
	if got := fixed.MulDiv(7, 3, 2, fixed.RoundDown); got != 10 {
		t.Errorf("7*3/2 round down: got %d, want 10", got)
	}
}

func TestMulDiv_RoundUp(t *testing.T) {
	if got := fixed.MulDiv(7, 3, 2, fixed.RoundUp); got != 11 {
		t.Errorf("7*3/2 round up: got %d, want 11", got)
	}
}

func TestMulDiv_RoundHalfEven(t *testing.T) {
	// 5/2 = 2.5 → rounds to even 2; 7/2 = 3.5 → rounds to even 4
	if got := fixed.MulDiv(5, 1, 2, fixed.RoundHalfEven); got != 2 {
		t.Errorf("5/2 half-even: got %d, want 2", got)
	}
	if got := fixed.MulDiv(7, 1, 2, fixed.RoundHalfEven); got != 4 {
		t.Errorf("7/2 half-even: got %d, want 4", got)
	}
}

func TestMulDiv_LargeOperandsNoOverflow(t *testing.T) {
	// 2^40 * 2^40 overflows int64 but not the int128 intermediate.
	a := int64(1) << 40
	got := fixed.MulDiv(a, a, a, fixed.RoundDown)
	if got != a {
		t.Errorf("got %d, want %d", got, a)
	}
}

func TestNotional(t *testing.T) {
	// 1.5 units (1_500_000) at 200.00 (20000) = 300.000000 quote (300_000_000)
	got := fixed.Notional(1_500_000, 20_000)
	if got != 300_000_000 {
		t.Errorf("got %d, want 300000000", got)
	}
}
