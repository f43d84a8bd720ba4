package credit

import (
	"errors"
	"math/big"
	"testing"
)

func newTestBuffer(t *testing.T, capacity, rate int64, now int64) *RateLimitedBuffer {
	t.Helper()
	b, err := NewRateLimitedBuffer(big.NewInt(capacity), big.NewInt(rate), big.NewInt(rate*10+1), now)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	return b
}

func TestBufferStartsFull(t *testing.T) {
	b := newTestBuffer(t, 1000, 5, 100)
	if got := b.AvailableCapacity(100); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected full buffer, got %s", got)
	}
}

func TestBufferAccruesLinearlyUpToCap(t *testing.T) {
	b := newTestBuffer(t, 1000, 5, 100)
	if err := b.Deplete(big.NewInt(1000), 100); err != nil {
		t.Fatalf("deplete: %v", err)
	}

	if got := b.AvailableCapacity(100); got.Sign() != 0 {
		t.Fatalf("expected empty buffer, got %s", got)
	}
	if got := b.AvailableCapacity(110); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected 50 after 10s at 5/s, got %s", got)
	}
	// 5/s saturates the 1000 cap after 200s; beyond that it stays pinned.
	if got := b.AvailableCapacity(300); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected cap after 200s, got %s", got)
	}
	if got := b.AvailableCapacity(10_000); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("capacity must never exceed cap, got %s", got)
	}
}

func TestBufferDepleteRequiresCapacity(t *testing.T) {
	b := newTestBuffer(t, 1000, 0, 100)

	if err := b.Deplete(big.NewInt(1001), 100); !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if err := b.Deplete(big.NewInt(600), 100); err != nil {
		t.Fatalf("deplete: %v", err)
	}
	if err := b.Deplete(big.NewInt(600), 100); !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if err := b.Deplete(big.NewInt(400), 100); err != nil {
		t.Fatalf("deplete remainder: %v", err)
	}
	if err := b.Deplete(big.NewInt(1), 100); !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("empty buffer must reject any deplete, got %v", err)
	}
}

func TestBufferDepleteThenReplenishRestoresCapacity(t *testing.T) {
	b := newTestBuffer(t, 1000, 3, 100)
	if err := b.Deplete(big.NewInt(700), 100); err != nil {
		t.Fatalf("deplete: %v", err)
	}
	if err := b.Replenish(big.NewInt(700), 100); err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if got := b.AvailableCapacity(100); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected restored capacity, got %s", got)
	}
}

func TestBufferReplenishClampsAtCap(t *testing.T) {
	b := newTestBuffer(t, 1000, 0, 100)
	if err := b.Deplete(big.NewInt(100), 100); err != nil {
		t.Fatalf("deplete: %v", err)
	}
	if err := b.Replenish(big.NewInt(500), 100); err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if got := b.AvailableCapacity(100); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("replenish must clamp at cap, got %s", got)
	}
	// Replenishing an already-full buffer is a no-op, not an error.
	if err := b.Replenish(big.NewInt(500), 100); err != nil {
		t.Fatalf("replenish at cap: %v", err)
	}
	if got := b.AvailableCapacity(100); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected cap, got %s", got)
	}
}

func TestBufferRejectsNegativeAmountsAndClockSkew(t *testing.T) {
	b := newTestBuffer(t, 1000, 5, 100)

	if err := b.Deplete(big.NewInt(-1), 100); !errors.Is(err, errNegativeAmount) {
		t.Fatalf("expected negative amount error, got %v", err)
	}
	if err := b.Replenish(big.NewInt(-1), 100); !errors.Is(err, errNegativeAmount) {
		t.Fatalf("expected negative amount error, got %v", err)
	}
	if err := b.Deplete(big.NewInt(1), 99); !errors.Is(err, errTimeOutOfRange) {
		t.Fatalf("expected clock skew error, got %v", err)
	}
	if err := b.Replenish(big.NewInt(1), 99); !errors.Is(err, errTimeOutOfRange) {
		t.Fatalf("expected clock skew error, got %v", err)
	}
}

// A rate change must not apply retroactively: capacity accrued before the
// change is settled at the old rate, and only time after the change accrues at
// the new rate.
func TestBufferRateChangeIsProspective(t *testing.T) {
	b := newTestBuffer(t, 1000, 2, 100)
	if err := b.Deplete(big.NewInt(1000), 100); err != nil {
		t.Fatalf("deplete: %v", err)
	}

	// 50s at 2/s accrues 100, then the rate quadruples.
	if err := b.SetRateLimitPerSecond(big.NewInt(8), 150); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if got := b.AvailableCapacity(150); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 settled at the old rate, got %s", got)
	}
	// 25s at 8/s adds 200 on top of the settled 100.
	if got := b.AvailableCapacity(175); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected 300 under the new rate, got %s", got)
	}
}

func TestBufferRateBoundedByMaximum(t *testing.T) {
	b, err := NewRateLimitedBuffer(big.NewInt(1000), big.NewInt(5), big.NewInt(10), 100)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	if err := b.SetRateLimitPerSecond(big.NewInt(11), 100); !errors.Is(err, errRateAboveMaximum) {
		t.Fatalf("expected maximum rate rejection, got %v", err)
	}
	if err := b.SetRateLimitPerSecond(big.NewInt(10), 100); err != nil {
		t.Fatalf("set rate at maximum: %v", err)
	}
	if _, err := NewRateLimitedBuffer(big.NewInt(1000), big.NewInt(11), big.NewInt(10), 100); !errors.Is(err, errRateAboveMaximum) {
		t.Fatalf("expected constructor rate rejection, got %v", err)
	}
}

func TestBufferCapCutClampsStored(t *testing.T) {
	b := newTestBuffer(t, 1000, 0, 100)

	if err := b.SetBufferCap(big.NewInt(400), 100); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	if got := b.AvailableCapacity(100); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("stored capacity should clamp to the new cap, got %s", got)
	}

	// Raising the cap does not mint capacity out of thin air.
	if err := b.SetBufferCap(big.NewInt(2000), 100); err != nil {
		t.Fatalf("raise cap: %v", err)
	}
	if got := b.AvailableCapacity(100); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("raising the cap must not add capacity, got %s", got)
	}
}
