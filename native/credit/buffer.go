package credit

import (
	"errors"
	"math/big"
)

var (
	ErrInsufficientCapacity = errors.New("credit buffer: insufficient capacity")
	errRateAboveMaximum     = errors.New("credit buffer: rate limit exceeds immutable maximum")
	errTimeOutOfRange       = errors.New("credit buffer: timestamp precedes last update")
	errNegativeAmount       = errors.New("credit buffer: amount must be non-negative")
)

// RateLimitedBuffer is a token bucket bounding how fast credit can be minted.
// Accrual is lazy: available capacity is a pure function of the stored
// snapshot and the caller-supplied time, and every mutating call settles the
// snapshot before acting. BufferStored and LastBufferUsedTime are always
// written together so the pair can never disagree.
type RateLimitedBuffer struct {
	BufferCap          *big.Int `json:"bufferCap"`
	RateLimitPerSecond *big.Int `json:"rateLimitPerSecond"`
	MaxRatePerSecond   *big.Int `json:"maxRatePerSecond"`
	BufferStored       *big.Int `json:"bufferStored"`
	LastBufferUsedTime int64    `json:"lastBufferUsedTime"`
}

// NewRateLimitedBuffer creates a full buffer. maxRatePerSecond is the
// immutable ceiling every later SetRateLimitPerSecond call is checked against.
func NewRateLimitedBuffer(capacity, ratePerSecond, maxRatePerSecond *big.Int, now int64) (*RateLimitedBuffer, error) {
	if capacity == nil || capacity.Sign() < 0 || ratePerSecond == nil || ratePerSecond.Sign() < 0 {
		return nil, errNegativeAmount
	}
	if maxRatePerSecond == nil || maxRatePerSecond.Sign() < 0 {
		return nil, errNegativeAmount
	}
	if ratePerSecond.Cmp(maxRatePerSecond) > 0 {
		return nil, errRateAboveMaximum
	}
	return &RateLimitedBuffer{
		BufferCap:          new(big.Int).Set(capacity),
		RateLimitPerSecond: new(big.Int).Set(ratePerSecond),
		MaxRatePerSecond:   new(big.Int).Set(maxRatePerSecond),
		BufferStored:       new(big.Int).Set(capacity),
		LastBufferUsedTime: now,
	}, nil
}

// EnsureDefaults populates nil big.Int fields so JSON handling stays safe.
func (b *RateLimitedBuffer) EnsureDefaults() {
	if b == nil {
		return
	}
	if b.BufferCap == nil {
		b.BufferCap = big.NewInt(0)
	}
	if b.RateLimitPerSecond == nil {
		b.RateLimitPerSecond = big.NewInt(0)
	}
	if b.MaxRatePerSecond == nil {
		b.MaxRatePerSecond = big.NewInt(0)
	}
	if b.BufferStored == nil {
		b.BufferStored = big.NewInt(0)
	}
}

// AvailableCapacity computes the replenished capacity as of now without any
// side effects: min(stored + rate × elapsed, cap).
func (b *RateLimitedBuffer) AvailableCapacity(now int64) *big.Int {
	if b == nil {
		return big.NewInt(0)
	}
	b.EnsureDefaults()
	elapsed := now - b.LastBufferUsedTime
	if elapsed <= 0 {
		return cloneBigInt(b.BufferStored)
	}
	accrued := new(big.Int).Mul(b.RateLimitPerSecond, big.NewInt(elapsed))
	accrued.Add(accrued, b.BufferStored)
	if accrued.Cmp(b.BufferCap) > 0 {
		return cloneBigInt(b.BufferCap)
	}
	return accrued
}

// Deplete consumes capacity. The stored snapshot and its timestamp are updated
// together in a single write.
func (b *RateLimitedBuffer) Deplete(amount *big.Int, now int64) error {
	if amount == nil || amount.Sign() < 0 {
		return errNegativeAmount
	}
	if now < b.LastBufferUsedTime {
		return errTimeOutOfRange
	}
	available := b.AvailableCapacity(now)
	if available.Sign() == 0 || available.Cmp(amount) < 0 {
		return ErrInsufficientCapacity
	}
	b.BufferStored = available.Sub(available, amount)
	b.LastBufferUsedTime = now
	return nil
}

// Replenish restores capacity, capped at BufferCap. When the buffer is already
// saturated the stored value is left untouched: no further accrual is possible
// above the cap, so rewriting the snapshot would be a wasted write.
func (b *RateLimitedBuffer) Replenish(amount *big.Int, now int64) error {
	if amount == nil || amount.Sign() < 0 {
		return errNegativeAmount
	}
	if now < b.LastBufferUsedTime {
		return errTimeOutOfRange
	}
	available := b.AvailableCapacity(now)
	if available.Cmp(b.BufferCap) >= 0 {
		return nil
	}
	restored := new(big.Int).Add(available, amount)
	if restored.Cmp(b.BufferCap) > 0 {
		restored.Set(b.BufferCap)
	}
	b.BufferStored = restored
	b.LastBufferUsedTime = now
	return nil
}

// settle folds elapsed accrual into the stored snapshot. Governance setters on
// the owning term call this before any parameter change so stale elapsed time
// can never be replayed under new parameters.
func (b *RateLimitedBuffer) settle(now int64) {
	if b == nil || now < b.LastBufferUsedTime {
		return
	}
	b.BufferStored = b.AvailableCapacity(now)
	b.LastBufferUsedTime = now
}

// SetRateLimitPerSecond changes the replenishment rate. The current capacity
// is settled first so the new rate never applies to already-elapsed time.
func (b *RateLimitedBuffer) SetRateLimitPerSecond(rate *big.Int, now int64) error {
	if rate == nil || rate.Sign() < 0 {
		return errNegativeAmount
	}
	if now < b.LastBufferUsedTime {
		return errTimeOutOfRange
	}
	b.EnsureDefaults()
	if rate.Cmp(b.MaxRatePerSecond) > 0 {
		return errRateAboveMaximum
	}
	b.BufferStored = b.AvailableCapacity(now)
	b.LastBufferUsedTime = now
	b.RateLimitPerSecond = new(big.Int).Set(rate)
	return nil
}

// SetBufferCap changes the instantaneous capacity ceiling, clamping the
// settled snapshot down when it exceeds the new cap.
func (b *RateLimitedBuffer) SetBufferCap(newCap *big.Int, now int64) error {
	if newCap == nil || newCap.Sign() < 0 {
		return errNegativeAmount
	}
	if now < b.LastBufferUsedTime {
		return errTimeOutOfRange
	}
	settled := b.AvailableCapacity(now)
	if settled.Cmp(newCap) > 0 {
		settled = new(big.Int).Set(newCap)
	}
	b.BufferStored = settled
	b.LastBufferUsedTime = now
	b.BufferCap = new(big.Int).Set(newCap)
	return nil
}
