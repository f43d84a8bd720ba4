package credit

import "math/big"

// TermPolicy is the capability a term variant exposes to the engine: how the
// current rate is derived and when a loan becomes callable.
type TermPolicy interface {
	CurrentRateBps(term *Term, now int64) uint64
	RateAdjustable() bool
	Callable(term *Term, loan *Loan, debt *big.Int, now int64) bool
}

type fixedRatePolicy struct{}

type adjustableRatePolicy struct{}

func policyFor(term *Term) TermPolicy {
	if term != nil && term.Params.Policy == PolicyAdjustableRate {
		return adjustableRatePolicy{}
	}
	return fixedRatePolicy{}
}

func (fixedRatePolicy) CurrentRateBps(term *Term, _ int64) uint64 {
	if term == nil {
		return 0
	}
	return term.InterestRateBps
}

func (fixedRatePolicy) RateAdjustable() bool { return false }

func (fixedRatePolicy) Callable(term *Term, loan *Loan, debt *big.Int, now int64) bool {
	return callable(term, loan, debt, now)
}

func (adjustableRatePolicy) CurrentRateBps(term *Term, _ int64) uint64 {
	if term == nil {
		return 0
	}
	return term.InterestRateBps
}

func (adjustableRatePolicy) RateAdjustable() bool { return true }

func (adjustableRatePolicy) Callable(term *Term, loan *Loan, debt *big.Int, now int64) bool {
	return callable(term, loan, debt, now)
}

// callable holds the shared call conditions: the borrower missed the periodic
// repayment window, or the debt no longer fits under the current ceiling. The
// ceiling check uses the term's present MaxDebtPerCollateral, not the value at
// origination: a governance cut to the ceiling is precisely what makes
// previously healthy loans callable.
func callable(term *Term, loan *Loan, debt *big.Int, now int64) bool {
	if term == nil || loan == nil {
		return false
	}
	if delay := term.Params.MaxDelayBetweenPartialRepay; delay > 0 {
		last := loan.LastPartialRepayTime
		if last == 0 {
			last = loan.OpeningTime
		}
		if now-last > int64(delay) {
			return true
		}
	}
	ceiling := mulDiv(loan.CollateralAmount, term.MaxDebtPerCollateral, tokenUnit)
	return debt != nil && debt.Cmp(ceiling) > 0
}
