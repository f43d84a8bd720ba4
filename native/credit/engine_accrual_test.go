package credit

import (
	"errors"
	"math/big"
	"testing"
)

func TestAccrualSimpleYear(t *testing.T) {
	f := newFixture(t, defaultTermParams(), 1000) // 10% APR
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	f.advance(secondsPerYear)

	debt, err := f.engine.GetLoanDebt(loanID)
	if err != nil {
		t.Fatalf("get loan debt: %v", err)
	}
	if debt.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("expected debt 1100 after one year at 10%%, got %s", debt)
	}
}

func TestAccrualZeroRate(t *testing.T) {
	f := newFixture(t, defaultTermParams(), 0)
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	f.advance(10 * secondsPerYear)

	debt, err := f.engine.GetLoanDebt(loanID)
	if err != nil {
		t.Fatalf("get loan debt: %v", err)
	}
	if debt.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("zero-rate debt should stay at principal, got %s", debt)
	}
}

// Rate changes must only affect accrual from the moment of the change.
// 1000 borrowed at 10% grows to 1100 over a year; raising the rate to 100%
// doubles that to 2200 over the next year; lowering to 50% adds a further 25%
// over half a year for 2750.
func TestAccrualRateChangesAreProspective(t *testing.T) {
	f := newFixture(t, defaultTermParams(), 1000)
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	f.advance(secondsPerYear)
	debt, err := f.engine.GetLoanDebt(loanID)
	if err != nil {
		t.Fatalf("get loan debt: %v", err)
	}
	if debt.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("after year one expected 1100, got %s", debt)
	}

	if err := f.engine.SetInterestRate(f.governor, testTermID, 10_000); err != nil {
		t.Fatalf("set interest rate: %v", err)
	}
	f.advance(secondsPerYear)
	debt, err = f.engine.GetLoanDebt(loanID)
	if err != nil {
		t.Fatalf("get loan debt: %v", err)
	}
	if debt.Cmp(big.NewInt(2200)) != 0 {
		t.Fatalf("after year two expected 2200, got %s", debt)
	}

	if err := f.engine.SetInterestRate(f.governor, testTermID, 5_000); err != nil {
		t.Fatalf("set interest rate: %v", err)
	}
	f.advance(secondsPerYear / 2)
	debt, err = f.engine.GetLoanDebt(loanID)
	if err != nil {
		t.Fatalf("get loan debt: %v", err)
	}
	if debt.Cmp(big.NewInt(2750)) != 0 {
		t.Fatalf("after the final half year expected 2750, got %s", debt)
	}
}

func TestSetInterestRateRejectedOnFixedTerm(t *testing.T) {
	params := defaultTermParams()
	params.Policy = PolicyFixedRate
	f := newFixture(t, params, 1000)

	if err := f.engine.SetInterestRate(f.governor, testTermID, 2000); !errors.Is(err, ErrRateFixed) {
		t.Fatalf("expected fixed-rate rejection, got %v", err)
	}
}

func TestPartialRepayRebasesDebt(t *testing.T) {
	f := newFixture(t, defaultTermParams(), 1000)
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	f.advance(secondsPerYear) // debt 1100

	sinkBefore := f.creditBalance(f.sinkAddr)
	if err := f.engine.PartialRepay(f.borrower, loanID, big.NewInt(600)); err != nil {
		t.Fatalf("partial repay: %v", err)
	}

	debt, err := f.engine.GetLoanDebt(loanID)
	if err != nil {
		t.Fatalf("get loan debt: %v", err)
	}
	if debt.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected rebased debt 500, got %s", debt)
	}

	// 600/1100 of the 1000 principal retires, half-up: 545. The remaining
	// 55 is interest and accrues to the protocol sink.
	loan, err := f.engine.GetLoan(loanID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if loan.BorrowAmount.Cmp(big.NewInt(455)) != 0 {
		t.Fatalf("expected outstanding principal 455, got %s", loan.BorrowAmount)
	}
	interest := new(big.Int).Sub(f.creditBalance(f.sinkAddr), sinkBefore)
	if interest.Cmp(big.NewInt(55)) != 0 {
		t.Fatalf("expected 55 interest at sink, got %s", interest)
	}

	term, err := f.engine.GetTerm(testTermID)
	if err != nil {
		t.Fatalf("get term: %v", err)
	}
	if term.TotalIssuance.Cmp(big.NewInt(455)) != 0 {
		t.Fatalf("expected issuance 455, got %s", term.TotalIssuance)
	}

	// Interest keeps compounding on the rebased balance only.
	f.advance(secondsPerYear)
	debt, err = f.engine.GetLoanDebt(loanID)
	if err != nil {
		t.Fatalf("get loan debt: %v", err)
	}
	if debt.Cmp(big.NewInt(550)) != 0 {
		t.Fatalf("expected 550 one year after rebase, got %s", debt)
	}
}

func TestPartialRepayBounds(t *testing.T) {
	f := newFixture(t, defaultTermParams(), 1000)
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	f.advance(secondsPerYear) // debt 1100, 10% minimum = 110

	if err := f.engine.PartialRepay(f.borrower, loanID, big.NewInt(109)); !errors.Is(err, ErrRepayTooSmall) {
		t.Fatalf("expected minimum repay rejection, got %v", err)
	}
	if err := f.engine.PartialRepay(f.borrower, loanID, big.NewInt(1100)); !errors.Is(err, ErrRepayTooLarge) {
		t.Fatalf("expected full-debt repay rejection, got %v", err)
	}
	if err := f.engine.PartialRepay(f.borrower, loanID, big.NewInt(110)); err != nil {
		t.Fatalf("partial repay at minimum: %v", err)
	}
}

func TestCloseCollectsAccruedInterest(t *testing.T) {
	f := newFixture(t, defaultTermParams(), 1000)
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	f.advance(secondsPerYear)

	repaid, err := f.engine.ClosePosition(f.borrower, loanID)
	if err != nil {
		t.Fatalf("close position: %v", err)
	}
	if repaid.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("expected close to collect 1100, got %s", repaid)
	}
	if f.creditBalance(f.sinkAddr).Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 interest at sink, got %s", f.creditBalance(f.sinkAddr))
	}
	if f.sink.total().Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 profit reported, got %s", f.sink.total())
	}
}
