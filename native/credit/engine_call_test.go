package credit

import (
	"errors"
	"math/big"
	"testing"

	"creditguild/crypto"
)

// callUndercollateralized puts a loan under water by cutting the term's
// collateralization ceiling, then has keeper call it.
func callUndercollateralized(t *testing.T, f *fixture, keeper crypto.Address, loanID [32]byte) {
	t.Helper()
	if err := f.engine.SetMaxDebtPerCollateral(f.governor, testTermID, big.NewInt(500)); err != nil {
		t.Fatalf("set max debt per collateral: %v", err)
	}
	if err := f.engine.Call(keeper, loanID); err != nil {
		t.Fatalf("call loan: %v", err)
	}
}

func TestCallRequiresCallCondition(t *testing.T) {
	f := newFixture(t, defaultTermParams(), 0)
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	keeper := makeAddress(0x20)
	f.fund(keeper, 1000, 0)

	callable, err := f.engine.CanCall(loanID)
	if err != nil {
		t.Fatalf("can call: %v", err)
	}
	if callable {
		t.Fatalf("healthy loan must not be callable")
	}
	if err := f.engine.Call(keeper, loanID); !errors.Is(err, ErrCannotCall) {
		t.Fatalf("expected ErrCannotCall, got %v", err)
	}
}

func TestCallAfterCeilingCut(t *testing.T) {
	f := newFixture(t, defaultTermParams(), 0)
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	keeper := makeAddress(0x20)
	f.fund(keeper, 1000, 0)

	if err := f.engine.SetMaxDebtPerCollateral(f.governor, testTermID, big.NewInt(500)); err != nil {
		t.Fatalf("set max debt per collateral: %v", err)
	}

	callable, err := f.engine.CanCall(loanID)
	if err != nil {
		t.Fatalf("can call: %v", err)
	}
	if !callable {
		t.Fatalf("loan over the new ceiling must be callable")
	}

	borrowerBefore := f.creditBalance(f.borrower)
	if err := f.engine.Call(keeper, loanID); err != nil {
		t.Fatalf("call loan: %v", err)
	}

	// The 5% call fee on 1000 debt moves from the keeper to the borrower.
	if f.creditBalance(keeper).Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("keeper should pay the call fee, balance %s", f.creditBalance(keeper))
	}
	gained := new(big.Int).Sub(f.creditBalance(f.borrower), borrowerBefore)
	if gained.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("borrower should receive the call fee, got %s", gained)
	}

	loan, err := f.engine.GetLoan(loanID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if loan.CallTime != f.now {
		t.Fatalf("call time not recorded")
	}

	// Debt is unchanged by the call itself.
	debt, err := f.engine.GetLoanDebt(loanID)
	if err != nil {
		t.Fatalf("get loan debt: %v", err)
	}
	if debt.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("call must not change debt, got %s", debt)
	}

	if err := f.engine.Call(keeper, loanID); !errors.Is(err, ErrLoanCalled) {
		t.Fatalf("expected repeated call rejection, got %v", err)
	}
}

func TestCallAfterMissedRepaymentWindow(t *testing.T) {
	params := defaultTermParams()
	params.MaxDelayBetweenPartialRepay = 86_400
	f := newFixture(t, params, 0)
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	callable, err := f.engine.CanCall(loanID)
	if err != nil {
		t.Fatalf("can call: %v", err)
	}
	if callable {
		t.Fatalf("loan inside the repayment window must not be callable")
	}

	f.advance(86_401)
	callable, err = f.engine.CanCall(loanID)
	if err != nil {
		t.Fatalf("can call: %v", err)
	}
	if !callable {
		t.Fatalf("loan past the repayment window must be callable")
	}

	// A qualifying partial repayment resets the window.
	if err := f.engine.PartialRepay(f.borrower, loanID, big.NewInt(100)); err != nil {
		t.Fatalf("partial repay: %v", err)
	}
	callable, err = f.engine.CanCall(loanID)
	if err != nil {
		t.Fatalf("can call: %v", err)
	}
	if callable {
		t.Fatalf("repayment should reset the call window")
	}
}

func TestPartialRepayRejectedAfterCall(t *testing.T) {
	f := newFixture(t, defaultTermParams(), 0)
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	keeper := makeAddress(0x20)
	f.fund(keeper, 1000, 0)
	callUndercollateralized(t, f, keeper, loanID)

	if err := f.engine.PartialRepay(f.borrower, loanID, big.NewInt(200)); !errors.Is(err, ErrLoanCalled) {
		t.Fatalf("expected repay rejection on called loan, got %v", err)
	}
}

func TestCloseAllowedDuringCallPeriod(t *testing.T) {
	f := newFixture(t, defaultTermParams(), 0)
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	keeper := makeAddress(0x20)
	f.fund(keeper, 1000, 0)
	callUndercollateralized(t, f, keeper, loanID)

	if _, err := f.engine.ClosePosition(f.borrower, loanID); err != nil {
		t.Fatalf("close during call period: %v", err)
	}
	if f.collateralBalance(f.borrower).Cmp(tokenUnit) != 0 {
		t.Fatalf("collateral should return to borrower")
	}
}

func TestStartLiquidationRequiresElapsedCallPeriod(t *testing.T) {
	f := newFixture(t, defaultTermParams(), 0)
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	if err := f.engine.StartLiquidation(loanID); !errors.Is(err, ErrLoanNotCalled) {
		t.Fatalf("expected uncalled rejection, got %v", err)
	}

	keeper := makeAddress(0x20)
	f.fund(keeper, 1000, 0)
	callUndercollateralized(t, f, keeper, loanID)

	f.advance(3599)
	if err := f.engine.StartLiquidation(loanID); !errors.Is(err, ErrCallPeriodNotElapsed) {
		t.Fatalf("expected call period rejection, got %v", err)
	}

	f.advance(1)
	if err := f.engine.StartLiquidation(loanID); err != nil {
		t.Fatalf("start liquidation: %v", err)
	}

	loan, err := f.engine.GetLoan(loanID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if loan.LiquidationTime != f.now {
		t.Fatalf("liquidation time not recorded")
	}

	auction, err := f.house.GetAuction(loanID)
	if err != nil {
		t.Fatalf("get auction: %v", err)
	}
	if auction.DebtAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("auction debt should be frozen at 1000, got %s", auction.DebtAmount)
	}
	if auction.CollateralAmount.Cmp(tokenUnit) != 0 {
		t.Fatalf("auction collateral mismatch")
	}

	if err := f.engine.StartLiquidation(loanID); !errors.Is(err, ErrLoanLiquidating) {
		t.Fatalf("expected duplicate liquidation rejection, got %v", err)
	}
}
