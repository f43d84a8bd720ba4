package credit

import (
	"errors"
	"math/big"
	"testing"

	"creditguild/crypto"
)

// liquidatedFixture drives a loan through borrow → call → elapsed call period
// → liquidation start, leaving a running auction with 1000 frozen debt against
// one whole collateral token.
func liquidatedFixture(t *testing.T, rateBps uint64) (*fixture, [32]byte, crypto.Address) {
	t.Helper()

	f := newFixture(t, defaultTermParams(), rateBps)
	loanID := f.borrow(t, new(big.Int).Set(tokenUnit), 1000)

	keeper := makeAddress(0x20)
	f.fund(keeper, 1000, 0)
	callUndercollateralized(t, f, keeper, loanID)

	f.advance(3600)
	if err := f.engine.StartLiquidation(loanID); err != nil {
		t.Fatalf("start liquidation: %v", err)
	}

	bidder := makeAddress(0x30)
	f.fund(bidder, 2000, 0)
	return f, loanID, bidder
}

func TestBidAtStartTakesAllCollateralForFullDebt(t *testing.T) {
	f, loanID, bidder := liquidatedFixture(t, 0)

	capBefore, _ := f.engine.AvailableCapacity(testTermID)

	collateralOut, debtIn, err := f.house.Bid(bidder, loanID)
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if collateralOut.Cmp(tokenUnit) != 0 {
		t.Fatalf("expected full collateral at auction start, got %s", collateralOut)
	}
	if debtIn.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected full debt asked, got %s", debtIn)
	}

	if f.creditBalance(bidder).Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("bidder should pay 1000, balance %s", f.creditBalance(bidder))
	}
	if f.collateralBalance(bidder).Cmp(tokenUnit) != 0 {
		t.Fatalf("bidder should hold the collateral")
	}

	loan, err := f.engine.GetLoan(loanID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if !loan.Closed {
		t.Fatalf("loan should close on settlement")
	}

	term, err := f.engine.GetTerm(testTermID)
	if err != nil {
		t.Fatalf("get term: %v", err)
	}
	if term.TotalIssuance.Sign() != 0 {
		t.Fatalf("issuance should fully unwind, got %s", term.TotalIssuance)
	}
	capAfter, _ := f.engine.AvailableCapacity(testTermID)
	if new(big.Int).Sub(capAfter, capBefore).Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("buffer should recover the retired principal")
	}

	if len(f.sink.entries) != 0 {
		t.Fatalf("full recovery at par should report no profit or loss")
	}
}

func TestBidQuoteDecaysLinearlyBeforeMidpoint(t *testing.T) {
	f, loanID, _ := liquidatedFixture(t, 0)

	f.advance(450) // a quarter of the way to the midpoint
	collateralOut, debtIn, err := f.house.GetBidDetail(loanID)
	if err != nil {
		t.Fatalf("get bid detail: %v", err)
	}
	want := new(big.Int).Mul(tokenUnit, big.NewInt(3))
	want.Quo(want, big.NewInt(4))
	if collateralOut.Cmp(want) != 0 {
		t.Fatalf("expected 3/4 collateral offered, got %s", collateralOut)
	}
	if debtIn.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("debt asked should stay at 1000 before the midpoint, got %s", debtIn)
	}

	f.advance(450)
	halfway, _, err := f.house.GetBidDetail(loanID)
	if err != nil {
		t.Fatalf("get bid detail: %v", err)
	}
	half := new(big.Int).Rsh(tokenUnit, 1)
	if halfway.Cmp(half) != 0 {
		t.Fatalf("expected half collateral at half the midpoint window, got %s", halfway)
	}
}

func TestBidAtMidpointReturnsCollateralToBorrower(t *testing.T) {
	f, loanID, bidder := liquidatedFixture(t, 0)

	borrowerBefore := f.collateralBalance(f.borrower)
	f.advance(1800)

	collateralOut, debtIn, err := f.house.Bid(bidder, loanID)
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if collateralOut.Sign() != 0 {
		t.Fatalf("no collateral is offered at the midpoint, got %s", collateralOut)
	}
	if debtIn.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("full debt is asked at the midpoint, got %s", debtIn)
	}

	// Full recovery with no collateral sold: everything returns to the
	// borrower.
	gained := new(big.Int).Sub(f.collateralBalance(f.borrower), borrowerBefore)
	if gained.Cmp(tokenUnit) != 0 {
		t.Fatalf("borrower should recover all collateral, got %s", gained)
	}
	if f.collateralBalance(bidder).Sign() != 0 {
		t.Fatalf("bidder bought no collateral")
	}
}

func TestBidAfterMidpointWritesOffShortfall(t *testing.T) {
	f, loanID, bidder := liquidatedFixture(t, 0)

	f.advance(2700) // halfway through phase two: debt asked halves

	collateralOut, debtIn, err := f.house.Bid(bidder, loanID)
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if collateralOut.Sign() != 0 {
		t.Fatalf("phase two offers no collateral, got %s", collateralOut)
	}
	if debtIn.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected half debt asked, got %s", debtIn)
	}

	// Partial recovery: the protocol keeps the collateral and books the
	// 500 shortfall as a loss.
	if f.state.accounts[string(f.sinkAddr.Bytes())].BalanceCollateral.Cmp(tokenUnit) != 0 {
		t.Fatalf("unsold collateral should go to the protocol on shortfall")
	}
	if f.sink.total().Cmp(big.NewInt(-500)) != 0 {
		t.Fatalf("expected -500 reported, got %s", f.sink.total())
	}

	loan, err := f.engine.GetLoan(loanID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if !loan.Closed {
		t.Fatalf("written-off loan should close")
	}
}

func TestBidAtTotalDurationAsksNothing(t *testing.T) {
	f, loanID, bidder := liquidatedFixture(t, 0)

	f.advance(3600)
	bidderBefore := f.creditBalance(bidder)

	collateralOut, debtIn, err := f.house.Bid(bidder, loanID)
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if collateralOut.Sign() != 0 || debtIn.Sign() != 0 {
		t.Fatalf("terminal bid should clear at zero, got %s / %s", collateralOut, debtIn)
	}
	if f.creditBalance(bidder).Cmp(bidderBefore) != 0 {
		t.Fatalf("terminal bid should cost nothing")
	}
	if f.sink.total().Cmp(big.NewInt(-1000)) != 0 {
		t.Fatalf("full debt should be written off, got %s", f.sink.total())
	}
}

func TestBidPastTotalDurationRejected(t *testing.T) {
	f, loanID, bidder := liquidatedFixture(t, 0)

	f.advance(3601)
	if _, _, err := f.house.Bid(bidder, loanID); !errors.Is(err, ErrAuctionConcluded) {
		t.Fatalf("expected concluded auction rejection, got %v", err)
	}
}

func TestForfeitOnlyAfterExpiry(t *testing.T) {
	f, loanID, _ := liquidatedFixture(t, 0)

	f.advance(3599)
	if err := f.house.Forfeit(loanID); !errors.Is(err, ErrAuctionRunning) {
		t.Fatalf("expected running auction rejection, got %v", err)
	}

	f.advance(1)
	if err := f.house.Forfeit(loanID); err != nil {
		t.Fatalf("forfeit: %v", err)
	}

	if f.state.accounts[string(f.sinkAddr.Bytes())].BalanceCollateral.Cmp(tokenUnit) != 0 {
		t.Fatalf("forfeited collateral should go to the protocol")
	}
	if f.sink.total().Cmp(big.NewInt(-1000)) != 0 {
		t.Fatalf("forfeit should write off the full debt, got %s", f.sink.total())
	}

	if err := f.house.Forfeit(loanID); !errors.Is(err, ErrAuctionAlreadySettled) {
		t.Fatalf("expected settled rejection, got %v", err)
	}
}

func TestBidSettlesAuctionExactlyOnce(t *testing.T) {
	f, loanID, bidder := liquidatedFixture(t, 0)

	if _, _, err := f.house.Bid(bidder, loanID); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, _, err := f.house.Bid(bidder, loanID); !errors.Is(err, ErrAuctionAlreadySettled) {
		t.Fatalf("expected settled rejection, got %v", err)
	}
	if _, _, err := f.house.GetBidDetail(loanID); !errors.Is(err, ErrAuctionAlreadySettled) {
		t.Fatalf("expected settled quote rejection, got %v", err)
	}
}

func TestDebtFrozenDuringLiquidation(t *testing.T) {
	f, loanID, _ := liquidatedFixture(t, 1000)

	auction, err := f.house.GetAuction(loanID)
	if err != nil {
		t.Fatalf("get auction: %v", err)
	}

	f.advance(secondsPerYear)
	debt, err := f.engine.GetLoanDebt(loanID)
	if err != nil {
		t.Fatalf("get loan debt: %v", err)
	}
	if debt.Cmp(auction.DebtAmount) != 0 {
		t.Fatalf("liquidating debt must stay frozen: %s vs %s", debt, auction.DebtAmount)
	}
}
