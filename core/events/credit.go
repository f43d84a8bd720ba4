package events

import (
	"encoding/hex"
	"math/big"

	"creditguild/core/types"
	"creditguild/crypto"
)

const (
	// TypeLoanOpened is emitted when a borrow succeeds and a loan is created.
	TypeLoanOpened = "loan.opened"
	// TypeLoanPartialRepay is emitted when a borrower pays down principal.
	TypeLoanPartialRepay = "loan.partial_repay"
	// TypeLoanCalled is emitted when a loan transitions to the called state.
	TypeLoanCalled = "loan.called"
	// TypeLoanClosed is emitted when a loan is fully repaid and closed.
	TypeLoanClosed = "loan.closed"
	// TypeAuctionStarted is emitted when liquidation begins for a loan.
	TypeAuctionStarted = "auction.started"
	// TypeAuctionSettled is emitted exactly once per auction, on bid or forfeit.
	TypeAuctionSettled = "auction.settled"
	// TypeLoanWrittenOff is emitted when an auction ends with unrecovered debt.
	TypeLoanWrittenOff = "loan.written_off"
)

func hexID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type LoanOpened struct {
	LoanID     [32]byte
	TermID     string
	Borrower   crypto.Address
	Collateral *big.Int
	Principal  *big.Int
}

func (LoanOpened) EventType() string { return TypeLoanOpened }

func (e LoanOpened) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanOpened,
		Attributes: map[string]string{
			"loanId":     hexID(e.LoanID),
			"termId":     e.TermID,
			"borrower":   e.Borrower.String(),
			"collateral": amountString(e.Collateral),
			"principal":  amountString(e.Principal),
		},
	}
}

type LoanPartialRepay struct {
	LoanID    [32]byte
	TermID    string
	Borrower  crypto.Address
	Repaid    *big.Int
	Remaining *big.Int
}

func (LoanPartialRepay) EventType() string { return TypeLoanPartialRepay }

func (e LoanPartialRepay) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanPartialRepay,
		Attributes: map[string]string{
			"loanId":    hexID(e.LoanID),
			"termId":    e.TermID,
			"borrower":  e.Borrower.String(),
			"repaid":    amountString(e.Repaid),
			"remaining": amountString(e.Remaining),
		},
	}
}

type LoanCalled struct {
	LoanID   [32]byte
	TermID   string
	Caller   crypto.Address
	Debt     *big.Int
	CallFee  *big.Int
	CallTime int64
}

func (LoanCalled) EventType() string { return TypeLoanCalled }

func (e LoanCalled) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanCalled,
		Attributes: map[string]string{
			"loanId":   hexID(e.LoanID),
			"termId":   e.TermID,
			"caller":   e.Caller.String(),
			"debt":     amountString(e.Debt),
			"callFee":  amountString(e.CallFee),
			"callTime": big.NewInt(e.CallTime).String(),
		},
	}
}

type LoanClosed struct {
	LoanID   [32]byte
	TermID   string
	Borrower crypto.Address
	Repaid   *big.Int
}

func (LoanClosed) EventType() string { return TypeLoanClosed }

func (e LoanClosed) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanClosed,
		Attributes: map[string]string{
			"loanId":   hexID(e.LoanID),
			"termId":   e.TermID,
			"borrower": e.Borrower.String(),
			"repaid":   amountString(e.Repaid),
		},
	}
}

type AuctionStarted struct {
	LoanID     [32]byte
	TermID     string
	Collateral *big.Int
	Debt       *big.Int
	StartTime  int64
}

func (AuctionStarted) EventType() string { return TypeAuctionStarted }

func (e AuctionStarted) Event() *types.Event {
	return &types.Event{
		Type: TypeAuctionStarted,
		Attributes: map[string]string{
			"loanId":     hexID(e.LoanID),
			"termId":     e.TermID,
			"collateral": amountString(e.Collateral),
			"debt":       amountString(e.Debt),
			"startTime":  big.NewInt(e.StartTime).String(),
		},
	}
}

type AuctionSettled struct {
	LoanID        [32]byte
	TermID        string
	Bidder        crypto.Address
	CollateralOut *big.Int
	DebtIn        *big.Int
	Forfeited     bool
}

func (AuctionSettled) EventType() string { return TypeAuctionSettled }

func (e AuctionSettled) Event() *types.Event {
	forfeited := "false"
	if e.Forfeited {
		forfeited = "true"
	}
	attrs := map[string]string{
		"loanId":        hexID(e.LoanID),
		"termId":        e.TermID,
		"collateralOut": amountString(e.CollateralOut),
		"debtIn":        amountString(e.DebtIn),
		"forfeited":     forfeited,
	}
	if !e.Bidder.IsZero() {
		attrs["bidder"] = e.Bidder.String()
	}
	return &types.Event{Type: TypeAuctionSettled, Attributes: attrs}
}

type LoanWrittenOff struct {
	LoanID [32]byte
	TermID string
	Loss   *big.Int
}

func (LoanWrittenOff) EventType() string { return TypeLoanWrittenOff }

func (e LoanWrittenOff) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanWrittenOff,
		Attributes: map[string]string{
			"loanId": hexID(e.LoanID),
			"termId": e.TermID,
			"loss":   amountString(e.Loss),
		},
	}
}
