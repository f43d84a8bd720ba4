package credit

import (
	"encoding/binary"
	"errors"
	"math"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"creditguild/core/events"
	"creditguild/core/types"
	"creditguild/crypto"
	nativecommon "creditguild/native/common"
)

var (
	errNilState            = errors.New("credit engine: state not configured")
	ErrTermNotFound        = errors.New("credit engine: term not found")
	ErrTermExists          = errors.New("credit engine: term already exists")
	ErrInvalidTerm         = errors.New("credit engine: term parameters invalid")
	ErrInvalidAmount       = errors.New("credit engine: amount must be positive")
	ErrInsufficientBalance = errors.New("credit engine: insufficient balance")
	ErrNotBorrower         = errors.New("credit engine: caller is not the borrower")
	ErrRateFixed           = errors.New("credit engine: term rate is fixed")
	ErrLoanCalled          = errors.New("credit engine: loan already called")
	ErrLoanNotCalled       = errors.New("credit engine: loan has not been called")
	ErrLoanLiquidating     = errors.New("credit engine: loan is in liquidation")

	// Precondition violations surfaced to callers, per the protocol's error
	// taxonomy. Each aborts the whole operation with no partial effect.
	ErrLoanNotFound            = errors.New("credit engine: loan not found")
	ErrLoanClosed              = errors.New("credit engine: loan already closed")
	ErrDebtCeilingExceeded     = errors.New("credit engine: hard cap exceeded")
	ErrCollateralizationTooLow = errors.New("credit engine: collateralization too low")
	ErrRepayTooSmall           = errors.New("credit engine: repayment below minimum")
	ErrRepayTooLarge           = errors.New("credit engine: partial repayment covers full debt")
	ErrCannotCall              = errors.New("credit engine: loan is not callable")
	ErrCallPeriodNotElapsed    = errors.New("credit engine: call period not elapsed")
)

const moduleName = "credit"

// RoleGovernor is the governance role consulted for every parameter mutation.
const RoleGovernor = "credit.governor"

type engineState interface {
	GetTerm(termID string) (*Term, error)
	PutTerm(term *Term) error
	GetLoan(id [32]byte) (*Loan, error)
	PutLoan(loan *Loan) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
}

// PnLSink is the external collaborator absorbing realized bad debt and
// receiving realized surplus. Amounts are signed: positive for profit,
// negative for loss.
type PnLSink interface {
	NotifyPnL(termID string, amount *big.Int) error
}

// NoopSink discards every notification. It keeps the sink optional in tests
// and tooling.
type NoopSink struct{}

// NotifyPnL implements the PnLSink interface.
func (NoopSink) NotifyPnL(string, *big.Int) error { return nil }

// Engine orchestrates the loan lifecycle state transitions for every lending
// term: origination, interest accrual, partial repayment, calls, closing and
// the hand-off to the auction house. Operations are all-or-nothing: a failed
// precondition aborts before any state write.
type Engine struct {
	state         engineState
	moduleAddress crypto.Address
	sinkAddress   crypto.Address
	sink          PnLSink
	roles         nativecommon.RoleView
	pauses        nativecommon.PauseView
	emitter       events.Emitter
	nowFn         func() int64
	auctions      *AuctionHouse
}

// NewEngine constructs a lending engine. moduleAddr custodies collateral while
// loans are open; sinkAddr is the ledger account of the profit/loss sink.
func NewEngine(moduleAddr, sinkAddr crypto.Address) *Engine {
	return &Engine{
		moduleAddress: moduleAddr,
		sinkAddress:   sinkAddr,
		sink:          NoopSink{},
		emitter:       events.NoopEmitter{},
		nowFn:         func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetSink configures the profit/loss sink collaborator. Passing nil resets it
// to a no-op implementation.
func (e *Engine) SetSink(sink PnLSink) {
	if sink == nil {
		e.sink = NoopSink{}
		return
	}
	e.sink = sink
}

// SetRoles wires the governance role-check collaborator guarding the
// administrative setters.
func (e *Engine) SetRoles(v nativecommon.RoleView) { e.roles = v }

// SetPauses wires the module pause switchboard.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetAuctionHouse wires the liquidation collaborator. StartLiquidation fails
// until one is configured.
func (e *Engine) SetAuctionHouse(a *AuctionHouse) { e.auctions = a }

// Now reads the engine's configured time source.
func (e *Engine) Now() int64 { return e.now() }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// CreateTerm registers a new lending term. Terms are deployed by governance;
// the call validates parameter bounds, including that every duration fits in
// the signed arithmetic the lifecycle checks use.
func (e *Engine) CreateTerm(caller crypto.Address, term *Term) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireRole(e.roles, RoleGovernor, caller.Bytes()); err != nil {
		return err
	}
	if term == nil || strings.TrimSpace(term.ID) == "" {
		return ErrInvalidTerm
	}
	if term.Params.Policy != PolicyFixedRate && term.Params.Policy != PolicyAdjustableRate {
		return ErrInvalidTerm
	}
	if term.Params.CallPeriodSeconds > math.MaxInt64 ||
		term.Params.MaxDelayBetweenPartialRepay > math.MaxInt64 {
		return ErrInvalidTerm
	}
	if term.Params.CallFeeBps > 10_000 || term.Params.MinPartialRepayBps > 10_000 ||
		term.Params.OpeningFeeBps > 10_000 {
		return ErrInvalidTerm
	}
	if term.MaxDebtPerCollateral == nil || term.MaxDebtPerCollateral.Sign() <= 0 {
		return ErrInvalidTerm
	}
	if term.HardCap == nil || term.HardCap.Sign() < 0 {
		return ErrInvalidTerm
	}
	if term.Buffer == nil {
		return ErrInvalidTerm
	}
	existing, err := e.state.GetTerm(term.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrTermExists
	}
	now := e.now()
	if term.TotalIssuance == nil {
		term.TotalIssuance = big.NewInt(0)
	}
	if term.InterestIndex == nil || term.InterestIndex.Sign() == 0 {
		term.InterestIndex = new(big.Int).Set(ray)
	}
	term.LastAccrualTime = now
	term.Buffer.EnsureDefaults()
	return e.state.PutTerm(term)
}

// Borrow opens a loan: collateral moves into module custody, the issuance
// buffer is depleted by the full principal, and principal minus the opening
// fee is minted to the borrower. The loan fingerprint is returned.
func (e *Engine) Borrow(termID string, borrower crypto.Address, collateralAmount, borrowAmount *big.Int) ([32]byte, error) {
	var loanID [32]byte
	if e == nil || e.state == nil {
		return loanID, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return loanID, err
	}
	if collateralAmount == nil || collateralAmount.Sign() <= 0 ||
		borrowAmount == nil || borrowAmount.Sign() <= 0 {
		return loanID, ErrInvalidAmount
	}

	term, err := e.ensureTerm(termID)
	if err != nil {
		return loanID, err
	}
	now := e.now()
	e.settleIndex(term, now)

	maxBorrow := mulDiv(collateralAmount, term.MaxDebtPerCollateral, tokenUnit)
	if borrowAmount.Cmp(maxBorrow) > 0 {
		return loanID, ErrCollateralizationTooLow
	}
	projected := new(big.Int).Add(term.TotalIssuance, borrowAmount)
	if projected.Cmp(term.HardCap) > 0 {
		return loanID, ErrDebtCeilingExceeded
	}
	if err := term.Buffer.Deplete(borrowAmount, now); err != nil {
		return loanID, err
	}

	accts := e.newLedger()
	borrowerAcc, err := accts.account(borrower)
	if err != nil {
		return loanID, err
	}
	if borrowerAcc.BalanceCollateral.Cmp(collateralAmount) < 0 {
		return loanID, ErrInsufficientBalance
	}
	moduleAcc, err := accts.account(e.moduleAddress)
	if err != nil {
		return loanID, err
	}

	openingFee := bpsShare(borrowAmount, term.Params.OpeningFeeBps)
	minted := new(big.Int).Sub(borrowAmount, openingFee)

	borrowerAcc.BalanceCollateral = new(big.Int).Sub(borrowerAcc.BalanceCollateral, collateralAmount)
	moduleAcc.BalanceCollateral = new(big.Int).Add(moduleAcc.BalanceCollateral, collateralAmount)
	borrowerAcc.BalanceCredit = new(big.Int).Add(borrowerAcc.BalanceCredit, minted)

	if openingFee.Sign() > 0 {
		sinkAcc, err := accts.account(e.sinkAddress)
		if err != nil {
			return loanID, err
		}
		sinkAcc.BalanceCredit = new(big.Int).Add(sinkAcc.BalanceCredit, openingFee)
	}
	if err := accts.persist(); err != nil {
		return loanID, err
	}
	if openingFee.Sign() > 0 {
		if err := e.sink.NotifyPnL(term.ID, openingFee); err != nil {
			return loanID, err
		}
	}

	loanID = loanFingerprint(borrower, term.ID, term.NextLoanNonce)
	term.NextLoanNonce++
	loan := &Loan{
		ID:                   loanID,
		TermID:               term.ID,
		Borrower:             borrower,
		BorrowerRaw:          append([]byte(nil), borrower.Bytes()...),
		CollateralAmount:     cloneBigInt(collateralAmount),
		BorrowAmount:         cloneBigInt(borrowAmount),
		AccrualBase:          cloneBigInt(borrowAmount),
		IndexSnapshot:        cloneBigInt(term.InterestIndex),
		OpeningTime:          now,
		LastPartialRepayTime: now,
	}
	term.TotalIssuance = projected

	if err := e.state.PutLoan(loan); err != nil {
		return loanID, err
	}
	if err := e.state.PutTerm(term); err != nil {
		return loanID, err
	}

	e.emit(events.LoanOpened{
		LoanID:     loanID,
		TermID:     term.ID,
		Borrower:   borrower,
		Collateral: loan.CollateralAmount,
		Principal:  loan.BorrowAmount,
	})
	return loanID, nil
}

// GetLoan returns the stored loan record.
func (e *Engine) GetLoan(loanID [32]byte) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	loan, err := e.state.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrLoanNotFound
	}
	loan.EnsureDefaults()
	return loan, nil
}

// GetTerm returns the stored term record.
func (e *Engine) GetTerm(termID string) (*Term, error) {
	return e.ensureTerm(termID)
}

// GetLoanDebt reports the loan's current debt: principal prorated linearly at
// the term rate since the last rebase, with rate changes composing stepwise.
// A closed loan owes nothing; a liquidating loan owes the amount frozen when
// its auction started.
func (e *Engine) GetLoanDebt(loanID [32]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	loan, err := e.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Closed {
		return big.NewInt(0), nil
	}
	if loan.LiquidationTime > 0 && e.auctions != nil {
		auction, err := e.auctions.GetAuction(loanID)
		if err == nil && auction != nil {
			return cloneBigInt(auction.DebtAmount), nil
		}
	}
	term, err := e.ensureTerm(loan.TermID)
	if err != nil {
		return nil, err
	}
	index := e.projectedIndex(term, e.now())
	return debtFromPrincipal(loan.AccrualBase, index, loan.IndexSnapshot), nil
}

// AvailableCapacity reports the term's instantaneous minting headroom.
func (e *Engine) AvailableCapacity(termID string) (*big.Int, error) {
	term, err := e.ensureTerm(termID)
	if err != nil {
		return nil, err
	}
	return term.Buffer.AvailableCapacity(e.now()), nil
}

// PartialRepay pays down part of a loan's debt. The payment must meet the
// term's minimum fraction of current debt and must leave the loan open; full
// repayment goes through ClosePosition. The principal portion is burned and
// fed back into the issuance buffer, the interest portion is surplus for the
// sink, and the accrual base is rebased to the present index.
func (e *Engine) PartialRepay(payer crypto.Address, loanID [32]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	loan, err := e.GetLoan(loanID)
	if err != nil {
		return err
	}
	if loan.Closed {
		return ErrLoanClosed
	}
	if loan.CallTime != 0 {
		return ErrLoanCalled
	}
	term, err := e.ensureTerm(loan.TermID)
	if err != nil {
		return err
	}
	now := e.now()
	e.settleIndex(term, now)

	debt := debtFromPrincipal(loan.AccrualBase, term.InterestIndex, loan.IndexSnapshot)
	minRepay := bpsShare(debt, term.Params.MinPartialRepayBps)
	if amount.Cmp(minRepay) < 0 {
		return ErrRepayTooSmall
	}
	if amount.Cmp(debt) >= 0 {
		return ErrRepayTooLarge
	}

	accts := e.newLedger()
	payerAcc, err := accts.account(payer)
	if err != nil {
		return err
	}
	if payerAcc.BalanceCredit.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	// Split the payment between the principal it retires and the interest it
	// realizes: principal pro-rata to the fraction of debt repaid.
	principalRepaid := mulDiv(loan.BorrowAmount, amount, debt)
	if principalRepaid.Cmp(loan.BorrowAmount) > 0 {
		principalRepaid = cloneBigInt(loan.BorrowAmount)
	}
	interestRepaid := new(big.Int).Sub(amount, principalRepaid)
	if interestRepaid.Sign() < 0 {
		interestRepaid = big.NewInt(0)
	}

	payerAcc.BalanceCredit = new(big.Int).Sub(payerAcc.BalanceCredit, amount)
	if interestRepaid.Sign() > 0 {
		sinkAcc, err := accts.account(e.sinkAddress)
		if err != nil {
			return err
		}
		sinkAcc.BalanceCredit = new(big.Int).Add(sinkAcc.BalanceCredit, interestRepaid)
	}
	if err := accts.persist(); err != nil {
		return err
	}
	if interestRepaid.Sign() > 0 {
		if err := e.sink.NotifyPnL(term.ID, interestRepaid); err != nil {
			return err
		}
	}

	loan.BorrowAmount = new(big.Int).Sub(loan.BorrowAmount, principalRepaid)
	loan.AccrualBase = new(big.Int).Sub(debt, amount)
	loan.IndexSnapshot = cloneBigInt(term.InterestIndex)
	loan.LastPartialRepayTime = now

	term.TotalIssuance = new(big.Int).Sub(term.TotalIssuance, principalRepaid)
	if term.TotalIssuance.Sign() < 0 {
		term.TotalIssuance = big.NewInt(0)
	}
	if err := term.Buffer.Replenish(principalRepaid, now); err != nil {
		return err
	}

	if err := e.state.PutLoan(loan); err != nil {
		return err
	}
	if err := e.state.PutTerm(term); err != nil {
		return err
	}

	e.emit(events.LoanPartialRepay{
		LoanID:    loanID,
		TermID:    term.ID,
		Borrower:  loan.Borrower,
		Repaid:    amount,
		Remaining: loan.AccrualBase,
	})
	return nil
}

// CanCall reports whether the loan currently satisfies a call condition.
func (e *Engine) CanCall(loanID [32]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	loan, err := e.GetLoan(loanID)
	if err != nil {
		return false, err
	}
	if !loan.Active() {
		return false, nil
	}
	term, err := e.ensureTerm(loan.TermID)
	if err != nil {
		return false, err
	}
	now := e.now()
	index := e.projectedIndex(term, now)
	debt := debtFromPrincipal(loan.AccrualBase, index, loan.IndexSnapshot)
	return policyFor(term).Callable(term, loan, debt, now), nil
}

// Call starts the clock on forced liquidation. The caller pays the call fee
// (a fraction of current debt) to the borrower as compensation; the debt
// itself is unchanged by the call.
func (e *Engine) Call(caller crypto.Address, loanID [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	loan, err := e.GetLoan(loanID)
	if err != nil {
		return err
	}
	if loan.Closed {
		return ErrLoanClosed
	}
	if loan.CallTime != 0 {
		return ErrLoanCalled
	}
	term, err := e.ensureTerm(loan.TermID)
	if err != nil {
		return err
	}
	now := e.now()
	e.settleIndex(term, now)

	debt := debtFromPrincipal(loan.AccrualBase, term.InterestIndex, loan.IndexSnapshot)
	if !policyFor(term).Callable(term, loan, debt, now) {
		return ErrCannotCall
	}

	callFee := bpsShare(debt, term.Params.CallFeeBps)
	if callFee.Sign() > 0 {
		accts := e.newLedger()
		callerAcc, err := accts.account(caller)
		if err != nil {
			return err
		}
		if callerAcc.BalanceCredit.Cmp(callFee) < 0 {
			return ErrInsufficientBalance
		}
		// A borrower calling their own loan aliases both sides of the fee
		// transfer to the same record, leaving the balance unchanged.
		borrowerAcc, err := accts.account(loan.Borrower)
		if err != nil {
			return err
		}
		callerAcc.BalanceCredit = new(big.Int).Sub(callerAcc.BalanceCredit, callFee)
		borrowerAcc.BalanceCredit = new(big.Int).Add(borrowerAcc.BalanceCredit, callFee)
		if err := accts.persist(); err != nil {
			return err
		}
	}

	loan.CallTime = now
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}
	if err := e.state.PutTerm(term); err != nil {
		return err
	}

	e.emit(events.LoanCalled{
		LoanID:   loanID,
		TermID:   term.ID,
		Caller:   caller,
		Debt:     debt,
		CallFee:  callFee,
		CallTime: now,
	})
	return nil
}

// ClosePosition repays the full current debt and returns the collateral to
// the borrower. Only the borrower may close, and only before liquidation
// starts; both active and called loans qualify.
func (e *Engine) ClosePosition(borrower crypto.Address, loanID [32]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Closed {
		return nil, ErrLoanClosed
	}
	if loan.LiquidationTime != 0 {
		return nil, ErrLoanLiquidating
	}
	if string(loan.Borrower.Bytes()) != string(borrower.Bytes()) {
		return nil, ErrNotBorrower
	}
	term, err := e.ensureTerm(loan.TermID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	e.settleIndex(term, now)

	debt := debtFromPrincipal(loan.AccrualBase, term.InterestIndex, loan.IndexSnapshot)
	accts := e.newLedger()
	borrowerAcc, err := accts.account(borrower)
	if err != nil {
		return nil, err
	}
	if borrowerAcc.BalanceCredit.Cmp(debt) < 0 {
		return nil, ErrInsufficientBalance
	}
	moduleAcc, err := accts.account(e.moduleAddress)
	if err != nil {
		return nil, err
	}
	if moduleAcc.BalanceCollateral.Cmp(loan.CollateralAmount) < 0 {
		return nil, ErrInsufficientBalance
	}

	interest := new(big.Int).Sub(debt, loan.BorrowAmount)
	if interest.Sign() < 0 {
		interest = big.NewInt(0)
	}

	borrowerAcc.BalanceCredit = new(big.Int).Sub(borrowerAcc.BalanceCredit, debt)
	borrowerAcc.BalanceCollateral = new(big.Int).Add(borrowerAcc.BalanceCollateral, loan.CollateralAmount)
	moduleAcc.BalanceCollateral = new(big.Int).Sub(moduleAcc.BalanceCollateral, loan.CollateralAmount)

	if interest.Sign() > 0 {
		sinkAcc, err := accts.account(e.sinkAddress)
		if err != nil {
			return nil, err
		}
		sinkAcc.BalanceCredit = new(big.Int).Add(sinkAcc.BalanceCredit, interest)
	}
	if err := accts.persist(); err != nil {
		return nil, err
	}
	if interest.Sign() > 0 {
		if err := e.sink.NotifyPnL(term.ID, interest); err != nil {
			return nil, err
		}
	}

	term.TotalIssuance = new(big.Int).Sub(term.TotalIssuance, loan.BorrowAmount)
	if term.TotalIssuance.Sign() < 0 {
		term.TotalIssuance = big.NewInt(0)
	}
	if err := term.Buffer.Replenish(loan.BorrowAmount, now); err != nil {
		return nil, err
	}

	loan.Closed = true
	loan.BorrowAmount = big.NewInt(0)
	loan.AccrualBase = big.NewInt(0)
	loan.CollateralAmount = big.NewInt(0)

	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	if err := e.state.PutTerm(term); err != nil {
		return nil, err
	}

	e.emit(events.LoanClosed{
		LoanID:   loanID,
		TermID:   term.ID,
		Borrower: borrower,
		Repaid:   debt,
	})
	return debt, nil
}

// StartLiquidation freezes a called loan's debt and collateral and hands them
// to the auction house. Requires the call period to have fully elapsed.
func (e *Engine) StartLiquidation(loanID [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.auctions == nil {
		return errNilState
	}
	loan, err := e.GetLoan(loanID)
	if err != nil {
		return err
	}
	if loan.Closed {
		return ErrLoanClosed
	}
	if loan.CallTime == 0 {
		return ErrLoanNotCalled
	}
	if loan.LiquidationTime != 0 {
		return ErrLoanLiquidating
	}
	term, err := e.ensureTerm(loan.TermID)
	if err != nil {
		return err
	}
	now := e.now()
	if now-loan.CallTime < int64(term.Params.CallPeriodSeconds) {
		return ErrCallPeriodNotElapsed
	}
	e.settleIndex(term, now)

	debt := debtFromPrincipal(loan.AccrualBase, term.InterestIndex, loan.IndexSnapshot)
	if err := e.auctions.start(loan, debt, now); err != nil {
		return err
	}
	loan.LiquidationTime = now
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}
	if err := e.state.PutTerm(term); err != nil {
		return err
	}

	e.emit(events.AuctionStarted{
		LoanID:     loanID,
		TermID:     term.ID,
		Collateral: loan.CollateralAmount,
		Debt:       debt,
		StartTime:  now,
	})
	return nil
}

// SetInterestRate moves an adjustable term's rate. The interest index is
// settled at the old rate first, so the change applies prospectively only,
// and the issuance buffer snapshot is reconciled alongside.
func (e *Engine) SetInterestRate(caller crypto.Address, termID string, rateBps uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireRole(e.roles, RoleGovernor, caller.Bytes()); err != nil {
		return err
	}
	term, err := e.ensureTerm(termID)
	if err != nil {
		return err
	}
	if !policyFor(term).RateAdjustable() {
		return ErrRateFixed
	}
	now := e.now()
	e.settleIndex(term, now)
	term.Buffer.settle(now)
	term.InterestRateBps = rateBps
	return e.state.PutTerm(term)
}

// SetMaxDebtPerCollateral moves the term's collateralization ceiling. Open
// loans are not re-checked here; a lowered ceiling simply makes
// under-collateralized loans callable.
func (e *Engine) SetMaxDebtPerCollateral(caller crypto.Address, termID string, value *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireRole(e.roles, RoleGovernor, caller.Bytes()); err != nil {
		return err
	}
	if value == nil || value.Sign() <= 0 {
		return ErrInvalidAmount
	}
	term, err := e.ensureTerm(termID)
	if err != nil {
		return err
	}
	now := e.now()
	e.settleIndex(term, now)
	term.Buffer.settle(now)
	term.MaxDebtPerCollateral = new(big.Int).Set(value)
	return e.state.PutTerm(term)
}

// SetHardCap moves the term's total debt ceiling. Existing issuance above a
// lowered cap is tolerated; only new borrows are blocked.
func (e *Engine) SetHardCap(caller crypto.Address, termID string, value *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireRole(e.roles, RoleGovernor, caller.Bytes()); err != nil {
		return err
	}
	if value == nil || value.Sign() < 0 {
		return ErrInvalidAmount
	}
	term, err := e.ensureTerm(termID)
	if err != nil {
		return err
	}
	now := e.now()
	e.settleIndex(term, now)
	term.Buffer.settle(now)
	term.HardCap = new(big.Int).Set(value)
	return e.state.PutTerm(term)
}

// SetBufferRate moves the term buffer's replenishment rate, bounded by the
// immutable maximum fixed at construction.
func (e *Engine) SetBufferRate(caller crypto.Address, termID string, rate *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireRole(e.roles, RoleGovernor, caller.Bytes()); err != nil {
		return err
	}
	term, err := e.ensureTerm(termID)
	if err != nil {
		return err
	}
	if err := term.Buffer.SetRateLimitPerSecond(rate, e.now()); err != nil {
		return err
	}
	return e.state.PutTerm(term)
}

// SetBufferCap moves the term buffer's instantaneous capacity ceiling.
func (e *Engine) SetBufferCap(caller crypto.Address, termID string, value *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireRole(e.roles, RoleGovernor, caller.Bytes()); err != nil {
		return err
	}
	term, err := e.ensureTerm(termID)
	if err != nil {
		return err
	}
	if err := term.Buffer.SetBufferCap(value, e.now()); err != nil {
		return err
	}
	return e.state.PutTerm(term)
}

func (e *Engine) ensureTerm(termID string) (*Term, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if strings.TrimSpace(termID) == "" {
		return nil, ErrTermNotFound
	}
	term, err := e.state.GetTerm(termID)
	if err != nil {
		return nil, err
	}
	if term == nil {
		return nil, ErrTermNotFound
	}
	if term.TotalIssuance == nil {
		term.TotalIssuance = big.NewInt(0)
	}
	if term.InterestIndex == nil || term.InterestIndex.Sign() == 0 {
		term.InterestIndex = new(big.Int).Set(ray)
	}
	if term.MaxDebtPerCollateral == nil {
		term.MaxDebtPerCollateral = big.NewInt(0)
	}
	if term.HardCap == nil {
		term.HardCap = big.NewInt(0)
	}
	if term.Buffer == nil {
		term.Buffer = &RateLimitedBuffer{}
	}
	term.Buffer.EnsureDefaults()
	return term, nil
}

// settleIndex folds elapsed time into the term's interest index at the
// current rate. Interest composes stepwise: each rate segment multiplies the
// index, so a rate change can never reach back into already-elapsed time.
func (e *Engine) settleIndex(term *Term, now int64) {
	if term == nil || now <= term.LastAccrualTime {
		return
	}
	rate := policyFor(term).CurrentRateBps(term, now)
	term.InterestIndex = accrueIndex(term.InterestIndex, rate, now-term.LastAccrualTime)
	term.LastAccrualTime = now
}

// projectedIndex computes the index at now without mutating the term.
func (e *Engine) projectedIndex(term *Term, now int64) *big.Int {
	if term == nil {
		return new(big.Int).Set(ray)
	}
	if now <= term.LastAccrualTime {
		return cloneBigInt(term.InterestIndex)
	}
	rate := policyFor(term).CurrentRateBps(term, now)
	return accrueIndex(term.InterestIndex, rate, now-term.LastAccrualTime)
}

// ledger caches the accounts touched by one operation so repeated lookups of
// the same address alias a single record, and writes each touched account
// back exactly once. Without it, an operation that debits and credits the
// same address through two loaded copies would lose whichever write lands
// first.
type ledger struct {
	engine *Engine
	order  []string
	addrs  map[string]crypto.Address
	accs   map[string]*types.Account
}

func (e *Engine) newLedger() *ledger {
	return &ledger{
		engine: e,
		addrs:  make(map[string]crypto.Address),
		accs:   make(map[string]*types.Account),
	}
}

func (l *ledger) account(addr crypto.Address) (*types.Account, error) {
	key := addr.String()
	if acc, ok := l.accs[key]; ok {
		return acc, nil
	}
	acc, err := l.engine.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	l.order = append(l.order, key)
	l.addrs[key] = addr
	l.accs[key] = acc
	return acc, nil
}

func (l *ledger) persist() error {
	for _, key := range l.order {
		if err := l.engine.persistAccount(l.addrs[key], l.accs[key]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	acc.EnsureDefaults()
	return acc, nil
}

func (e *Engine) persistAccount(addr crypto.Address, acc *types.Account) error {
	return e.state.PutAccount(addr, acc)
}

// loanFingerprint derives the unique loan identifier from the borrower, the
// term and a per-term monotonically increasing nonce.
func loanFingerprint(borrower crypto.Address, termID string, nonce uint64) [32]byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	digest := ethcrypto.Keccak256(borrower.Bytes(), []byte(termID), nonceBytes[:])
	var id [32]byte
	copy(id[:], digest)
	return id
}
