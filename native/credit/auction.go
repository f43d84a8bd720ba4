package credit

import (
	"errors"
	"math"
	"math/big"
	"time"

	"creditguild/core/events"
	"creditguild/crypto"
	nativecommon "creditguild/native/common"
)

var (
	errNilAuctionState  = errors.New("auction house: state not configured")
	errNilSettler       = errors.New("auction house: lending engine not configured")
	errAuctionExists    = errors.New("auction house: auction already active for loan")
	errInvalidDurations = errors.New("auction house: invalid phase durations")
	errAuctionClock     = errors.New("auction house: timestamp precedes auction start")
	ErrAuctionRunning   = errors.New("auction house: auction still running")
	ErrAuctionConcluded = errors.New("auction house: auction past total duration")

	ErrAuctionNotFound       = errors.New("auction house: auction not found")
	ErrAuctionAlreadySettled = errors.New("auction house: auction already settled")
)

type auctionState interface {
	GetAuction(id [32]byte) (*Auction, error)
	PutAuction(auction *Auction) error
}

// AuctionHouse liquidates the collateral of called-and-unresolved loans
// through a two-phase descending-price schedule. Phase 1 offers a linearly
// shrinking share of the frozen collateral for the full frozen debt; phase 2
// offers no collateral for a linearly shrinking debt ask. Every auction
// settles exactly once, by bid or by forfeit.
type AuctionHouse struct {
	state           auctionState
	engine          *Engine
	midPointSeconds uint64
	totalSeconds    uint64
	nowFn           func() int64
	emitter         events.Emitter
	pauses          nativecommon.PauseView
}

// NewAuctionHouse constructs an auction house with the two phase durations in
// seconds. midPoint must be positive and strictly inside the total duration.
func NewAuctionHouse(midPointSeconds, totalSeconds uint64) (*AuctionHouse, error) {
	if midPointSeconds == 0 || totalSeconds <= midPointSeconds || totalSeconds > math.MaxInt64 {
		return nil, errInvalidDurations
	}
	return &AuctionHouse{
		midPointSeconds: midPointSeconds,
		totalSeconds:    totalSeconds,
		emitter:         events.NoopEmitter{},
		nowFn:           func() int64 { return time.Now().Unix() },
	}, nil
}

// SetState configures the auction persistence backend.
func (a *AuctionHouse) SetState(state auctionState) { a.state = state }

// SetEngine wires the lending engine whose loans this house settles.
func (a *AuctionHouse) SetEngine(engine *Engine) { a.engine = engine }

// SetPauses wires the module pause switchboard.
func (a *AuctionHouse) SetPauses(p nativecommon.PauseView) { a.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (a *AuctionHouse) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		a.emitter = events.NoopEmitter{}
		return
	}
	a.emitter = emitter
}

// SetNowFunc overrides the time source, for deterministic tests.
func (a *AuctionHouse) SetNowFunc(now func() int64) {
	if now == nil {
		a.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	a.nowFn = now
}

func (a *AuctionHouse) now() int64 {
	if a == nil || a.nowFn == nil {
		return time.Now().Unix()
	}
	return a.nowFn()
}

func (a *AuctionHouse) emit(evt events.Event) {
	if a == nil || a.emitter == nil || evt == nil {
		return
	}
	a.emitter.Emit(evt)
}

// start freezes the loan's figures into a new auction record. Only the
// lending engine's StartLiquidation path reaches here.
func (a *AuctionHouse) start(loan *Loan, debt *big.Int, now int64) error {
	if a == nil || a.state == nil {
		return errNilAuctionState
	}
	if a.midPointSeconds == 0 || a.totalSeconds <= a.midPointSeconds {
		return errInvalidDurations
	}
	existing, err := a.state.GetAuction(loan.ID)
	if err != nil {
		return err
	}
	if existing != nil && !existing.Settled {
		return errAuctionExists
	}
	auction := &Auction{
		LoanID:           loan.ID,
		TermID:           loan.TermID,
		StartTime:        now,
		CollateralAmount: cloneBigInt(loan.CollateralAmount),
		DebtAmount:       cloneBigInt(debt),
		MidPointSeconds:  a.midPointSeconds,
		TotalSeconds:     a.totalSeconds,
	}
	return a.state.PutAuction(auction)
}

// GetAuction returns the stored auction record for a loan.
func (a *AuctionHouse) GetAuction(loanID [32]byte) (*Auction, error) {
	if a == nil || a.state == nil {
		return nil, errNilAuctionState
	}
	auction, err := a.state.GetAuction(loanID)
	if err != nil {
		return nil, err
	}
	if auction == nil {
		return nil, ErrAuctionNotFound
	}
	auction.EnsureDefaults()
	return auction, nil
}

// GetBidDetail quotes the (collateralOut, debtIn) a bid would clear at right
// now, without side effects.
func (a *AuctionHouse) GetBidDetail(loanID [32]byte) (*big.Int, *big.Int, error) {
	auction, err := a.GetAuction(loanID)
	if err != nil {
		return nil, nil, err
	}
	if auction.Settled {
		return nil, nil, ErrAuctionAlreadySettled
	}
	elapsed := a.now() - auction.StartTime
	if elapsed < 0 {
		return nil, nil, errAuctionClock
	}
	if elapsed > int64(auction.TotalSeconds) {
		return nil, nil, ErrAuctionConcluded
	}
	collateralOut, debtIn := bidSchedule(auction, elapsed)
	return collateralOut, debtIn, nil
}

// bidSchedule evaluates the two-phase decay at a given elapsed time.
//
// Phase 1 (0 ≤ t < midPoint): debt asked stays pinned at 100% of the frozen
// debt while the collateral offered decreases linearly from 100% to 0, so the
// collateral discount is front-loaded without giving up any debt recovery.
// Phase 2 (midPoint ≤ t ≤ total): collateral offered is 0 while the debt
// asked decreases linearly from 100% to 0; past the midpoint the protocol
// accepts recovering less debt rather than discounting collateral further.
func bidSchedule(auction *Auction, elapsed int64) (*big.Int, *big.Int) {
	mid := int64(auction.MidPointSeconds)
	total := int64(auction.TotalSeconds)
	if elapsed < mid {
		remaining := big.NewInt(mid - elapsed)
		collateralOut := new(big.Int).Mul(auction.CollateralAmount, remaining)
		collateralOut.Quo(collateralOut, big.NewInt(mid))
		return collateralOut, cloneBigInt(auction.DebtAmount)
	}
	remaining := big.NewInt(total - elapsed)
	debtIn := new(big.Int).Mul(auction.DebtAmount, remaining)
	debtIn.Quo(debtIn, big.NewInt(total-mid))
	return big.NewInt(0), debtIn
}

// Bid settles a running auction: the bidder pays the scheduled debt and
// receives the scheduled collateral. Any surplus collateral when the full
// debt was recovered goes back to the borrower; any debt shortfall is
// reported to the loss sink and the loan is written off.
func (a *AuctionHouse) Bid(bidder crypto.Address, loanID [32]byte) (*big.Int, *big.Int, error) {
	if a == nil || a.state == nil {
		return nil, nil, errNilAuctionState
	}
	if a.engine == nil {
		return nil, nil, errNilSettler
	}
	if err := nativecommon.Guard(a.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	auction, err := a.GetAuction(loanID)
	if err != nil {
		return nil, nil, err
	}
	if auction.Settled {
		return nil, nil, ErrAuctionAlreadySettled
	}
	now := a.now()
	elapsed := now - auction.StartTime
	if elapsed < 0 {
		return nil, nil, errAuctionClock
	}
	if elapsed > int64(auction.TotalSeconds) {
		return nil, nil, ErrAuctionConcluded
	}
	collateralOut, debtIn := bidSchedule(auction, elapsed)

	if err := a.engine.settleLiquidation(auction, bidder, collateralOut, debtIn, now); err != nil {
		return nil, nil, err
	}

	auction.Settled = true
	if err := a.state.PutAuction(auction); err != nil {
		return nil, nil, err
	}

	a.emit(events.AuctionSettled{
		LoanID:        loanID,
		TermID:        auction.TermID,
		Bidder:        bidder,
		CollateralOut: collateralOut,
		DebtIn:        debtIn,
	})
	return collateralOut, debtIn, nil
}

// Forfeit closes an auction that ran past its total duration with no bid: the
// protocol retains the collateral and the full frozen debt is reported as
// loss. Anyone may trigger it.
func (a *AuctionHouse) Forfeit(loanID [32]byte) error {
	if a == nil || a.state == nil {
		return errNilAuctionState
	}
	if a.engine == nil {
		return errNilSettler
	}
	if err := nativecommon.Guard(a.pauses, moduleName); err != nil {
		return err
	}
	auction, err := a.GetAuction(loanID)
	if err != nil {
		return err
	}
	if auction.Settled {
		return ErrAuctionAlreadySettled
	}
	now := a.now()
	elapsed := now - auction.StartTime
	if elapsed < int64(auction.TotalSeconds) {
		return ErrAuctionRunning
	}

	if err := a.engine.settleLiquidation(auction, crypto.Address{}, big.NewInt(0), big.NewInt(0), now); err != nil {
		return err
	}

	auction.Settled = true
	if err := a.state.PutAuction(auction); err != nil {
		return err
	}

	a.emit(events.AuctionSettled{
		LoanID:    loanID,
		TermID:    auction.TermID,
		Forfeited: true,
	})
	return nil
}

// settleLiquidation applies an auction outcome to the loan, the ledger and
// the market counters. The bidder's payment retires principal first; anything
// above outstanding principal is realized interest for the sink. Unsold
// collateral returns to the borrower only when the full frozen debt was
// recovered; otherwise the protocol retains it against the shortfall.
func (e *Engine) settleLiquidation(auction *Auction, bidder crypto.Address, collateralOut, debtIn *big.Int, now int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	loan, err := e.GetLoan(auction.LoanID)
	if err != nil {
		return err
	}
	if loan.Closed {
		return ErrLoanClosed
	}
	term, err := e.ensureTerm(loan.TermID)
	if err != nil {
		return err
	}
	e.settleIndex(term, now)

	// All touched accounts go through one ledger so that a bidder who is also
	// the borrower, the sink or the module account mutates a single record.
	accts := e.newLedger()
	moduleAcc, err := accts.account(e.moduleAddress)
	if err != nil {
		return err
	}
	if moduleAcc.BalanceCollateral.Cmp(auction.CollateralAmount) < 0 {
		return ErrInsufficientBalance
	}
	sinkAcc, err := accts.account(e.sinkAddress)
	if err != nil {
		return err
	}

	fullRecovery := debtIn.Cmp(auction.DebtAmount) >= 0

	interest := big.NewInt(0)
	if debtIn.Sign() > 0 {
		bidderAcc, err := accts.account(bidder)
		if err != nil {
			return err
		}
		if bidderAcc.BalanceCredit.Cmp(debtIn) < 0 {
			return ErrInsufficientBalance
		}
		// Principal is burned; anything above outstanding principal is
		// realized interest routed to the sink.
		interest = new(big.Int).Sub(debtIn, loan.BorrowAmount)
		if interest.Sign() < 0 {
			interest = big.NewInt(0)
		}
		bidderAcc.BalanceCredit = new(big.Int).Sub(bidderAcc.BalanceCredit, debtIn)
		if interest.Sign() > 0 {
			sinkAcc.BalanceCredit = new(big.Int).Add(sinkAcc.BalanceCredit, interest)
		}
	}

	// Collateral routing: the bid portion to the bidder, the remainder to the
	// borrower on full recovery, to the protocol otherwise.
	remainder := new(big.Int).Sub(auction.CollateralAmount, collateralOut)
	if remainder.Sign() < 0 {
		remainder = big.NewInt(0)
	}
	moduleAcc.BalanceCollateral = new(big.Int).Sub(moduleAcc.BalanceCollateral, auction.CollateralAmount)
	if collateralOut.Sign() > 0 {
		bidderAcc, err := accts.account(bidder)
		if err != nil {
			return err
		}
		bidderAcc.BalanceCollateral = new(big.Int).Add(bidderAcc.BalanceCollateral, collateralOut)
	}
	if remainder.Sign() > 0 {
		if fullRecovery {
			borrowerAcc, err := accts.account(loan.Borrower)
			if err != nil {
				return err
			}
			borrowerAcc.BalanceCollateral = new(big.Int).Add(borrowerAcc.BalanceCollateral, remainder)
		} else {
			sinkAcc.BalanceCollateral = new(big.Int).Add(sinkAcc.BalanceCollateral, remainder)
		}
	}
	if err := accts.persist(); err != nil {
		return err
	}
	if interest.Sign() > 0 {
		if err := e.sink.NotifyPnL(term.ID, interest); err != nil {
			return err
		}
	}

	// The loan's issuance leaves the books either way: recovered principal is
	// repaid, the rest is written off.
	shortfall := new(big.Int).Sub(auction.DebtAmount, debtIn)
	if shortfall.Sign() > 0 {
		loss := new(big.Int).Neg(shortfall)
		if err := e.sink.NotifyPnL(term.ID, loss); err != nil {
			return err
		}
		e.emit(events.LoanWrittenOff{
			LoanID: loan.ID,
			TermID: term.ID,
			Loss:   shortfall,
		})
	}
	term.TotalIssuance = new(big.Int).Sub(term.TotalIssuance, loan.BorrowAmount)
	if term.TotalIssuance.Sign() < 0 {
		term.TotalIssuance = big.NewInt(0)
	}
	if err := term.Buffer.Replenish(loan.BorrowAmount, now); err != nil {
		return err
	}

	loan.Closed = true
	loan.BorrowAmount = big.NewInt(0)
	loan.AccrualBase = big.NewInt(0)
	loan.CollateralAmount = big.NewInt(0)

	if err := e.state.PutLoan(loan); err != nil {
		return err
	}
	return e.state.PutTerm(term)
}
