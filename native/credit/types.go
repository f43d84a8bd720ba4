package credit

import (
	"math/big"

	"creditguild/crypto"
)

// TermPolicyKind tags the rate variant a lending term was deployed with.
type TermPolicyKind string

const (
	// PolicyFixedRate locks the interest rate for the life of the term.
	PolicyFixedRate TermPolicyKind = "fixed"
	// PolicyAdjustableRate allows governance to move the rate prospectively.
	PolicyAdjustableRate TermPolicyKind = "adjustable"
)

// TermParams groups the parameters fixed at term deployment. All fee and
// percentage values are expressed in basis points for deterministic
// accounting.
type TermParams struct {
	// CollateralToken names the collateral asset this term accepts.
	CollateralToken string
	// CallFeeBps is the fraction of current debt a caller pays to the
	// borrower as compensation for starting the call clock.
	CallFeeBps uint64
	// CallPeriodSeconds is how long a borrower has to repay after a call
	// before liquidation may start.
	CallPeriodSeconds uint64
	// MaxDelayBetweenPartialRepay makes a loan callable when the borrower
	// has not paid down principal within this window. Zero disables the
	// periodic-repayment requirement.
	MaxDelayBetweenPartialRepay uint64
	// MinPartialRepayBps is the smallest partial repayment accepted,
	// relative to current debt.
	MinPartialRepayBps uint64
	// OpeningFeeBps is deducted from the minted principal and forwarded to
	// the profit/loss sink.
	OpeningFeeBps uint64
	// Policy selects the fixed-rate or adjustable-rate term variant.
	Policy TermPolicyKind
}

// Term captures the mutable market state for one collateral market. Amount
// values are denominated in wei and expressed as big integers to match
// ledger precision.
type Term struct {
	ID     string     `json:"id"`
	Params TermParams `json:"params"`

	// InterestRateBps is the annualised interest rate. Governance may move
	// it on adjustable terms; changes apply prospectively only.
	InterestRateBps uint64 `json:"interestRateBps"`
	// MaxDebtPerCollateral is the debt ceiling in credit wei per whole
	// collateral token. Governance-adjustable; loans are checked against it
	// only at origination and when a call is attempted.
	MaxDebtPerCollateral *big.Int `json:"maxDebtPerCollateral"`
	// HardCap bounds total outstanding principal across the term's loans.
	HardCap *big.Int `json:"hardCap"`

	// TotalIssuance is the sum of outstanding principal across open loans.
	TotalIssuance *big.Int `json:"totalIssuance"`
	// InterestIndex is the ray-scaled cumulative interest index. It is the
	// stepwise composition of every rate segment since deployment.
	InterestIndex *big.Int `json:"interestIndex"`
	// LastAccrualTime records when the index was last settled.
	LastAccrualTime int64 `json:"lastAccrualTime"`
	// NextLoanNonce feeds the loan fingerprint derivation.
	NextLoanNonce uint64 `json:"nextLoanNonce"`

	// Buffer throttles how fast this term can mint new credit.
	Buffer *RateLimitedBuffer `json:"buffer"`
}

// Loan is the per-origination record. The zero CallTime and LiquidationTime
// values are sentinels for "not called" and "not liquidating".
type Loan struct {
	ID       [32]byte       `json:"id"`
	TermID   string         `json:"termId"`
	Borrower crypto.Address `json:"-"`
	// BorrowerRaw carries the borrower address bytes through JSON codecs.
	BorrowerRaw []byte `json:"borrower"`

	CollateralAmount *big.Int `json:"collateralAmount"`
	// BorrowAmount is the outstanding principal used for issuance and
	// buffer accounting. Interest never inflates it.
	BorrowAmount *big.Int `json:"borrowAmount"`
	// AccrualBase and IndexSnapshot together determine current debt:
	// debt = AccrualBase × InterestIndex / IndexSnapshot. Both are rebased
	// at every partial repayment so rate changes never apply retroactively.
	AccrualBase   *big.Int `json:"accrualBase"`
	IndexSnapshot *big.Int `json:"indexSnapshot"`

	OpeningTime          int64 `json:"openingTime"`
	LastPartialRepayTime int64 `json:"lastPartialRepayTime"`
	CallTime             int64 `json:"callTime"`
	LiquidationTime      int64 `json:"liquidationTime"`
	Closed               bool  `json:"closed"`
}

// Active reports whether the loan is open and neither called nor liquidating.
func (l *Loan) Active() bool {
	return l != nil && !l.Closed && l.CallTime == 0 && l.LiquidationTime == 0
}

// EnsureDefaults populates nil big.Int fields so JSON handling stays safe.
func (l *Loan) EnsureDefaults() {
	if l == nil {
		return
	}
	if l.CollateralAmount == nil {
		l.CollateralAmount = big.NewInt(0)
	}
	if l.BorrowAmount == nil {
		l.BorrowAmount = big.NewInt(0)
	}
	if l.AccrualBase == nil {
		l.AccrualBase = big.NewInt(0)
	}
	if l.IndexSnapshot == nil || l.IndexSnapshot.Sign() == 0 {
		l.IndexSnapshot = new(big.Int).Set(ray)
	}
	if len(l.BorrowerRaw) == 20 && l.Borrower.IsZero() {
		l.Borrower = crypto.NewAddress(crypto.GuildPrefix, append([]byte(nil), l.BorrowerRaw...))
	}
}

// Auction is the frozen liquidation record for one called-and-unresolved loan.
// Durations are copied from the auction house at start so later parameter
// changes cannot move a running auction's schedule.
type Auction struct {
	LoanID           [32]byte `json:"loanId"`
	TermID           string   `json:"termId"`
	StartTime        int64    `json:"startTime"`
	CollateralAmount *big.Int `json:"collateralAmount"`
	DebtAmount       *big.Int `json:"debtAmount"`
	MidPointSeconds  uint64   `json:"midPointSeconds"`
	TotalSeconds     uint64   `json:"totalSeconds"`
	Settled          bool     `json:"settled"`
}

// EnsureDefaults populates nil big.Int fields so JSON handling stays safe.
func (a *Auction) EnsureDefaults() {
	if a == nil {
		return
	}
	if a.CollateralAmount == nil {
		a.CollateralAmount = big.NewInt(0)
	}
	if a.DebtAmount == nil {
		a.DebtAmount = big.NewInt(0)
	}
}
