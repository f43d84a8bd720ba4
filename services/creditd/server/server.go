// Package server exposes the credit engine over HTTP: public read endpoints,
// transaction endpoints for market participants, and JWT-gated governance
// endpoints.
package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"creditguild/crypto"
	"creditguild/native/credit"
	"creditguild/observability"
)

// Server wires the credit engine and auction house into an HTTP API.
type Server struct {
	engine  *credit.Engine
	house   *credit.AuctionHouse
	logger  *slog.Logger
	metrics *observability.CreditMetrics
	auth    *Authenticator
	limiter *rateLimiter
}

// New constructs a Server. auth may be nil, in which case governance routes
// reject every request.
func New(engine *credit.Engine, house *credit.AuctionHouse, logger *slog.Logger, auth *Authenticator, ratePerMinute, burst int) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  engine,
		house:   house,
		logger:  logger,
		metrics: observability.Credit(),
		auth:    auth,
		limiter: newRateLimiter(ratePerMinute, burst),
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.limiter.middleware)
	r.Use(requestLogger(s.logger, s.metrics))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/terms/{termID}", s.handleGetTerm)
		r.Get("/terms/{termID}/capacity", s.handleGetCapacity)
		r.Get("/loans/{loanID}", s.handleGetLoan)
		r.Get("/loans/{loanID}/callable", s.handleGetCallable)
		r.Get("/auctions/{loanID}", s.handleGetAuction)

		r.Route("/tx", func(r chi.Router) {
			r.Post("/borrow", s.handleBorrow)
			r.Post("/repay", s.handleRepay)
			r.Post("/call", s.handleCall)
			r.Post("/close", s.handleClose)
			r.Post("/liquidate", s.handleLiquidate)
			r.Post("/bid", s.handleBid)
			r.Post("/forfeit", s.handleForfeit)
		})

		r.Route("/gov", func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Post("/terms", s.handleCreateTerm)
			r.Post("/terms/{termID}/rate", s.handleSetRate)
			r.Post("/terms/{termID}/ceiling", s.handleSetCeiling)
			r.Post("/terms/{termID}/hard-cap", s.handleSetHardCap)
			r.Post("/terms/{termID}/buffer-rate", s.handleSetBufferRate)
			r.Post("/terms/{termID}/buffer-cap", s.handleSetBufferCap)
		})
	})
	return r
}

// --- read endpoints ---

type termResponse struct {
	ID                   string `json:"id"`
	CollateralToken      string `json:"collateralToken"`
	Policy               string `json:"policy"`
	InterestRateBps      uint64 `json:"interestRateBps"`
	MaxDebtPerCollateral string `json:"maxDebtPerCollateral"`
	HardCap              string `json:"hardCap"`
	TotalIssuance        string `json:"totalIssuance"`
	AvailableCapacity    string `json:"availableCapacity"`
}

func (s *Server) handleGetTerm(w http.ResponseWriter, r *http.Request) {
	termID := chi.URLParam(r, "termID")
	term, err := s.engine.GetTerm(termID)
	if err != nil {
		writeError(w, err)
		return
	}
	capacity, err := s.engine.AvailableCapacity(termID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, termResponse{
		ID:                   term.ID,
		CollateralToken:      term.Params.CollateralToken,
		Policy:               string(term.Params.Policy),
		InterestRateBps:      term.InterestRateBps,
		MaxDebtPerCollateral: amount(term.MaxDebtPerCollateral),
		HardCap:              amount(term.HardCap),
		TotalIssuance:        amount(term.TotalIssuance),
		AvailableCapacity:    amount(capacity),
	})
}

func (s *Server) handleGetCapacity(w http.ResponseWriter, r *http.Request) {
	capacity, err := s.engine.AvailableCapacity(chi.URLParam(r, "termID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"availableCapacity": amount(capacity)})
}

type loanResponse struct {
	ID               string `json:"id"`
	TermID           string `json:"termId"`
	Borrower         string `json:"borrower"`
	Status           string `json:"status"`
	CollateralAmount string `json:"collateralAmount"`
	Principal        string `json:"principal"`
	Debt             string `json:"debt"`
	OpeningTime      int64  `json:"openingTime"`
	CallTime         int64  `json:"callTime,omitempty"`
	LiquidationTime  int64  `json:"liquidationTime,omitempty"`
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := parseLoanID(chi.URLParam(r, "loanID"))
	if err != nil {
		writeError(w, err)
		return
	}
	loan, err := s.engine.GetLoan(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	debt, err := s.engine.GetLoanDebt(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanResponse{
		ID:               "0x" + hex.EncodeToString(loan.ID[:]),
		TermID:           loan.TermID,
		Borrower:         loan.Borrower.String(),
		Status:           loanStatus(loan),
		CollateralAmount: amount(loan.CollateralAmount),
		Principal:        amount(loan.BorrowAmount),
		Debt:             amount(debt),
		OpeningTime:      loan.OpeningTime,
		CallTime:         loan.CallTime,
		LiquidationTime:  loan.LiquidationTime,
	})
}

func (s *Server) handleGetCallable(w http.ResponseWriter, r *http.Request) {
	loanID, err := parseLoanID(chi.URLParam(r, "loanID"))
	if err != nil {
		writeError(w, err)
		return
	}
	callable, err := s.engine.CanCall(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"callable": callable})
}

type auctionResponse struct {
	LoanID           string `json:"loanId"`
	TermID           string `json:"termId"`
	StartTime        int64  `json:"startTime"`
	CollateralAmount string `json:"collateralAmount"`
	DebtAmount       string `json:"debtAmount"`
	MidPointSeconds  uint64 `json:"midPointSeconds"`
	TotalSeconds     uint64 `json:"totalSeconds"`
	Settled          bool   `json:"settled"`
	QuoteCollateral  string `json:"quoteCollateral,omitempty"`
	QuoteDebt        string `json:"quoteDebt,omitempty"`
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	loanID, err := parseLoanID(chi.URLParam(r, "loanID"))
	if err != nil {
		writeError(w, err)
		return
	}
	auction, err := s.house.GetAuction(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := auctionResponse{
		LoanID:           "0x" + hex.EncodeToString(auction.LoanID[:]),
		TermID:           auction.TermID,
		StartTime:        auction.StartTime,
		CollateralAmount: amount(auction.CollateralAmount),
		DebtAmount:       amount(auction.DebtAmount),
		MidPointSeconds:  auction.MidPointSeconds,
		TotalSeconds:     auction.TotalSeconds,
		Settled:          auction.Settled,
	}
	if !auction.Settled {
		if collateralOut, debtIn, err := s.house.GetBidDetail(loanID); err == nil {
			resp.QuoteCollateral = amount(collateralOut)
			resp.QuoteDebt = amount(debtIn)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- transaction endpoints ---

type borrowRequest struct {
	Term       string `json:"term"`
	Borrower   string `json:"borrower"`
	Collateral string `json:"collateral"`
	Amount     string `json:"amount"`
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	borrower, err := crypto.DecodeAddress(req.Borrower)
	if err != nil {
		writeError(w, credit.ErrInvalidAmount)
		return
	}
	collateral, err := parseAmount(req.Collateral)
	if err != nil {
		writeError(w, err)
		return
	}
	principal, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	loanID, err := s.engine.Borrow(req.Term, borrower, collateral, principal)
	if err != nil {
		if errors.Is(err, credit.ErrInsufficientCapacity) {
			s.metrics.RecordThrottle(req.Term)
		}
		writeError(w, err)
		return
	}
	s.metrics.RecordTransition(req.Term, "opened")
	s.publishIssuance(req.Term)
	writeJSON(w, http.StatusOK, map[string]string{"loanId": "0x" + hex.EncodeToString(loanID[:])})
}

type loanActionRequest struct {
	Loan   string `json:"loan"`
	Caller string `json:"caller,omitempty"`
	Amount string `json:"amount,omitempty"`
}

func (s *Server) loanAction(w http.ResponseWriter, r *http.Request) (loanActionRequest, [32]byte, bool) {
	var req loanActionRequest
	if !decodeBody(w, r, &req) {
		return req, [32]byte{}, false
	}
	loanID, err := parseLoanID(req.Loan)
	if err != nil {
		writeError(w, err)
		return req, [32]byte{}, false
	}
	return req, loanID, true
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	req, loanID, ok := s.loanAction(w, r)
	if !ok {
		return
	}
	payer, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeError(w, credit.ErrInvalidAmount)
		return
	}
	repayAmount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.PartialRepay(payer, loanID, repayAmount); err != nil {
		writeError(w, err)
		return
	}
	s.recordLoanTransition(loanID, "partial_repay")
	debt, err := s.engine.GetLoanDebt(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"remainingDebt": amount(debt)})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	req, loanID, ok := s.loanAction(w, r)
	if !ok {
		return
	}
	caller, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeError(w, credit.ErrInvalidAmount)
		return
	}
	if err := s.engine.Call(caller, loanID); err != nil {
		writeError(w, err)
		return
	}
	s.recordLoanTransition(loanID, "called")
	writeJSON(w, http.StatusOK, map[string]string{"status": "called"})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	req, loanID, ok := s.loanAction(w, r)
	if !ok {
		return
	}
	borrower, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeError(w, credit.ErrInvalidAmount)
		return
	}
	repaid, err := s.engine.ClosePosition(borrower, loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordLoanTransition(loanID, "closed")
	writeJSON(w, http.StatusOK, map[string]string{"repaid": amount(repaid)})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	_, loanID, ok := s.loanAction(w, r)
	if !ok {
		return
	}
	if err := s.engine.StartLiquidation(loanID); err != nil {
		writeError(w, err)
		return
	}
	s.recordLoanTransition(loanID, "liquidating")
	writeJSON(w, http.StatusOK, map[string]string{"status": "liquidating"})
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	req, loanID, ok := s.loanAction(w, r)
	if !ok {
		return
	}
	bidder, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeError(w, credit.ErrInvalidAmount)
		return
	}
	collateralOut, debtIn, err := s.house.Bid(bidder, loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	auction, auctionErr := s.house.GetAuction(loanID)
	if auctionErr == nil {
		shortfall := debtIn.Cmp(auction.DebtAmount) < 0
		s.metrics.RecordSettlement(auction.TermID, "bid", shortfall)
		s.publishIssuance(auction.TermID)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"collateralOut": amount(collateralOut),
		"debtIn":        amount(debtIn),
	})
}

func (s *Server) handleForfeit(w http.ResponseWriter, r *http.Request) {
	_, loanID, ok := s.loanAction(w, r)
	if !ok {
		return
	}
	if err := s.house.Forfeit(loanID); err != nil {
		writeError(w, err)
		return
	}
	if auction, err := s.house.GetAuction(loanID); err == nil {
		s.metrics.RecordSettlement(auction.TermID, "forfeit", true)
		s.publishIssuance(auction.TermID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "forfeited"})
}

// --- governance endpoints ---

type createTermRequest struct {
	ID                          string `json:"id"`
	CollateralToken             string `json:"collateralToken"`
	Policy                      string `json:"policy"`
	InterestRateBps             uint64 `json:"interestRateBps"`
	CallFeeBps                  uint64 `json:"callFeeBps"`
	CallPeriodSeconds           uint64 `json:"callPeriodSeconds"`
	MaxDelayBetweenPartialRepay uint64 `json:"maxDelayBetweenPartialRepay"`
	MinPartialRepayBps          uint64 `json:"minPartialRepayBps"`
	OpeningFeeBps               uint64 `json:"openingFeeBps"`
	MaxDebtPerCollateral        string `json:"maxDebtPerCollateral"`
	HardCap                     string `json:"hardCap"`
	BufferCap                   string `json:"bufferCap"`
	BufferRatePerSecond         string `json:"bufferRatePerSecond"`
	BufferMaxRatePerSecond      string `json:"bufferMaxRatePerSecond"`
}

func (s *Server) handleCreateTerm(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, errInvalidToken)
		return
	}
	var req createTermRequest
	if !decodeBody(w, r, &req) {
		return
	}
	maxDebt, err := parseAmount(req.MaxDebtPerCollateral)
	if err != nil {
		writeError(w, err)
		return
	}
	hardCap, err := parseAmount(req.HardCap)
	if err != nil {
		writeError(w, err)
		return
	}
	bufferCap, err := parseAmount(req.BufferCap)
	if err != nil {
		writeError(w, err)
		return
	}
	bufferRate, err := parseNonNegative(req.BufferRatePerSecond)
	if err != nil {
		writeError(w, err)
		return
	}
	bufferMaxRate, err := parseNonNegative(req.BufferMaxRatePerSecond)
	if err != nil {
		writeError(w, err)
		return
	}
	buffer, err := credit.NewRateLimitedBuffer(bufferCap, bufferRate, bufferMaxRate, s.engine.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	term := &credit.Term{
		ID: strings.TrimSpace(req.ID),
		Params: credit.TermParams{
			CollateralToken:             strings.TrimSpace(req.CollateralToken),
			CallFeeBps:                  req.CallFeeBps,
			CallPeriodSeconds:           req.CallPeriodSeconds,
			MaxDelayBetweenPartialRepay: req.MaxDelayBetweenPartialRepay,
			MinPartialRepayBps:          req.MinPartialRepayBps,
			OpeningFeeBps:               req.OpeningFeeBps,
			Policy:                      credit.TermPolicyKind(req.Policy),
		},
		InterestRateBps:      req.InterestRateBps,
		MaxDebtPerCollateral: maxDebt,
		HardCap:              hardCap,
		Buffer:               buffer,
	}
	if err := s.engine.CreateTerm(caller, term); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": term.ID})
}

type setParamRequest struct {
	Value string `json:"value"`
}

func (s *Server) govParam(w http.ResponseWriter, r *http.Request) (crypto.Address, string, *big.Int, bool) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, errInvalidToken)
		return crypto.Address{}, "", nil, false
	}
	var req setParamRequest
	if !decodeBody(w, r, &req) {
		return crypto.Address{}, "", nil, false
	}
	value, err := parseNonNegative(req.Value)
	if err != nil {
		writeError(w, err)
		return crypto.Address{}, "", nil, false
	}
	return caller, chi.URLParam(r, "termID"), value, true
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	caller, termID, value, ok := s.govParam(w, r)
	if !ok {
		return
	}
	if !value.IsUint64() {
		writeError(w, credit.ErrInvalidAmount)
		return
	}
	if err := s.engine.SetInterestRate(caller, termID, value.Uint64()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"interestRateBps": value.String()})
}

func (s *Server) handleSetCeiling(w http.ResponseWriter, r *http.Request) {
	caller, termID, value, ok := s.govParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.SetMaxDebtPerCollateral(caller, termID, value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"maxDebtPerCollateral": value.String()})
}

func (s *Server) handleSetHardCap(w http.ResponseWriter, r *http.Request) {
	caller, termID, value, ok := s.govParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.SetHardCap(caller, termID, value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hardCap": value.String()})
}

func (s *Server) handleSetBufferRate(w http.ResponseWriter, r *http.Request) {
	caller, termID, value, ok := s.govParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.SetBufferRate(caller, termID, value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"rateLimitPerSecond": value.String()})
}

func (s *Server) handleSetBufferCap(w http.ResponseWriter, r *http.Request) {
	caller, termID, value, ok := s.govParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.SetBufferCap(caller, termID, value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"bufferCap": value.String()})
}

// --- helpers ---

func (s *Server) recordLoanTransition(loanID [32]byte, transition string) {
	loan, err := s.engine.GetLoan(loanID)
	if err != nil {
		return
	}
	s.metrics.RecordTransition(loan.TermID, transition)
	s.publishIssuance(loan.TermID)
}

func (s *Server) publishIssuance(termID string) {
	term, err := s.engine.GetTerm(termID)
	if err != nil || term == nil {
		return
	}
	s.metrics.SetIssuance(termID, term.TotalIssuance)
}

func loanStatus(loan *credit.Loan) string {
	switch {
	case loan.Closed:
		return "closed"
	case loan.LiquidationTime != 0:
		return "liquidating"
	case loan.CallTime != 0:
		return "called"
	default:
		return "active"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func parseLoanID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != len(id) {
		return id, credit.ErrLoanNotFound
	}
	copy(id[:], decoded)
	return id, nil
}

func parseAmount(raw string) (*big.Int, error) {
	value, err := parseNonNegative(raw)
	if err != nil {
		return nil, err
	}
	if value.Sign() <= 0 {
		return nil, credit.ErrInvalidAmount
	}
	return value, nil
}

func parseNonNegative(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return nil, credit.ErrInvalidAmount
	}
	return value, nil
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
