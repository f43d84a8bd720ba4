package server

import (
	"errors"
	"net/http"

	nativecommon "creditguild/native/common"
	"creditguild/native/credit"
)

var (
	errMissingBearer = errors.New("authorization bearer token required")
	errInvalidToken  = errors.New("invalid or expired token")
)

// httpStatus maps engine and auction sentinel errors onto HTTP status codes.
// Unrecognised errors surface as 500 so operational failures are never
// mistaken for caller mistakes.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errMissingBearer), errors.Is(err, errInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, credit.ErrLoanNotFound),
		errors.Is(err, credit.ErrTermNotFound),
		errors.Is(err, credit.ErrAuctionNotFound):
		return http.StatusNotFound
	case errors.Is(err, credit.ErrLoanClosed),
		errors.Is(err, credit.ErrLoanCalled),
		errors.Is(err, credit.ErrLoanNotCalled),
		errors.Is(err, credit.ErrLoanLiquidating),
		errors.Is(err, credit.ErrCannotCall),
		errors.Is(err, credit.ErrCallPeriodNotElapsed),
		errors.Is(err, credit.ErrRateFixed),
		errors.Is(err, credit.ErrTermExists),
		errors.Is(err, credit.ErrAuctionRunning),
		errors.Is(err, credit.ErrAuctionConcluded),
		errors.Is(err, credit.ErrAuctionAlreadySettled):
		return http.StatusConflict
	case errors.Is(err, credit.ErrInvalidAmount),
		errors.Is(err, credit.ErrInvalidTerm):
		return http.StatusBadRequest
	case errors.Is(err, credit.ErrDebtCeilingExceeded),
		errors.Is(err, credit.ErrCollateralizationTooLow),
		errors.Is(err, credit.ErrInsufficientCapacity),
		errors.Is(err, credit.ErrInsufficientBalance),
		errors.Is(err, credit.ErrRepayTooSmall),
		errors.Is(err, credit.ErrRepayTooLarge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, credit.ErrNotBorrower),
		errors.Is(err, nativecommon.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
