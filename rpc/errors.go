package rpc

import (
	"context"
	"errors"
	"net/http"

	nativecommon "liquidationqueue/native/common"
	"liquidationqueue/native/liquidation"
)

const (
	codeParseError      = -32700
	codeInvalidRequest  = -32600
	codeMethodNotFound  = -32601
	codeInvalidParams   = -32602
	codeUnauthorized    = -32001
	codeForbidden       = -32003
	codeNotFound        = -32004
	codeConflict        = -32009
	codeServerError     = -32000
	codeRateLimited     = -32020
	codeModulePaused    = -32030
	codeInsufficientBid = -32040
	codeUnavailable     = -32050
)

// moduleError maps engine errors to an HTTP status and JSON-RPC error.
func moduleError(err error) (int, *RPCError) {
	status, code := http.StatusInternalServerError, codeServerError
	switch {
	case errors.Is(err, liquidation.ErrUnauthorized):
		status, code = http.StatusForbidden, codeForbidden
	case errors.Is(err, nativecommon.ErrModulePaused):
		status, code = http.StatusServiceUnavailable, codeModulePaused
	case errors.Is(err, liquidation.ErrNotInitialised):
		status, code = http.StatusServiceUnavailable, codeUnavailable
	case errors.Is(err, liquidation.ErrInsufficientBids):
		status, code = http.StatusConflict, codeInsufficientBid
	case errors.Is(err, liquidation.ErrBidNotFound):
		status, code = http.StatusNotFound, codeNotFound
	case errors.Is(err, liquidation.ErrDuplicateQueue),
		errors.Is(err, liquidation.ErrBidWaiting),
		errors.Is(err, liquidation.ErrBidAlreadyActive):
		status, code = http.StatusConflict, codeConflict
	case errors.Is(err, liquidation.ErrInvalidAsset),
		errors.Is(err, liquidation.ErrInvalidPremium),
		errors.Is(err, liquidation.ErrInvalidFunds),
		errors.Is(err, liquidation.ErrInvalidAmount),
		errors.Is(err, liquidation.ErrInvalidPrice),
		errors.Is(err, liquidation.ErrInvalidParams),
		errors.Is(err, liquidation.ErrDuplicateBidID),
		errors.Is(err, liquidation.ErrRetractExceedsBid):
		status, code = http.StatusBadRequest, codeInvalidParams
	case errors.Is(err, liquidation.ErrArithmeticOverflow),
		errors.Is(err, liquidation.ErrDivideByZero):
		status, code = http.StatusUnprocessableEntity, codeInvalidParams
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, codeUnavailable
	}
	return status, &RPCError{Code: code, Message: err.Error()}
}
