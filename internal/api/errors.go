package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devlongs/amm-router/pkg/types"
)

// statusClientClosedRequest reports a request whose caller went away
// before it finished.
const statusClientClosedRequest = 499

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Kind    string `json:"kind"`
	Details string `json:"details,omitempty"`
}

var statusBySentinel = map[error]int{
	types.ErrPoolNotFound:          http.StatusNotFound,
	types.ErrInsufficientLiquidity: http.StatusUnprocessableEntity,
	types.ErrSlippageExceeded:      http.StatusConflict,
	types.ErrWalletNotFound:        http.StatusNotFound,
	types.ErrSigning:               http.StatusInternalServerError,
	types.ErrSimulationReverted:    http.StatusUnprocessableEntity,
	types.ErrBroadcast:             http.StatusBadGateway,
}

var statusByKind = map[types.ErrorKind]int{
	types.KindValidation:     http.StatusBadRequest,
	types.KindMarket:         http.StatusUnprocessableEntity,
	types.KindWallet:         http.StatusNotFound,
	types.KindExecution:      http.StatusUnprocessableEntity,
	types.KindInfrastructure: http.StatusServiceUnavailable,
	types.KindInternal:       http.StatusInternalServerError,
}

// statusFor maps an error to its HTTP status and response body
func statusFor(err error) (int, ErrorResponse) {
	sentinel, kind := types.Classify(err)
	body := ErrorResponse{Error: err.Error(), Kind: string(kind)}

	if sentinel == nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return http.StatusGatewayTimeout, ErrorResponse{Error: "request timed out", Kind: string(types.KindInfrastructure)}
		case errors.Is(err, context.Canceled):
			return statusClientClosedRequest, ErrorResponse{Error: "request cancelled", Kind: string(types.KindInfrastructure)}
		}
		// internal details stay in the log
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Kind: string(kind)}
	}

	body.Code = fmt.Sprintf("%s:%d", sentinel.Codespace(), sentinel.ABCICode())
	if status, ok := statusBySentinel[sentinel]; ok {
		return status, body
	}
	return statusByKind[kind], body
}

func (s *Server) fail(c *gin.Context, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.LogError(err, c.FullPath())
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid request",
		Kind:    string(types.KindValidation),
		Details: err.Error(),
	})
}
