package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/hylo/pkg/errors"
)

// envelope matches the wire format of the registry and ledger services so
// the dashboard reads every backend the same way
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func success(ctx *gin.Context, status int, data any) {
	ctx.JSON(status, envelope{Success: true, Data: data})
}

func failure(ctx *gin.Context, status int, msg string) {
	ctx.AbortWithStatusJSON(status, envelope{Success: false, Error: msg})
}

// fail maps a service error onto an HTTP status
func fail(ctx *gin.Context, err error) {
	failure(ctx, statusFor(err), err.Error())
}

func statusFor(err error) int {
	if _, open := errors.GetContext(err)["breaker"]; open {
		return http.StatusServiceUnavailable
	}

	switch {
	case errors.IsType(err, errors.ErrorTypeValidation):
		return http.StatusBadRequest
	case errors.IsType(err, errors.ErrorTypeRejected):
		return http.StatusUnprocessableEntity
	case errors.IsType(err, errors.ErrorTypeTransport),
		errors.IsType(err, errors.ErrorTypeTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
