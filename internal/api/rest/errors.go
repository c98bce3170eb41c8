package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// machineError maps controller errors to a status and error code.
func machineError(c *gin.Context, message string, err error) {
	status, code := http.StatusInternalServerError, "MACHINE_500"
	switch {
	case errors.Is(err, machine.ErrUnknownFlavour):
		status, code = http.StatusNotFound, "MACHINE_404"
	case errors.Is(err, machine.ErrInvalidSide), errors.Is(err, machine.ErrInvalidSpeed):
		status, code = http.StatusBadRequest, "MACHINE_400"
	case errors.Is(err, machine.ErrNotPermitted),
		errors.Is(err, machine.ErrCleaningActive),
		errors.Is(err, machine.ErrNotOwner):
		status, code = http.StatusConflict, "MACHINE_409"
	case errors.Is(err, machine.ErrActuatorStopped):
		status, code = http.StatusServiceUnavailable, "MACHINE_503"
	}
	c.JSON(status, NewErrorResponse(code, message, err.Error()))
}
