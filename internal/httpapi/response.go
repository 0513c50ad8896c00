package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/logger"
)

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// handleError maps err onto a status code and writes the error body.
// It returns false when err is nil.
func handleError(c *gin.Context, log *logger.Logger, err error) bool {
	if err == nil {
		return false
	}

	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.WithRequest(c.Request).WithField("error", err.Error()).WithField("status", status).Error("request failed")
	}
	c.AbortWithStatusJSON(status, body)
	return true
}

func errorResponse(err error) (int, ErrorResponse) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
	}
	if e.Kind == apperr.KindInternal {
		// driver messages stay in the logs
		return e.HTTPStatus(), ErrorResponse{Error: "internal error"}
	}
	return e.HTTPStatus(), ErrorResponse{Error: e.Message, Details: e.Detail}
}

// bindJSON decodes the body into dst and validates it.
func bindJSON(c *gin.Context, v *validator.Validate, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, "invalid request body", err).WithDetail(err.Error())
	}
	if err := v.Struct(dst); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, "validation error", err).WithDetail(err.Error())
	}
	return nil
}
