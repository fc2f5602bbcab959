package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/clinic-scheduler/internal/clinic"
	"github.com/example/clinic-scheduler/internal/credentials"
	"github.com/example/clinic-scheduler/internal/session"
)

const (
	CodeAuthRequired    = "AUTH_REQUIRED"
	CodeSessionNotReady = "SESSION_NOT_READY"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInvalidRequest  = clinic.CodeInvalidRequest
	CodeProcessingError = clinic.CodeProcessingError
)

type errorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, credentials.ErrMissing):
		return http.StatusUnauthorized, CodeAuthRequired
	case errors.Is(err, clinic.ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, clinic.ErrMenuNotFound):
		return http.StatusBadRequest, clinic.CodeMenuNotFound
	case errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrStartFailed):
		return http.StatusServiceUnavailable, CodeSessionNotReady
	}
	return http.StatusInternalServerError, CodeProcessingError
}

func (s *Server) abort(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		loggerFrom(c).Error("request failed", zap.String("code", code), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errorBody{Error: err.Error(), ErrorCode: code})
}
