package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zen-systems/mlroute/pkg/adapter"
	"github.com/zen-systems/mlroute/pkg/archive"
	"github.com/zen-systems/mlroute/pkg/executor"
	"github.com/zen-systems/mlroute/pkg/experiment"
	"github.com/zen-systems/mlroute/pkg/router"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var adapterErr *adapter.AdapterError
	switch {
	case errors.Is(err, router.ErrInvalidRequest),
		errors.Is(err, router.ErrUnknownTier),
		errors.Is(err, experiment.ErrInvalidTestConfig),
		errors.Is(err, experiment.ErrInvalidResult):
		return http.StatusBadRequest
	case errors.Is(err, experiment.ErrTestNotFound),
		errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, experiment.ErrDuplicateTest),
		errors.Is(err, experiment.ErrInvalidStateTransition),
		errors.Is(err, experiment.ErrTestNotRunning):
		return http.StatusConflict
	case errors.Is(err, router.ErrConstraintUnsatisfiable),
		errors.Is(err, router.ErrNoCandidateMeetsConstraints):
		return http.StatusUnprocessableEntity
	case errors.Is(err, router.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, executor.ErrNoAdapter):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &adapterErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("request failed",
			"path", c.FullPath(),
			"request_id", c.GetString(requestIDKey),
			"error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
