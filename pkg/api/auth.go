package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zen-systems/mlroute/pkg/policy"
	"github.com/zen-systems/mlroute/pkg/router"
)

// Caller identity headers. Authentication itself happens upstream; these
// carry its result.
const (
	HeaderAppID     = "X-App-ID"
	HeaderUserID    = "X-User-ID"
	HeaderSegment   = "X-User-Segment"
	HeaderTier      = "X-Tier"
	HeaderMLRouting = "X-ML-Routing"
	HeaderRequestID = "X-Request-ID"

	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
)

// authContext builds the caller context from headers and charges one
// request against the tier's rate limit.
func (s *Server) authContext(c *gin.Context) (router.AuthContext, error) {
	auth := router.AuthContext{
		AppID:   c.GetHeader(HeaderAppID),
		UserID:  c.GetHeader(HeaderUserID),
		Segment: c.GetHeader(HeaderSegment),
		Tier:    c.GetHeader(HeaderTier),
	}
	if auth.Tier == "" {
		auth.Tier = policy.TierFree
	}
	if raw := c.GetHeader(HeaderMLRouting); raw != "" {
		on, err := strconv.ParseBool(raw)
		if err != nil {
			return auth, fmt.Errorf("%w: %s must be a boolean", router.ErrInvalidRequest, HeaderMLRouting)
		}
		auth.Features.MLRouting = &on
	}

	tier, err := s.Tiers.Get(auth.Tier)
	if err != nil {
		return auth, fmt.Errorf("%w: %s", router.ErrUnknownTier, auth.Tier)
	}
	if s.Limiter != nil {
		appID := auth.AppID
		if appID == "" {
			appID = c.ClientIP()
		}
		limit, _ := s.Limiter.Admit(appID, tier)
		auth.RateLimit = limit
		c.Header(headerRateRemaining, strconv.Itoa(limit.Remaining))
		if !limit.Reset.IsZero() {
			c.Header(headerRateReset, limit.Reset.UTC().Format(time.RFC3339))
		}
	}
	return auth, nil
}
