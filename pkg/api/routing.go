package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zen-systems/mlroute/pkg/adapter"
	"github.com/zen-systems/mlroute/pkg/executor"
	"github.com/zen-systems/mlroute/pkg/router"
	"github.com/zen-systems/mlroute/pkg/usage"
)

// decide parses the body and routes it. It writes the error response
// itself and returns ok=false on failure.
func (s *Server) decide(c *gin.Context) (*router.Request, *router.Decision, router.AuthContext, bool) {
	var spec router.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", router.ErrInvalidRequest, err))
		return nil, nil, router.AuthContext{}, false
	}
	req, err := spec.Build()
	if err != nil {
		s.fail(c, err)
		return nil, nil, router.AuthContext{}, false
	}
	auth, err := s.authContext(c)
	if err != nil {
		s.fail(c, err)
		return nil, nil, auth, false
	}

	decision, err := s.Router.Route(c.Request.Context(), req, auth)
	m := usage.Metrics{Successful: err == nil, UserAgent: c.Request.UserAgent(), IPAddress: c.ClientIP()}
	if err != nil {
		m.ErrorCode = routeErrorCode(err)
		m.ErrorMessage = err.Error()
	} else {
		m.Provider = decision.Provider
		m.Model = decision.Model
		m.Cost = decision.EstimatedCost
	}
	if auth.AppID != "" {
		s.Reporter.Report(c.Request.Context(), auth.AppID, usage.OperationRoute, m)
	}
	if err != nil {
		s.fail(c, err)
		return nil, nil, auth, false
	}
	return req, decision, auth, true
}

func (s *Server) route(c *gin.Context) {
	_, decision, _, ok := s.decide(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, decision)
}

type completeResponse struct {
	Decision   router.Decision `json:"decision"`
	Content    string          `json:"content"`
	Usage      adapter.Usage   `json:"usage"`
	ActualCost float64         `json:"actual_cost"`
	LatencyMs  float64         `json:"latency_ms"`
	Attempts   int             `json:"attempts"`
	Accuracy   float64         `json:"prediction_accuracy"`
	ResultID   string          `json:"result_id,omitempty"`
}

func (s *Server) complete(c *gin.Context) {
	req, decision, auth, ok := s.decide(c)
	if !ok {
		return
	}
	out, err := s.Executor.Execute(c.Request.Context(), executor.Call{
		Request:   req,
		Decision:  decision,
		Auth:      auth,
		RequestID: c.GetString(requestIDKey),
		UserAgent: c.Request.UserAgent(),
		IPAddress: c.ClientIP(),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, completeResponse{
		Decision:   out.Decision,
		Content:    out.Response.Content,
		Usage:      out.Usage,
		ActualCost: out.ActualCost,
		LatencyMs:  out.Observation.ResponseTimeMs,
		Attempts:   out.Attempts,
		Accuracy:   out.Deltas.Score,
		ResultID:   out.ResultID,
	})
}

func (s *Server) appUsage(c *gin.Context) {
	totals, ok := s.Usage.AppTotals(c.Param("appId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no usage recorded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"totals":                totals,
		"mean_response_time_ms": totals.MeanResponseTimeMs(),
	})
}

func routeErrorCode(err error) string {
	switch statusFor(err) {
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusUnprocessableEntity:
		return "constraints_unsatisfiable"
	case http.StatusBadRequest:
		return "invalid_request"
	default:
		return "error"
	}
}
