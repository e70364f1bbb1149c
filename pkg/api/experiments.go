package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zen-systems/mlroute/pkg/experiment"
	"github.com/zen-systems/mlroute/pkg/metric"
	"github.com/zen-systems/mlroute/pkg/router"
)

// createTest accepts a JSON or YAML definition.
func (s *Server) createTest(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %v", experiment.ErrInvalidTestConfig, err))
		return
	}
	cfg, err := experiment.ParseDefinition(body)
	if err != nil {
		s.fail(c, err)
		return
	}
	created, err := s.Experiments.CreateTest(c.Request.Context(), cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) listTests(c *gin.Context) {
	var (
		tests []experiment.Config
		err   error
	)
	if c.Query("status") == string(experiment.StatusRunning) {
		tests, err = s.Experiments.GetRunningTests(c.Request.Context())
	} else {
		tests, err = s.Experiments.GetAllTests(c.Request.Context())
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if status := c.Query("status"); status != "" && status != string(experiment.StatusRunning) {
		filtered := tests[:0]
		for _, t := range tests {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tests = filtered
	}
	c.JSON(http.StatusOK, gin.H{"tests": tests})
}

func (s *Server) getTest(c *gin.Context) {
	cfg, err := s.Experiments.GetTest(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) startTest(c *gin.Context) {
	s.respondConfig(c)(s.Experiments.StartTest(c.Request.Context(), c.Param("id")))
}

func (s *Server) pauseTest(c *gin.Context) {
	s.respondConfig(c)(s.Experiments.PauseTest(c.Request.Context(), c.Param("id")))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) stopTest(c *gin.Context) {
	var body reasonRequest
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "stopped manually"
	}
	s.respondConfig(c)(s.Experiments.StopTest(c.Request.Context(), c.Param("id"), body.Reason))
}

func (s *Server) completeTest(c *gin.Context) {
	var body reasonRequest
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "completed manually"
	}
	s.respondConfig(c)(s.Experiments.CompleteTest(c.Request.Context(), c.Param("id"), body.Reason))
}

func (s *Server) respondConfig(c *gin.Context) func(experiment.Config, error) {
	return func(cfg experiment.Config, err error) {
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

type weightsRequest struct {
	WeightA *float64 `json:"weight_a" binding:"required"`
	WeightB *float64 `json:"weight_b" binding:"required"`
}

func (s *Server) updateWeights(c *gin.Context) {
	var body weightsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", experiment.ErrInvalidTestConfig, err))
		return
	}
	s.respondConfig(c)(s.Experiments.UpdateWeights(c.Request.Context(), c.Param("id"), *body.WeightA, *body.WeightB))
}

type resultRequest struct {
	Variant    string             `json:"variant" binding:"required"`
	UserID     string             `json:"user_id"`
	RequestID  string             `json:"request_id"`
	Request    router.Spec        `json:"request"`
	Prediction router.Decision    `json:"prediction"`
	Response   string             `json:"response,omitempty"`
	Actual     metric.Observation `json:"actual"`
}

func (s *Server) recordResult(c *gin.Context) {
	var body resultRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", experiment.ErrInvalidResult, err))
		return
	}
	v, err := experiment.ParseVariant(body.Variant)
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %v", experiment.ErrInvalidResult, err))
		return
	}
	if body.RequestID == "" {
		body.RequestID = c.GetString(requestIDKey)
	}
	r, err := s.Experiments.RecordResult(c.Request.Context(), experiment.Result{
		TestID:     c.Param("id"),
		Variant:    v,
		UserID:     body.UserID,
		RequestID:  body.RequestID,
		Request:    body.Request,
		Prediction: body.Prediction,
		Response:   body.Response,
		Actual:     body.Actual,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) analyzeTest(c *gin.Context) {
	a, err := s.Experiments.AnalyzeTest(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type assignRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Segment     string `json:"segment"`
	RequestType string `json:"request_type"`
}

func (s *Server) assignVariant(c *gin.Context) {
	var body assignRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", router.ErrInvalidRequest, err))
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	v, err := s.Experiments.AssignVariant(ctx, id, router.Subject{
		UserID:      body.UserID,
		Segment:     body.Segment,
		RequestType: body.RequestType,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := gin.H{"test_id": id, "user_id": body.UserID, "variant": v}
	if v != experiment.VariantNone {
		vc, err := s.Experiments.GetVariantConfig(ctx, id, v)
		if err != nil {
			s.fail(c, err)
			return
		}
		resp["provider"] = vc.Provider
		resp["model"] = vc.Model
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listReports(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.Experiments.GetTest(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	reports, err := s.Archive.Reports(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}
