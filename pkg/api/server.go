// Package api exposes routing and experiment management over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/zen-systems/mlroute/pkg/archive"
	"github.com/zen-systems/mlroute/pkg/config"
	"github.com/zen-systems/mlroute/pkg/executor"
	"github.com/zen-systems/mlroute/pkg/experiment"
	"github.com/zen-systems/mlroute/pkg/policy"
	"github.com/zen-systems/mlroute/pkg/router"
	"github.com/zen-systems/mlroute/pkg/usage"
)

// Router is the routing engine as the API uses it.
type Router interface {
	Route(ctx context.Context, req *router.Request, auth router.AuthContext) (*router.Decision, error)
	Catalog() *config.RoutingConfig
}

// Executor runs a routing decision.
type Executor interface {
	Execute(ctx context.Context, call executor.Call) (*executor.Outcome, error)
}

// Server holds the handlers' dependencies. Only Router and Experiments are
// required; the rest disable their routes when nil.
type Server struct {
	Router      Router
	Experiments *experiment.Manager
	Executor    Executor
	Tiers       *policy.Registry
	Limiter     *usage.TierLimiter
	Reporter    *usage.Reporter
	Usage       *usage.MemoryTracker
	Archive     *archive.Store
	// Metrics serves /metrics, usually promhttp.HandlerFor.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Handler builds the gin engine.
func (s *Server) Handler() *gin.Engine {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Tiers == nil {
		s.Tiers = policy.NewRegistry()
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID())
	SetupRoutes(r, s)
	return r
}

// SetupRoutes registers every route on r.
func SetupRoutes(r *gin.Engine, s *Server) {
	r.GET("/health", s.health)
	if s.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.Metrics))
	}

	v1 := r.Group("/v1")
	{
		v1.GET("/models", s.listModels)
		v1.POST("/route", s.route)
		if s.Executor != nil {
			v1.POST("/complete", s.complete)
		}
		if s.Usage != nil {
			v1.GET("/usage/:appId", s.appUsage)
		}

		experiments := v1.Group("/experiments")
		{
			experiments.POST("", s.createTest)
			experiments.GET("", s.listTests)
			experiments.GET("/:id", s.getTest)
			experiments.POST("/:id/start", s.startTest)
			experiments.POST("/:id/pause", s.pauseTest)
			experiments.POST("/:id/stop", s.stopTest)
			experiments.POST("/:id/complete", s.completeTest)
			experiments.PUT("/:id/weights", s.updateWeights)
			experiments.POST("/:id/results", s.recordResult)
			experiments.GET("/:id/analysis", s.analyzeTest)
			experiments.POST("/:id/assign", s.assignVariant)
			if s.Archive != nil {
				experiments.GET("/:id/reports", s.listReports)
			}
		}
	}
}

const requestIDKey = "request_id"

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listModels(c *gin.Context) {
	catalog := s.Router.Catalog()
	type model struct {
		Provider  string  `json:"provider"`
		Model     string  `json:"model"`
		Class     string  `json:"class"`
		LatencyMs float64 `json:"latency_ms"`
		Quality   float64 `json:"quality"`
	}
	var out []model
	for _, t := range catalog.Targets() {
		spec, _ := catalog.Lookup(t.Provider, t.Model)
		out = append(out, model{
			Provider:  t.Provider,
			Model:     t.Model,
			Class:     spec.Class,
			LatencyMs: spec.LatencyMs,
			Quality:   spec.Quality,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out, "default": catalog.Default.String()})
}
