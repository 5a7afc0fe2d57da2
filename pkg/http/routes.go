package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), s.accessLog())

	router.POST("/errors", s.handleSubmit)
	router.GET("/recap", s.handleRecap)
	router.GET("/health", s.handleHealth)
	router.GET("/info", s.handleInfo)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if s.deps.Hub != nil {
		router.GET("/ws", gin.WrapH(s.deps.Hub))
	}
	if s.deps.Bus != nil {
		router.GET(s.deps.BusPath, gin.WrapH(s.deps.Bus))
	}

	if s.config.AdminEnabled && s.deps.Domain != nil {
		router.GET("/clusters", s.handleListClusters)
		router.POST("/clusters", s.handleAddCluster)
		router.DELETE("/clusters/:cluster", s.handleRemoveCluster)
		router.PUT("/clusters/:cluster/applications/:app", s.handleAddClusterApplication)
		router.DELETE("/clusters/:cluster/applications/:app", s.handleRemoveClusterApplication)
		router.PUT("/clusters/:cluster/users/:user", s.handleAddClusterUser)
		router.DELETE("/clusters/:cluster/users/:user", s.handleRemoveClusterUser)
		router.POST("/users/:user/tokens", s.handleAddUserToken)
		router.GET("/users/:user/applications", s.handleUserApplications)
	}

	return router
}

// requestID reuses the caller's request id or assigns a new one
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			slog.String("request_id", c.GetString("request_id")),
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		}
		switch {
		case len(c.Errors) > 0:
			s.log.Error("request failed", append(attrs, slog.String("error", c.Errors.String()))...)
		case c.Writer.Status() >= http.StatusBadRequest:
			s.log.Info("request rejected", attrs...)
		default:
			s.log.Debug("request", attrs...)
		}
	}
}
