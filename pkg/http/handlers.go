package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/model"
)

type clusterRequest struct {
	Name string `json:"name" binding:"required,max=256,excludesall=/"`
}

type tokenRequest struct {
	Token string `json:"token" binding:"required,min=8,max=512"`
}

// handleAddCluster handles POST /clusters
func (s *Server) handleAddCluster(c *gin.Context) {
	var req clusterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, invalidChange(err))
		return
	}
	if err := s.deps.Domain.AddCluster(c.Request.Context(), req.Name); err != nil {
		respondError(c, err)
		return
	}
	cluster, _ := s.deps.Domain.GetCluster(req.Name)
	c.JSON(http.StatusCreated, cluster)
}

// handleRemoveCluster handles DELETE /clusters/:cluster
func (s *Server) handleRemoveCluster(c *gin.Context) {
	if err := s.deps.Domain.RemoveCluster(c.Request.Context(), c.Param("cluster")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAddClusterApplication handles PUT /clusters/:cluster/applications/:app
func (s *Server) handleAddClusterApplication(c *gin.Context) {
	cluster := c.Param("cluster")
	if err := s.deps.Domain.AddClusterApplication(c.Request.Context(), cluster, c.Param("app")); err != nil {
		respondError(c, err)
		return
	}
	s.respondCluster(c, cluster)
}

// handleRemoveClusterApplication handles DELETE /clusters/:cluster/applications/:app
func (s *Server) handleRemoveClusterApplication(c *gin.Context) {
	cluster := c.Param("cluster")
	if err := s.deps.Domain.RemoveClusterApplication(c.Request.Context(), cluster, c.Param("app")); err != nil {
		respondError(c, err)
		return
	}
	s.respondCluster(c, cluster)
}

// handleAddClusterUser handles PUT /clusters/:cluster/users/:user
func (s *Server) handleAddClusterUser(c *gin.Context) {
	cluster := c.Param("cluster")
	if err := s.deps.Domain.AddClusterUser(c.Request.Context(), cluster, c.Param("user")); err != nil {
		respondError(c, err)
		return
	}
	s.respondCluster(c, cluster)
}

// handleRemoveClusterUser handles DELETE /clusters/:cluster/users/:user
func (s *Server) handleRemoveClusterUser(c *gin.Context) {
	cluster := c.Param("cluster")
	if err := s.deps.Domain.RemoveClusterUser(c.Request.Context(), cluster, c.Param("user")); err != nil {
		respondError(c, err)
		return
	}
	s.respondCluster(c, cluster)
}

// handleAddUserToken handles POST /users/:user/tokens. The token itself is
// never echoed back or stored.
func (s *Server) handleAddUserToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, invalidChange(err))
		return
	}
	user := c.Param("user")
	if err := s.deps.Domain.AddUserToken(c.Request.Context(), user, req.Token); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

// handleListClusters handles GET /clusters
func (s *Server) handleListClusters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clusters": s.deps.Domain.GetClusters()})
}

// handleUserApplications handles GET /users/:user/applications
func (s *Server) handleUserApplications(c *gin.Context) {
	user := c.Param("user")
	if !s.deps.Domain.HasUser(user) {
		respondError(c, herrors.ErrUnknownUser("GetUserApplications", user))
		return
	}
	apps := s.deps.Domain.GetUserApplications(c.Request.Context(), user)
	if apps == nil {
		apps = []model.Application{}
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "applications": apps})
}

func (s *Server) respondCluster(c *gin.Context, name string) {
	cluster, ok := s.deps.Domain.GetCluster(name)
	if !ok {
		respondError(c, herrors.ErrUnknownCluster("GetCluster", name))
		return
	}
	c.JSON(http.StatusOK, cluster)
}

// handleRecap handles GET /recap?apps=a,b
func (s *Server) handleRecap(c *gin.Context) {
	var apps []string
	for _, part := range strings.Split(c.Query("apps"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			apps = append(apps, part)
		}
	}

	recap, err := s.deps.Backlog.GetApplicationsRecap(c.Request.Context(), apps, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, recap)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
		return
	}
	report := s.deps.Health.Snapshot()
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// handleInfo handles GET /info
func (s *Server) handleInfo(c *gin.Context) {
	info := gin.H{
		"tls":   s.config.TLS,
		"admin": s.config.AdminEnabled,
		"bus":   s.deps.Bus != nil,
	}
	if s.deps.Domain != nil {
		info["membership"] = s.deps.Domain.Stats()
	}
	if s.deps.Backlog != nil {
		if stats, err := s.deps.Backlog.Stats(c.Request.Context()); err == nil {
			info["backlog"] = stats
		}
	}
	if fp, err := s.GetCertificateFingerprint(); err == nil {
		info["fingerprint"] = fp
	}
	if s.deps.Info != nil {
		for k, v := range s.deps.Info() {
			info[k] = v
		}
	}
	c.JSON(http.StatusOK, info)
}

func invalidChange(err error) error {
	return herrors.ErrInvalidChange(validationReason(err))
}

// respondError writes err with the status matching its code
func respondError(c *gin.Context, err error) {
	code, _ := herrors.CodeOf(err)
	resp := ErrorResponse{Error: err.Error(), Code: string(code)}
	var he *herrors.HubError
	if herrors.As(err, &he) {
		if reason, ok := he.Context["reason"].(string); ok {
			resp.Details = strings.Split(reason, "; ")
		}
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, resp)
}

// statusFor maps an error code to an HTTP status
func statusFor(err error) int {
	code, ok := herrors.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case herrors.CodeInvalidPayload, herrors.CodeInvalidChange:
		return http.StatusBadRequest
	case herrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case herrors.CodeUnknownCluster, herrors.CodeUnknownUser:
		return http.StatusNotFound
	case herrors.CodeInboxClosed, herrors.CodeStoreFailed,
		herrors.CodeBacklogUnavailable, herrors.CodeBacklogQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
