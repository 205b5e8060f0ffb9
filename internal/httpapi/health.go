package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth probes the volatile storage backend with a throwaway write
// so the readiness signal reflects the dependency every session needs.
func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	err := s.RunnerDeps.Storage.SetEx(ctx, "opentalk-signaling:healthz", []byte("1"), time.Second)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  "volatile storage unreachable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
