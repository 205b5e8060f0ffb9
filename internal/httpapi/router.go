// Package httpapi hosts the process's HTTP surface: the WebSocket upgrade
// route, a minimal ticket-issuance endpoint demonstrating the REST "start"
// handoff end to end, and the health/metrics endpoints. The REST API's
// real shape is out of scope; this is the smallest surface that exercises
// admission.
package httpapi

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opentalkeu/signaling-runtime/internal/collaborators"
	"github.com/opentalkeu/signaling-runtime/internal/config"
	"github.com/opentalkeu/signaling-runtime/internal/middleware"
	"github.com/opentalkeu/signaling-runtime/internal/modules/moderation"
	"github.com/opentalkeu/signaling-runtime/internal/ratelimit"
	"github.com/opentalkeu/signaling-runtime/internal/runner"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
)

// TokenValidator authenticates a bearer token; *collaborators.Authority
// satisfies it and tests substitute a fake.
type TokenValidator interface {
	Validate(tokenString string) (*collaborators.Claims, error)
}

// Server bundles everything the HTTP handlers need.
type Server struct {
	Cfg        *config.Config
	Validator  TokenValidator // nil disables registered-user auth (guests only)
	Inventory  collaborators.Inventory
	Tickets    *storage.Tickets
	Moderation *moderation.Storage
	RunnerDeps runner.Deps
	Limiter    *ratelimit.Limiter
}

// Router assembles the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = s.allowedOrigins()
	router.Use(cors.New(corsCfg))

	v1 := router.Group("/v1")
	{
		v1.POST("/rooms/:roomId/start", s.Limiter.TicketIssue(), s.handleStart)
	}
	router.GET("/signaling", s.Limiter.WsUpgrade(), s.handleSignaling)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", s.handleHealth)

	return router
}

func (s *Server) allowedOrigins() []string {
	if s.Cfg.AllowedOrigins == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(s.Cfg.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
