package server

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	apidocs "mnrestd/docs/api"
	"mnrestd/internal/api"
)

// setupRoutes builds the gin engine. Every request, matched or not, passes
// the running-state gate first.
func (s *Service) setupRoutes() {
	r := gin.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.Use(s.recoveryMiddleware())
	r.Use(requestIDMiddleware())
	r.Use(s.accessLogMiddleware())
	r.Use(s.securityHeadersMiddleware())
	r.Use(s.requireRunning())
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	if s.validator != nil {
		r.Use(s.validator.Middleware())
	}

	// Public endpoints
	r.GET("/health/live", s.handleHealthLive)
	r.GET("/health/ready", s.handleHealthReady)
	r.GET("/version", s.handleVersion)
	r.GET("/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml; charset=utf-8", apidocs.Spec)
	})

	topo := r.Group("/")
	topo.Use(s.rateLimitMiddleware())
	topo.Use(s.authMiddleware())
	{
		topo.GET("/nodes", s.handleListNodes)
		topo.POST("/nodes", s.handleCreateNode)
		topo.GET("/nodes/:name", s.handleGetNode)
		topo.DELETE("/nodes/:name", s.handleRemoveNode)
		topo.GET("/links", s.handleListLinks)
		topo.POST("/links", s.handleCreateLink)
		topo.DELETE("/links/:id", s.handleRemoveLink)
		topo.GET("/topology", s.handleTopology)
	}

	r.NoRoute(func(c *gin.Context) {
		abortWithKind(c, http.StatusNotFound, api.KindNotFound, "no route for "+c.Request.Method+" "+c.Request.URL.Path)
	})

	s.router = r
}
