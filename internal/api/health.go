package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const readyCheckTimeout = 2 * time.Second

// healthHandler reports liveness. It never touches dependencies.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "intentd",
		"time":    time.Now().UTC(),
	})
}

// readyHandler pings each wired backend and reports per-component status.
func (s *Server) readyHandler(c *gin.Context) {
	components := map[string]string{}
	ready := true

	check := func(name string, ping func(context.Context) error) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyCheckTimeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			components[name] = "unhealthy: " + err.Error()
			ready = false
			return
		}
		components[name] = "healthy"
	}

	check("tenants", s.deps.Tenants.Ping)
	if s.deps.Catalog != nil {
		check("catalog", s.deps.Catalog.Ping)
	}
	if s.deps.Redis != nil {
		check("redis", func(ctx context.Context) error {
			return s.deps.Redis.Ping(ctx).Err()
		})
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "components": components})
}
