// Package api exposes the resolution service over HTTP: the tenant-facing
// resolve and batch endpoints, a JWT-guarded admin surface for tenant and
// catalog management, and the health probes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/intentd/intentd/pkg/batch"
	"github.com/intentd/intentd/pkg/catalog"
	"github.com/intentd/intentd/pkg/observability"
	"github.com/intentd/intentd/pkg/pipeline"
	"github.com/intentd/intentd/pkg/tenant"
)

// Config holds the server settings.
type Config struct {
	Port        int
	Environment string
	// ResolveTimeout caps one synchronous resolution end to end.
	ResolveTimeout time.Duration
	AdminJWTSecret string
	JWTIssuer      string
}

// Deps are the wired collaborators. Resolver and Tenants are required; nil
// optional deps disable their routes or readiness checks.
type Deps struct {
	Resolver *pipeline.Pipeline
	Batch    *batch.Engine
	Tenants  tenant.Store
	Catalog  catalog.Store
	Loader   *catalog.Loader
	Redis    *redis.Client
	Logger   observability.Logger
}

// Server is the HTTP front of the service.
type Server struct {
	router *gin.Engine
	server *http.Server
	cfg    Config
	deps   Deps
	logger observability.Logger
}

// NewServer wires middleware and routes. It does not start listening.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Resolver == nil {
		return nil, fmt.Errorf("api: resolver is required")
	}
	if deps.Tenants == nil {
		return nil, fmt.Errorf("api: tenant store is required")
	}
	logger := observability.OrNoop(deps.Logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(AccessLog(logger))

	s := &Server{
		router: router,
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  90 * time.Second,
		},
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readyHandler)

	v1 := s.router.Group("/api/v1")

	authed := v1.Group("")
	authed.Use(APIKeyAuth(s.deps.Tenants, s.logger))
	NewResolveAPI(s.deps.Resolver, s.cfg.ResolveTimeout).RegisterRoutes(authed)
	if s.deps.Batch != nil {
		NewBatchAPI(s.deps.Batch).RegisterRoutes(authed)
	}

	admin := v1.Group("/admin")
	admin.Use(AdminJWT(s.cfg.AdminJWTSecret, s.cfg.JWTIssuer))
	NewAdminAPI(s.deps.Tenants, s.deps.Catalog, s.deps.Loader, s.logger).RegisterRoutes(admin)
}

// Router exposes the handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving requests until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http server listening", map[string]interface{}{
		"addr":        s.server.Addr,
		"environment": s.cfg.Environment,
	})
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
