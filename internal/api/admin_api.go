package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/catalog"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
	"github.com/intentd/intentd/pkg/tenant"
)

type adminTenantRequest struct {
	TenantID string                 `json:"tenant_id"`
	Name     string                 `json:"name"`
	APIKey   string                 `json:"api_key"`
	Tier     string                 `json:"tier"`
	IsActive *bool                  `json:"is_active"`
	Settings *models.TenantSettings `json:"settings,omitempty"`
}

type catalogRefreshRequest struct {
	Path string `json:"path"`
}

// AdminAPI handles tenant administration and catalog maintenance. All of its
// routes sit behind the admin JWT middleware.
type AdminAPI struct {
	tenants tenant.Store
	catalog catalog.Store
	loader  *catalog.Loader
	logger  observability.Logger
}

// NewAdminAPI creates the admin endpoint handlers.
func NewAdminAPI(tenants tenant.Store, cat catalog.Store, loader *catalog.Loader, logger observability.Logger) *AdminAPI {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &AdminAPI{tenants: tenants, catalog: cat, loader: loader, logger: logger}
}

// RegisterRoutes registers the admin endpoints on the admin group.
func (a *AdminAPI) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/tenants", a.listTenants)
	g.POST("/tenants", a.upsertTenant)
	g.DELETE("/tenants/:tenant_id", a.deleteTenant)
	g.POST("/catalog/refresh", a.refreshCatalog)
	g.GET("/catalog/stats", a.catalogStats)
}

func (a *AdminAPI) listTenants(c *gin.Context) {
	tenants, err := a.tenants.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants})
}

func (a *AdminAPI) upsertTenant(c *gin.Context) {
	var req adminTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.KindValidation, "invalid request body"))
		return
	}
	if req.TenantID == "" {
		req.TenantID = uuid.New().String()
	}
	if req.APIKey == "" {
		req.APIKey = uuid.New().String()
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	cfg := &models.TenantConfig{
		TenantID:  req.TenantID,
		Name:      req.Name,
		APIKey:    req.APIKey,
		Tier:      models.Tier(req.Tier),
		IsActive:  active,
		UpdatedAt: time.Now().UTC(),
	}
	if req.Settings != nil {
		cfg.Settings = *req.Settings
	}
	if err := a.tenants.Upsert(c.Request.Context(), cfg); err != nil {
		respondError(c, err)
		return
	}
	a.logger.Info("tenant upserted", map[string]interface{}{
		"tenant_id": cfg.TenantID,
		"tier":      cfg.Tier,
		"is_active": cfg.IsActive,
	})
	c.JSON(http.StatusCreated, cfg)
}

func (a *AdminAPI) deleteTenant(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	if err := a.tenants.SoftDelete(c.Request.Context(), tenantID); err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			respondError(c, apperrors.Newf(apperrors.KindNotFound, "tenant %s not found", tenantID))
			return
		}
		respondError(c, err)
		return
	}
	a.logger.Info("tenant deactivated", map[string]interface{}{"tenant_id": tenantID})
	c.Status(http.StatusNoContent)
}

func (a *AdminAPI) refreshCatalog(c *gin.Context) {
	if a.loader == nil {
		respondError(c, apperrors.New(apperrors.KindUnavailable, "catalog loader is not configured"))
		return
	}
	var req catalogRefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.KindValidation, "invalid request body"))
		return
	}
	if req.Path == "" {
		respondError(c, apperrors.New(apperrors.KindValidation, "path is required"))
		return
	}
	n, err := a.loader.Refresh(c.Request.Context(), req.Path)
	if err != nil {
		respondError(c, err)
		return
	}
	a.logger.Info("catalog refreshed", map[string]interface{}{"path": req.Path, "entries": n})
	c.JSON(http.StatusOK, gin.H{"entries": n})
}

func (a *AdminAPI) catalogStats(c *gin.Context) {
	if a.catalog == nil {
		respondError(c, apperrors.New(apperrors.KindUnavailable, "catalog store is not configured"))
		return
	}
	counts, err := a.catalog.CountsByIntent(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"intents": counts, "total": total})
}
