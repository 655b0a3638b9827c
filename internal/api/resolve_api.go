package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/pipeline"
)

// DefaultResolveTimeout bounds a synchronous resolution when the config
// leaves it unset.
const DefaultResolveTimeout = 30 * time.Second

// resolveRequest is the POST /resolve body. Text validation (empty, over
// the byte cap) happens in the pipeline so the errors match everywhere.
type resolveRequest struct {
	Text    string                 `json:"text"`
	Context *models.MessageContext `json:"context,omitempty"`
}

// ResolveAPI handles synchronous message resolution.
type ResolveAPI struct {
	pipe    *pipeline.Pipeline
	timeout time.Duration
}

// NewResolveAPI creates the resolve endpoint handler.
func NewResolveAPI(pipe *pipeline.Pipeline, timeout time.Duration) *ResolveAPI {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	return &ResolveAPI{pipe: pipe, timeout: timeout}
}

// RegisterRoutes registers the resolve endpoint on an authenticated group.
func (a *ResolveAPI) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/resolve", a.resolve)
}

func (a *ResolveAPI) resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.KindValidation, "invalid request body"))
		return
	}
	t := tenantFrom(c)
	if t == nil {
		respondError(c, apperrors.New(apperrors.KindAuthMissing, "no authenticated tenant"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.timeout)
	defer cancel()

	out, err := a.pipe.Resolve(ctx, &models.ResolveInput{
		TenantID: t.TenantID,
		RawText:  req.Text,
		Context:  req.Context,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
