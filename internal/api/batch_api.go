package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/batch"
	"github.com/intentd/intentd/pkg/models"
)

const defaultJobListLimit = 20

type batchItemRequest struct {
	ItemID  string                 `json:"item_id"`
	Text    string                 `json:"text"`
	Context *models.MessageContext `json:"context,omitempty"`
}

type batchSubmitRequest struct {
	Items         []batchItemRequest `json:"items"`
	Priority      string             `json:"priority"`
	WebhookURL    string             `json:"webhook_url"`
	WebhookSecret string             `json:"webhook_secret"`
}

// BatchAPI handles asynchronous batch job submission and lifecycle.
type BatchAPI struct {
	engine *batch.Engine
}

// NewBatchAPI creates the batch endpoint handlers.
func NewBatchAPI(engine *batch.Engine) *BatchAPI {
	return &BatchAPI{engine: engine}
}

// RegisterRoutes registers the batch endpoints on an authenticated group.
func (a *BatchAPI) RegisterRoutes(g *gin.RouterGroup) {
	jobs := g.Group("/batch")
	jobs.POST("", a.submit)
	jobs.GET("", a.list)
	jobs.GET("/:job_id", a.status)
	jobs.GET("/:job_id/results", a.results)
	jobs.DELETE("/:job_id", a.cancel)
}

func (a *BatchAPI) submit(c *gin.Context) {
	var req batchSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.KindValidation, "invalid request body"))
		return
	}
	t := tenantFrom(c)
	if t == nil {
		respondError(c, apperrors.New(apperrors.KindAuthMissing, "no authenticated tenant"))
		return
	}

	items := make([]models.BatchItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = models.BatchItem{ItemID: it.ItemID, Text: it.Text, Context: it.Context}
	}

	job, err := a.engine.Submit(c.Request.Context(), t, items, models.BatchPriority(req.Priority), req.WebhookURL, req.WebhookSecret)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (a *BatchAPI) list(c *gin.Context) {
	t := tenantFrom(c)
	if t == nil {
		respondError(c, apperrors.New(apperrors.KindAuthMissing, "no authenticated tenant"))
		return
	}
	limit := defaultJobListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, apperrors.New(apperrors.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	jobs, err := a.engine.Jobs(c.Request.Context(), t.TenantID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (a *BatchAPI) status(c *gin.Context) {
	t := tenantFrom(c)
	if t == nil {
		respondError(c, apperrors.New(apperrors.KindAuthMissing, "no authenticated tenant"))
		return
	}
	job, err := a.engine.Status(c.Request.Context(), t.TenantID, c.Param("job_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a *BatchAPI) results(c *gin.Context) {
	t := tenantFrom(c)
	if t == nil {
		respondError(c, apperrors.New(apperrors.KindAuthMissing, "no authenticated tenant"))
		return
	}
	jobID := c.Param("job_id")
	results, err := a.engine.Results(c.Request.Context(), t.TenantID, jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "results": results})
}

func (a *BatchAPI) cancel(c *gin.Context) {
	t := tenantFrom(c)
	if t == nil {
		respondError(c, apperrors.New(apperrors.KindAuthMissing, "no authenticated tenant"))
		return
	}
	jobID := c.Param("job_id")
	canceled, err := a.engine.Cancel(c.Request.Context(), t.TenantID, jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "cancel_requested": canceled})
}
