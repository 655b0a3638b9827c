package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
	"github.com/intentd/intentd/pkg/tenant"
)

const (
	// HeaderAPIKey carries the tenant API key on customer-facing routes.
	HeaderAPIKey = "X-API-Key"
	// HeaderRequestID echoes the id assigned to each request.
	HeaderRequestID = "X-Request-ID"

	ctxKeyTenant    = "tenant"
	ctxKeyRequestID = "request_id"
)

// RequestID assigns each request an id, honoring one supplied by the caller,
// and echoes it in the response headers.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// AccessLog writes one structured line per completed request.
func AccessLog(logger observability.Logger) gin.HandlerFunc {
	logger = observability.OrNoop(logger)
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
			"request_id":  c.GetString(ctxKeyRequestID),
		})
	}
}

// APIKeyAuth resolves the calling tenant from X-API-Key and stores it on the
// context. A missing header, an unknown key, and a deactivated tenant each
// map to their own error kind.
func APIKeyAuth(store tenant.Store, logger observability.Logger) gin.HandlerFunc {
	logger = observability.OrNoop(logger)
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderAPIKey)
		if key == "" {
			respondError(c, apperrors.New(apperrors.KindAuthMissing, "X-API-Key header is required"))
			return
		}

		t, err := store.ByAPIKey(c.Request.Context(), key)
		if err != nil {
			switch {
			case errors.Is(err, tenant.ErrNotFound):
				err = apperrors.New(apperrors.KindAuthInvalid, "unknown API key")
			case errors.Is(err, tenant.ErrInactive):
				err = apperrors.New(apperrors.KindAuthInactive, "tenant is deactivated")
			default:
				logger.Error("tenant lookup failed", map[string]interface{}{
					"request_id": c.GetString(ctxKeyRequestID),
					"error":      err.Error(),
				})
				err = apperrors.Wrap(err, apperrors.KindUnavailable, "tenant lookup failed")
			}
			respondError(c, err)
			return
		}

		c.Set(ctxKeyTenant, t)
		c.Next()
	}
}

// tenantFrom returns the tenant stored by APIKeyAuth, or nil on unguarded
// routes.
func tenantFrom(c *gin.Context) *models.TenantConfig {
	if v, ok := c.Get(ctxKeyTenant); ok {
		if t, ok := v.(*models.TenantConfig); ok {
			return t
		}
	}
	return nil
}

// AdminJWT guards the admin group with an HS256 bearer token. An empty
// secret disables the admin surface entirely.
func AdminJWT(secret, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			respondError(c, apperrors.New(apperrors.KindAuthMissing, "admin API is not configured"))
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			respondError(c, apperrors.New(apperrors.KindAuthMissing, "bearer token is required"))
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			respondError(c, apperrors.New(apperrors.KindAuthInvalid, "invalid admin token"))
			return
		}
		if issuer != "" && claims.Issuer != issuer {
			respondError(c, apperrors.New(apperrors.KindAuthInvalid, "invalid admin token"))
			return
		}

		c.Next()
	}
}
