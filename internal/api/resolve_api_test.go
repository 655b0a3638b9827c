package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/models"
)

func TestResolveEndpoint(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	w := doRequest(t, s, http.MethodPost, "/api/v1/resolve",
		map[string]string{"text": "Where is my order #ORD-98765?"}, authHeaders("key-1"))

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var out models.ResolveOutput
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))

	assert.NotEmpty(t, out.RequestID)
	require.Len(t, out.ResolvedIntents, 1)
	assert.Equal(t, "ORDER_STATUS", out.ResolvedIntents[0].Category)
	assert.Equal(t, "WISMO", out.ResolvedIntents[0].Intent)
	assert.Equal(t, models.TierHigh, out.ResolvedIntents[0].ConfidenceTier)
	assert.Equal(t, models.PathFast, out.PathTaken)
	assert.NotEmpty(t, out.ReasoningTrace)
}

func TestResolveEndpointWithContext(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	w := doRequest(t, s, http.MethodPost, "/api/v1/resolve", map[string]interface{}{
		"text":    "Where is my order?",
		"context": map[string]interface{}{"customer_tier": "vip", "channel": "email"},
	}, authHeaders("key-1"))

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
}

func TestResolveEndpointValidation(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	w := doRequest(t, s, http.MethodPost, "/api/v1/resolve",
		map[string]string{"text": ""}, authHeaders("key-1"))

	require.Equal(t, http.StatusBadRequest, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, apperrors.KindValidation, e.Kind)
	assert.Equal(t, "message text cannot be empty", e.Message)
}

func TestResolveEndpointMalformedBody(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	w := doRequest(t, s, http.MethodPost, "/api/v1/resolve", `{"text": `, authHeaders("key-1"))

	require.Equal(t, http.StatusBadRequest, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, apperrors.KindValidation, e.Kind)
	assert.Equal(t, "invalid request body", e.Message)
}

func TestResolveEndpointRateLimited(t *testing.T) {
	s := newTestServer(t, serverOptions{limiter: denyLimiter{retryAfter: 9 * time.Second}})

	w := doRequest(t, s, http.MethodPost, "/api/v1/resolve",
		map[string]string{"text": "where is my order?"}, authHeaders("key-1"))

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "9", w.Header().Get("Retry-After"))

	e := decodeError(t, w)
	assert.Equal(t, apperrors.KindRateLimited, e.Kind)
	require.NotNil(t, e.RetryAfter)
	assert.InDelta(t, 9.0, *e.RetryAfter, 0.001)
}

func TestResolveEndpointMatcherDown(t *testing.T) {
	s := newTestServer(t, serverOptions{
		matcher: &stubMatcher{err: errors.New("pgvector: connection refused")},
	})

	w := doRequest(t, s, http.MethodPost, "/api/v1/resolve",
		map[string]string{"text": "where is my order?"}, authHeaders("key-1"))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, apperrors.KindUnavailable, decodeError(t, w).Kind)
}
