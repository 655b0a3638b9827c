package api

import (
	"errors"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/intentd/intentd/pkg/apperrors"
)

// errorBody is the wire form of a classified error. RetryAfter only appears
// on admission-style denials.
type errorBody struct {
	Kind       apperrors.Kind `json:"kind"`
	Message    string         `json:"message"`
	RetryAfter *float64       `json:"retry_after,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// respondError writes the error envelope for err and aborts the handler
// chain. Unclassified errors surface as INTERNAL with a generic message.
func respondError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	body := errorBody{Kind: kind, Message: publicMessage(err, kind)}
	if ra := apperrors.RetryAfterOf(err); ra > 0 {
		body.RetryAfter = &ra
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(ra))))
	}
	c.AbortWithStatusJSON(apperrors.HTTPStatus(kind), errorEnvelope{Error: body})
}

// publicMessage strips wrapped causes from the outgoing message. Internal
// errors log their detail server-side and stay opaque on the wire.
func publicMessage(err error, kind apperrors.Kind) string {
	if kind == apperrors.KindInternal {
		return "internal error"
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
