package middleware

import (
	"context"
	"strings"

	"judgeline/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	TraceIDHeader   = "X-Trace-Id"
	RequestIDHeader = "X-Request-Id"
)

// TraceContext puts trace and request ids on the gin context, the request context
// and the response headers. Incoming ids are kept; missing ones are generated.
func TraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ctx = propagate(c, ctx, TraceIDHeader, contextkey.TraceID.String(), contextkey.TraceID)
		ctx = propagate(c, ctx, RequestIDHeader, contextkey.RequestID.String(), contextkey.RequestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func propagate(c *gin.Context, ctx context.Context, header, ginKey string, key any) context.Context {
	id := strings.TrimSpace(c.GetHeader(header))
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	c.Set(ginKey, id)
	c.Writer.Header().Set(header, id)
	return context.WithValue(ctx, key, id)
}
