package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	VisitorHeader = "X-Visitor-ID"

	maxVisitorIDLength = 64
)

type visitorKey struct{}

// Visitor resolves the anonymous visitor identity from X-Visitor-ID,
// minting a new one when absent or malformed. The resolved id is echoed back.
func Visitor() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(VisitorHeader)
		if id == "" || len(id) > maxVisitorIDLength {
			id = uuid.NewString()
		}

		c.Header(VisitorHeader, id)
		c.Set(VisitorHeader, id)
		c.Request = c.Request.WithContext(WithVisitorID(c.Request.Context(), id))
		c.Next()
	}
}

func WithVisitorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, visitorKey{}, id)
}

// VisitorID returns the visitor bound to ctx, or "".
func VisitorID(ctx context.Context) string {
	id, _ := ctx.Value(visitorKey{}).(string)
	return id
}
