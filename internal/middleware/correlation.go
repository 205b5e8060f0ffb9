// Package middleware contains Gin middleware shared by the HTTP surface
// (ticket issuance, health, metrics).
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key carrying the request correlation
// id, echoed back on the response and attached to the request context.
const HeaderXCorrelationID = "X-Correlation-ID"

const correlationIDKey = "correlation_id"

// CorrelationID assigns (or propagates) a correlation id for every request,
// so logs from the ticket-issuance and WS-upgrade paths can be joined.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(HeaderXCorrelationID, id)
		c.Set(correlationIDKey, id)
		c.Next()
	}
}

// FromGin reads the correlation id set by CorrelationID, if any.
func FromGin(c *gin.Context) string {
	if v, ok := c.Get(correlationIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
