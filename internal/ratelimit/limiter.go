// Package ratelimit throttles the two admission surfaces: ticket issuance
// and WebSocket upgrade attempts. Backed by ulule/limiter with a Redis
// store when clustering is enabled and an in-memory store otherwise.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/opentalkeu/signaling-runtime/internal/logging"
	"github.com/opentalkeu/signaling-runtime/internal/metrics"
)

// Limiter holds the per-endpoint rate limiter instances.
type Limiter struct {
	ticketIssue *limiter.Limiter
	wsUpgrade   *limiter.Limiter
}

// New builds the limiters from "count-period" formatted rates (e.g.
// "30-M"). A nil redisClient selects the in-memory store.
func New(ticketIssueRate, wsUpgradeRate string, redisClient *redis.Client) (*Limiter, error) {
	ticketRate, err := limiter.NewRateFromFormatted(ticketIssueRate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid ticket issue rate: %w", err)
	}
	wsRate, err := limiter.NewRateFromFormatted(wsUpgradeRate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid ws upgrade rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "opentalk-signaling:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("ratelimit: create redis store: %w", err)
		}
	} else {
		store = memory.NewStore()
	}

	return &Limiter{
		ticketIssue: limiter.New(store, ticketRate),
		wsUpgrade:   limiter.New(store, wsRate),
	}, nil
}

// TicketIssue throttles the ticket-issuance endpoint, keyed by client IP.
func (l *Limiter) TicketIssue() gin.HandlerFunc { return middleware(l.ticketIssue, "ticket_issue") }

// WsUpgrade throttles WebSocket upgrade attempts, keyed by client IP.
func (l *Limiter) WsUpgrade() gin.HandlerFunc { return middleware(l.wsUpgrade, "ws_upgrade") }

func middleware(lim *limiter.Limiter, endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := lim.Get(ctx, c.ClientIP())
		if err != nil {
			// Fail open: availability beats throttling when the store is
			// unreachable.
			logging.Error(ctx, "rate limiter store failed", "endpoint", endpoint, "err", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(endpoint).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
